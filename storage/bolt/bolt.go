// Package bolt wraps go.etcd.io/bbolt with the small JSON-bucket helper
// API every storage adapter in this module builds on, adapted from the
// teacher's db/bolt package: one embedded file, buckets per entity
// kind, JSON-encoded values, and tenant scoping folded into the key
// rather than the bucket (so a single bbolt file serves every tenant).
package bolt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clerr"
)

// DB wraps a bbolt database with JSON convenience methods shared by the
// auth/meta/crdt adapters.
type DB struct {
	*bolt.DB
}

func Open(path string) (*DB, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, clerr.Wrap(clerr.DbError, fmt.Sprintf("open bbolt database %s", path), err)
	}
	return &DB{boltDB}, nil
}

func (db *DB) CreateBucket(name string) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

func (db *DB) PutJSON(bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return clerr.Wrap(clerr.Internal, "marshal value", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return clerr.Wrap(clerr.DbError, fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return nil
}

// GetJSON returns (found, error). Not-found is not itself an error —
// adapters translate a false return to clerr.NotFound at their own
// boundary so they can phrase the message with domain terms.
func (db *DB) GetJSON(bucket, key string, value interface{}) (bool, error) {
	found := false
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, value)
	})
	if err != nil {
		return false, clerr.Wrap(clerr.DbError, fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	return found, nil
}

func (db *DB) Delete(bucket, key string) error {
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return clerr.Wrap(clerr.DbError, fmt.Sprintf("delete %s/%s", bucket, key), err)
	}
	return nil
}

// PutRaw stores value verbatim, for callers such as the CRDT adapter
// that already hold an opaque, pre-encoded byte blob and would gain
// nothing from a JSON round-trip.
func (db *DB) PutRaw(bucket, key string, value []byte) error {
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return clerr.Wrap(clerr.DbError, fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return nil
}

// GetRaw returns the verbatim bytes stored under key, and whether it
// was present at all.
func (db *DB) GetRaw(bucket, key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, false, clerr.Wrap(clerr.DbError, fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	return out, found, nil
}

// ForEachPrefixJSON iterates every key with the given prefix in bucket,
// passing each key and raw value to fn; fn does its own decoding. This is how adapters implement
// tenant-scoped scans over a shared bucket: prefix = tn_id's key
// segment.
func (db *DB) ForEachPrefixJSON(bucket string, prefix []byte, fn func(key []byte, raw []byte) error) error {
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return clerr.Wrap(clerr.DbError, fmt.Sprintf("scan %s", bucket), err)
	}
	return nil
}
