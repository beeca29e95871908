package rtdb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clerr"
	dbwrap "github.com/cloudillo/cloudillo/storage/bolt"
	"github.com/cloudillo/cloudillo/tenant"
)

const (
	bucketDocuments = "rtdb_documents"
	bucketIndexes   = "rtdb_indexes"
)

// Engine is the realtime document store. All (tn_id, db_id) instances
// share one underlying bbolt file (the spec's "shared file" mode);
// bbolt permits exactly one writable transaction at a time for that
// file, which is what makes concurrent $op:increment lost-update-free
// without any extra application-level locking (spec invariant 6).
type Engine struct {
	db *dbwrap.DB

	mu           sync.Mutex
	instances    map[InstanceKey]*DatabaseInstance
	maxInstances int
	idleTimeout  time.Duration
}

func Open(path string, maxInstances int, idleTimeout time.Duration) (*Engine, error) {
	db, err := dbwrap.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.CreateBucket(bucketDocuments); err != nil {
		return nil, clerr.Wrap(clerr.DbError, "create rtdb documents bucket", err)
	}
	if err := db.CreateBucket(bucketIndexes); err != nil {
		return nil, clerr.Wrap(clerr.DbError, "create rtdb indexes bucket", err)
	}
	if maxInstances <= 0 {
		maxInstances = 100
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Engine{
		db:           db,
		instances:    make(map[InstanceKey]*DatabaseInstance),
		maxInstances: maxInstances,
		idleTimeout:  idleTimeout,
	}, nil
}

// instance returns (creating if needed) the DatabaseInstance for key,
// evicting the least-recently-touched instance first if at capacity.
func (e *Engine) instance(key InstanceKey) *DatabaseInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[key]; ok {
		inst.touch()
		return inst
	}
	if len(e.instances) >= e.maxInstances {
		e.evictLRULocked()
	}
	inst := newDatabaseInstance(key)
	e.instances[key] = inst
	return inst
}

func (e *Engine) evictLRULocked() {
	var oldestKey InstanceKey
	var oldest time.Time
	first := true
	for k, inst := range e.instances {
		la := inst.lastAccessed()
		if first || la.Before(oldest) {
			oldest, oldestKey, first = la, k, false
		}
	}
	if !first {
		delete(e.instances, oldestKey)
		log.WithField("db_id", oldestKey.DbID).Info("evicted rtdb instance (at capacity)")
	}
}

// CloseDB drops an instance's in-memory state. Documents remain on
// disk; only the subscriber/lock/index cache is discarded.
func (e *Engine) CloseDB(tnID tenant.TnId, dbID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, InstanceKey{TnID: tnID, DbID: dbID})
}

// RunEvictionLoop closes instances idle longer than idleTimeout. Mirrors
// the Rust adapter's spawn_eviction_task.
func (e *Engine) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evictIdle()
		}
	}
}

func (e *Engine) evictIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for k, inst := range e.instances {
		if now.Sub(inst.lastAccessed()) > e.idleTimeout {
			delete(e.instances, k)
			log.WithField("db_id", k.DbID).Debug("auto-evicted idle rtdb instance")
		}
	}
}

// Transaction begins a writable transaction on (tn_id, db_id). The
// caller MUST call Commit or Rollback; Go has no destructor to fall
// back to auto-commit the way the Rust Drop impl does.
func (e *Engine) Transaction(tnID tenant.TnId, dbID string) (*Transaction, error) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, clerr.Wrap(clerr.DbError, "begin rtdb transaction", err)
	}
	return newTransaction(inst, tx), nil
}

// Get reads a single committed document outside any transaction.
func (e *Engine) Get(tnID tenant.TnId, dbID, path string) (Document, bool, error) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	var doc Document
	found := false
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDocuments))
		raw := b.Get([]byte(inst.key.buildKey(path)))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return nil, false, clerr.Wrap(clerr.DbError, "get rtdb document", err)
	}
	return doc, found, nil
}

func (e *Engine) Stats(tnID tenant.TnId, dbID string) (DbStats, error) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	prefix := []byte(inst.key.prefix())
	var stats DbStats
	err := e.db.ForEachPrefixJSON(bucketDocuments, prefix, func(_ []byte, raw []byte) error {
		stats.RecordCount++
		stats.SizeBytes += int64(len(raw))
		return nil
	})
	if err != nil {
		return DbStats{}, err
	}
	return stats, nil
}
