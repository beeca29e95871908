package rtdb

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/tenant"
)

// indexEntry is what the index bucket stores per (collection, field,
// value) -> set of doc ids. Kept as a small JSON object rather than a
// bare byte slice so ForEach-based debugging tools can read it directly.
type indexEntry struct {
	DocIDs map[string]bool `json:"docIds"`
}

// indexKey layout: "<tn_id>/<db_id>/<collection>/<field>/<value>"; value
// is the document field value's JSON-encoded form, so distinct dynamic
// types (string "1" vs number 1) never collide.
func (k InstanceKey) indexKey(collection, field string, value any) (string, error) {
	enc, err := json.Marshal(value)
	if err != nil {
		return "", clerr.Wrap(clerr.Internal, "encode index value", err)
	}
	return fmt.Sprintf("%s%s/%s/%s", k.prefix(), collection, field, string(enc)), nil
}

// CreateIndex registers field as indexed for collection on this
// instance and backfills it from every document already stored there,
// so a query issued right after CreateIndex sees consistent results
// whether or not it happens to use the index.
func (e *Engine) CreateIndex(tnID tenant.TnId, dbID, collection, field string) error {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	inst.registerIndexedField(collection, field)

	return e.db.Update(func(tx *bolt.Tx) error {
		docs, err := scanAllWithIDs(tx, inst, collection)
		if err != nil {
			return err
		}
		idx := tx.Bucket([]byte(bucketIndexes))
		for id, doc := range docs {
			value, ok := doc[field]
			if !ok {
				continue
			}
			key, err := inst.key.indexKey(collection, field, value)
			if err != nil {
				continue
			}
			if err := addToIndexEntry(idx, key, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func addToIndexEntry(b *bolt.Bucket, key, docID string) error {
	entry := indexEntry{DocIDs: make(map[string]bool)}
	if raw := b.Get([]byte(key)); raw != nil {
		_ = json.Unmarshal(raw, &entry)
	}
	if entry.DocIDs == nil {
		entry.DocIDs = make(map[string]bool)
	}
	entry.DocIDs[docID] = true
	raw, err := json.Marshal(entry)
	if err != nil {
		return clerr.Wrap(clerr.Internal, "encode index entry", err)
	}
	return b.Put([]byte(key), raw)
}

// updateIndexes adds (add=true) or removes (add=false) doc from every
// indexed field's bucket entry. Called for both the old and new value
// of a field across Create/Update/Delete so the index never drifts.
func (t *Transaction) updateIndexes(collection, docID string, doc Document, add bool) {
	for _, field := range t.inst.indexedFieldsFor(collection) {
		value, ok := doc[field]
		if !ok {
			continue
		}
		key, err := t.inst.key.indexKey(collection, field, value)
		if err != nil {
			log.WithError(err).WithField("field", field).Warn("skipping index update")
			continue
		}
		t.mutateIndexEntry(key, docID, add)
	}
}

func (t *Transaction) mutateIndexEntry(key, docID string, add bool) {
	b := t.idxBucket()
	entry := indexEntry{DocIDs: make(map[string]bool)}
	if raw := b.Get([]byte(key)); raw != nil {
		_ = json.Unmarshal(raw, &entry)
	}
	if entry.DocIDs == nil {
		entry.DocIDs = make(map[string]bool)
	}
	if add {
		entry.DocIDs[docID] = true
	} else {
		delete(entry.DocIDs, docID)
	}

	if len(entry.DocIDs) == 0 {
		_ = b.Delete([]byte(key))
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		log.WithError(err).Warn("failed to encode index entry")
		return
	}
	_ = b.Put([]byte(key), raw)
}

// lookupIndex returns the doc ids matching collection.field == value, if
// field is indexed for collection; ok is false when no index exists so
// the caller can fall back to a full scan.
func lookupIndex(tx *bolt.Tx, inst *DatabaseInstance, collection, field string, value any) (ids map[string]bool, ok bool, err error) {
	if !inst.hasIndex(collection, field) {
		return nil, false, nil
	}
	key, err := inst.key.indexKey(collection, field, value)
	if err != nil {
		return nil, false, err
	}
	b := tx.Bucket([]byte(bucketIndexes))
	raw := b.Get([]byte(key))
	if raw == nil {
		return map[string]bool{}, true, nil
	}
	var entry indexEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, clerr.Wrap(clerr.DbError, "decode index entry", err)
	}
	return entry.DocIDs, true, nil
}
