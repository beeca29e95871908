package rtdb

import (
	"crypto/rand"
	"encoding/json"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clerr"
)

type writeCacheEntry struct {
	doc     Document
	deleted bool
}

// Transaction is a single writable pass over one (tn_id, db_id).
// Reads consult the write cache before the underlying bucket so a
// transaction always sees its own uncommitted writes (spec §4.G.1),
// which is what makes read-modify-write sequences like $op:increment
// safe under concurrency: every transaction holds the bbolt file's one
// writable transaction for its whole lifetime, so two transactions
// never interleave their read and write halves.
type Transaction struct {
	inst  *DatabaseInstance
	tx    *bolt.Tx
	cache map[string]writeCacheEntry
	// pending buffers change events until Commit, so a Rollback
	// publishes nothing (spec invariant 7).
	pending []ChangeEvent
	done    bool
}

func newTransaction(inst *DatabaseInstance, tx *bolt.Tx) *Transaction {
	return &Transaction{inst: inst, tx: tx, cache: make(map[string]writeCacheEntry)}
}

func (t *Transaction) docsBucket() *bolt.Bucket {
	return t.tx.Bucket([]byte(bucketDocuments))
}

func (t *Transaction) idxBucket() *bolt.Bucket {
	return t.tx.Bucket([]byte(bucketIndexes))
}

// Get reads path through the write cache first, then the committed
// bucket contents visible to this transaction.
func (t *Transaction) Get(path string) (Document, bool, error) {
	if entry, ok := t.cache[path]; ok {
		if entry.deleted {
			return nil, false, nil
		}
		return entry.doc, true, nil
	}

	raw := t.docsBucket().Get([]byte(t.inst.key.buildKey(path)))
	if raw == nil {
		return nil, false, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, clerr.Wrap(clerr.DbError, "decode rtdb document", err)
	}
	return doc, true, nil
}

// Create generates a 24-char doc id, injects it as "id", resolves any
// computed-value expressions against this transaction's view, writes
// the document under path/<id>, and stages index updates plus a Create
// event.
func (t *Transaction) Create(collection string, data Document) (string, error) {
	docID, err := generateDocID()
	if err != nil {
		return "", err
	}
	if data == nil {
		data = Document{}
	}
	data["id"] = docID

	if err := resolveComputedValues(t, collection, data, nil); err != nil {
		return "", err
	}

	fullPath := collection + "/" + docID
	if err := t.writeDoc(fullPath, data); err != nil {
		return "", err
	}
	t.updateIndexes(collection, docID, data, true)
	t.pending = append(t.pending, ChangeEvent{Kind: EventCreate, Path: fullPath, Data: data})
	return docID, nil
}

// Update replaces the document at path wholesale (no merge/PATCH), after
// resolving computed-value expressions against the transaction's view.
func (t *Transaction) Update(path string, data Document) error {
	collection, docID, err := splitPath(path)
	if err != nil {
		return err
	}

	old, hadOld, err := t.Get(path)
	if err != nil {
		return err
	}

	if err := resolveComputedValues(t, collection, data, old); err != nil {
		return err
	}

	if err := t.writeDoc(path, data); err != nil {
		return err
	}
	if hadOld {
		t.updateIndexes(collection, docID, old, false)
	}
	t.updateIndexes(collection, docID, data, true)
	t.pending = append(t.pending, ChangeEvent{Kind: EventUpdate, Path: path, Data: data})
	return nil
}

// Delete removes the document at path, staging index removals.
func (t *Transaction) Delete(path string) error {
	collection, docID, err := splitPath(path)
	if err != nil {
		return err
	}

	old, hadOld, err := t.Get(path)
	if err != nil {
		return err
	}

	key := []byte(t.inst.key.buildKey(path))
	if err := t.docsBucket().Delete(key); err != nil {
		return clerr.Wrap(clerr.DbError, "delete rtdb document", err)
	}
	t.cache[path] = writeCacheEntry{deleted: true}

	if hadOld {
		t.updateIndexes(collection, docID, old, false)
	}
	t.pending = append(t.pending, ChangeEvent{Kind: EventDelete, Path: path})
	return nil
}

func (t *Transaction) writeDoc(path string, data Document) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return clerr.Wrap(clerr.Internal, "encode rtdb document", err)
	}
	if err := t.docsBucket().Put([]byte(t.inst.key.buildKey(path)), raw); err != nil {
		return clerr.Wrap(clerr.DbError, "write rtdb document", err)
	}
	t.cache[path] = writeCacheEntry{doc: data}
	return nil
}

// Commit finalizes the underlying bbolt write transaction, then
// publishes every buffered change event. Both steps only happen if the
// commit itself succeeds (invariant 7: commit publishes exactly once,
// a failed commit publishes nothing).
func (t *Transaction) Commit() error {
	if t.done {
		return clerr.New(clerr.Internal, "transaction already finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return clerr.Wrap(clerr.DbError, "commit rtdb transaction", err)
	}
	for _, ev := range t.pending {
		t.inst.publish(ev)
	}
	return nil
}

// Rollback discards the underlying bbolt transaction. No buffered
// change event is ever published.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// scanCollection returns every document stored directly under path
// (path/<doc_id>), reflecting this transaction's own uncommitted writes
// layered on top of the committed bucket contents. Results are ordered
// by doc id, matching bbolt's own key ordering.
func (t *Transaction) scanCollection(path string) ([]Document, error) {
	prefix := []byte(t.inst.key.buildKey(path) + "/")
	byID := make(map[string]Document)
	deleted := make(map[string]bool)

	c := t.docsBucket().Cursor()
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return nil, clerr.Wrap(clerr.DbError, "decode rtdb document", err)
		}
		byID[string(k)] = doc
	}

	relPrefix := path + "/"
	for k, entry := range t.cache {
		if !strings.HasPrefix(k, relPrefix) {
			continue
		}
		fullKey := t.inst.key.buildKey(k)
		if entry.deleted {
			deleted[fullKey] = true
			delete(byID, fullKey)
			continue
		}
		byID[fullKey] = entry.doc
	}

	keys := make([]string, 0, len(byID))
	for k := range byID {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Document, 0, len(keys))
	for _, k := range keys {
		out = append(out, byID[k])
	}
	return out, nil
}

func splitPath(path string) (collection, docID string, err error) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", "", clerr.New(clerr.ValidationError, "path has no collection segment")
	}
	return path[:idx], path[idx+1:], nil
}

const docIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateDocID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", clerr.Wrap(clerr.Internal, "generate doc id", err)
	}
	for i, b := range buf {
		buf[i] = docIDAlphabet[int(b)%len(docIDAlphabet)]
	}
	return string(buf), nil
}
