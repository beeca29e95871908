package rtdb

import (
	"encoding/json"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/tenant"
)

// Query runs a filtered, sorted, paginated read against one collection.
// When the filter has an Equals predicate on an indexed field, that
// index seeds the candidate set instead of a full bucket scan; every
// other predicate still re-checks each candidate so index and no-index
// paths agree on results.
func (e *Engine) Query(tnID tenant.TnId, dbID, collection string, opts QueryOptions) ([]Document, error) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})

	var docs []Document
	err := e.db.View(func(tx *bolt.Tx) error {
		candidates, planned, err := planCandidates(tx, inst, collection, opts.Filter)
		if err != nil {
			return err
		}
		if planned {
			docs = candidates
			return nil
		}
		docs, err = scanAll(tx, inst, collection)
		return err
	})
	if err != nil {
		return nil, err
	}

	filtered := docs[:0]
	for _, d := range docs {
		if matchesFilter(d, opts.Filter) {
			filtered = append(filtered, d)
		}
	}

	if len(opts.Sort) > 0 {
		sortDocuments(filtered, opts.Sort)
	}

	return paginate(filtered, opts.Offset, opts.Limit), nil
}

// planCandidates uses the first indexed Equals predicate it finds to
// narrow the scan via lookupIndex; planned is false when no index
// applies and the caller must fall back to a full scan.
func planCandidates(tx *bolt.Tx, inst *DatabaseInstance, collection string, filter *QueryFilter) ([]Document, bool, error) {
	if filter == nil {
		return nil, false, nil
	}
	for field, value := range filter.Equals {
		ids, ok, err := lookupIndex(tx, inst, collection, field, value)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		docs := make([]Document, 0, len(ids))
		b := tx.Bucket([]byte(bucketDocuments))
		for id := range ids {
			raw := b.Get([]byte(inst.key.buildKey(collection + "/" + id)))
			if raw == nil {
				continue
			}
			var doc Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, false, clerr.Wrap(clerr.DbError, "decode rtdb document", err)
			}
			docs = append(docs, doc)
		}
		return docs, true, nil
	}
	return nil, false, nil
}

// scanAllWithIDs is scanAll's sibling for callers (index backfill) that
// need each document keyed by its doc id rather than returned as a list.
func scanAllWithIDs(tx *bolt.Tx, inst *DatabaseInstance, collection string) (map[string]Document, error) {
	prefix := []byte(inst.key.buildKey(collection) + "/")
	b := tx.Bucket([]byte(bucketDocuments))
	c := b.Cursor()
	out := make(map[string]Document)
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return nil, clerr.Wrap(clerr.DbError, "decode rtdb document", err)
		}
		id := string(k)[len(prefix):]
		out[id] = doc
	}
	return out, nil
}

func scanAll(tx *bolt.Tx, inst *DatabaseInstance, collection string) ([]Document, error) {
	prefix := []byte(inst.key.buildKey(collection) + "/")
	b := tx.Bucket([]byte(bucketDocuments))
	c := b.Cursor()
	var docs []Document
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return nil, clerr.Wrap(clerr.DbError, "decode rtdb document", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func matchesFilter(doc Document, f *QueryFilter) bool {
	if f.IsEmpty() {
		return true
	}
	for field, want := range f.Equals {
		if !equalValues(doc[field], want) {
			return false
		}
	}
	for field, want := range f.NotEquals {
		if equalValues(doc[field], want) {
			return false
		}
	}
	for field, want := range f.GreaterThan {
		if compareValues(doc[field], want) <= 0 {
			return false
		}
	}
	for field, want := range f.GreaterThanOrEqual {
		if compareValues(doc[field], want) < 0 {
			return false
		}
	}
	for field, want := range f.LessThan {
		if compareValues(doc[field], want) >= 0 {
			return false
		}
	}
	for field, want := range f.LessThanOrEqual {
		if compareValues(doc[field], want) > 0 {
			return false
		}
	}
	for field, set := range f.InArray {
		if !containsValue(set, doc[field]) {
			return false
		}
	}
	for field, set := range f.NotInArray {
		if containsValue(set, doc[field]) {
			return false
		}
	}
	for field, want := range f.ArrayContains {
		arr, ok := doc[field].([]any)
		if !ok || !containsValue(arr, want) {
			return false
		}
	}
	for field, wantAny := range f.ArrayContainsAny {
		arr, ok := doc[field].([]any)
		if !ok || !containsAny(arr, wantAny) {
			return false
		}
	}
	for field, all := range f.ArrayContainsAll {
		arr, ok := doc[field].([]any)
		if !ok || !containsAll(arr, all) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		return an == bn
	}
	return a == b
}

// compareValues returns -1/0/1 for a</=/> b, treating numbers
// numerically and everything else as strings (matching the original
// adapter's total-order comparator for sort/range filters).
func compareValues(a, b any) int {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, bs := toString(a), toString(b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

func containsValue(set []any, v any) bool {
	for _, s := range set {
		if equalValues(s, v) {
			return true
		}
	}
	return false
}

func containsAny(arr []any, wantAny []any) bool {
	for _, v := range wantAny {
		if containsValue(arr, v) {
			return true
		}
	}
	return false
}

func containsAll(arr []any, all []any) bool {
	for _, v := range all {
		if !containsValue(arr, v) {
			return false
		}
	}
	return true
}

func sortDocuments(docs []Document, fields []SortField) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			c := compareValues(docs[i][f.Field], docs[j][f.Field])
			if c == 0 {
				continue
			}
			if f.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}

func paginate(docs []Document, offset, limit int) []Document {
	if offset > 0 {
		if offset >= len(docs) {
			return []Document{}
		}
		docs = docs[offset:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
