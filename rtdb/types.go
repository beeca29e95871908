// Package rtdb implements the realtime document engine of spec §4.G: a
// per-(tn_id, db_id) JSON store with transactional read-your-own-writes
// semantics, indexes, filtered queries, change subscriptions, locks and
// computed-value expressions, grounded on the original Rust
// rtdb-adapter-redb crate's Transaction/RtdbAdapter traits — generalized
// here from redb's write-transaction type to go.etcd.io/bbolt, which
// gives the same single-writer-per-file guarantee redb's WriteTransaction
// relies on for lost-update-free concurrent increments.
package rtdb

// LockMode is the strength of a document lock (§4.G.5).
type LockMode string

const (
	LockSoft LockMode = "soft"
	LockHard LockMode = "hard"
)

// LockInfo describes an active lock on a document path.
type LockInfo struct {
	UserID     string   `json:"userId"`
	ConnID     string   `json:"connId"`
	Mode       LockMode `json:"mode"`
	AcquiredAt int64    `json:"acquiredAt"` // unix millis
	TTLSecs    int64    `json:"ttlSecs"`
}

// Document is a JSON object as decoded by encoding/json — the document
// store has no fixed schema, so every document is a bag of fields.
type Document = map[string]any

// QueryFilter is a conjunction of per-field predicates (AND logic). All
// populated maps must match for a document to pass.
type QueryFilter struct {
	Equals              map[string]any     `json:"equals,omitempty"`
	NotEquals           map[string]any     `json:"notEquals,omitempty"`
	GreaterThan         map[string]any     `json:"greaterThan,omitempty"`
	GreaterThanOrEqual  map[string]any     `json:"greaterThanOrEqual,omitempty"`
	LessThan            map[string]any     `json:"lessThan,omitempty"`
	LessThanOrEqual     map[string]any     `json:"lessThanOrEqual,omitempty"`
	InArray             map[string][]any   `json:"inArray,omitempty"`
	NotInArray          map[string][]any   `json:"notInArray,omitempty"`
	ArrayContains       map[string]any     `json:"arrayContains,omitempty"`
	ArrayContainsAny    map[string][]any   `json:"arrayContainsAny,omitempty"`
	ArrayContainsAll    map[string][]any   `json:"arrayContainsAll,omitempty"`
}

// IsEmpty reports whether the filter matches every document.
func (f *QueryFilter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return len(f.Equals) == 0 && len(f.NotEquals) == 0 &&
		len(f.GreaterThan) == 0 && len(f.GreaterThanOrEqual) == 0 &&
		len(f.LessThan) == 0 && len(f.LessThanOrEqual) == 0 &&
		len(f.InArray) == 0 && len(f.NotInArray) == 0 &&
		len(f.ArrayContains) == 0 && len(f.ArrayContainsAny) == 0 && len(f.ArrayContainsAll) == 0
}

// SortField orders query results by one field.
type SortField struct {
	Field     string
	Ascending bool
}

// QueryOptions parameterizes Engine.Query.
type QueryOptions struct {
	Filter *QueryFilter
	Sort   []SortField
	Limit  int // 0 = unlimited
	Offset int
}

// SubscriptionOptions parameterizes Engine.Subscribe.
type SubscriptionOptions struct {
	Path   string
	Filter *QueryFilter
}

// ChangeEventKind discriminates ChangeEvent.
type ChangeEventKind string

const (
	EventCreate ChangeEventKind = "create"
	EventUpdate ChangeEventKind = "update"
	EventDelete ChangeEventKind = "delete"
	EventLock   ChangeEventKind = "lock"
	EventUnlock ChangeEventKind = "unlock"
	EventReady  ChangeEventKind = "ready"
)

// ChangeEvent is one entry in a subscription stream (§4.G.4).
type ChangeEvent struct {
	Kind ChangeEventKind
	Path string
	Data Document // present for Create/Update/Lock, nil for Unlock/Delete/Ready
}

func (e ChangeEvent) id() string {
	for i := len(e.Path) - 1; i >= 0; i-- {
		if e.Path[i] == '/' {
			return e.Path[i+1:]
		}
	}
	return e.Path
}

// DbStats reports size/count information for one instance.
type DbStats struct {
	SizeBytes   int64
	RecordCount int64
}
