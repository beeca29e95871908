package rtdb

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudillo/cloudillo/logging"
	"github.com/cloudillo/cloudillo/tenant"
)

var log = logging.WithComponent("rtdb")

// InstanceKey identifies one logical database within the shared bbolt
// file: tenant plus an application-chosen db_id (e.g. "posts", "app").
type InstanceKey struct {
	TnID tenant.TnId
	DbID string
}

func (k InstanceKey) prefix() string {
	return strconv.FormatInt(int64(k.TnID), 10) + "/" + k.DbID + "/"
}

// buildKey returns the shared-file key for a path within this instance,
// spec §4.G "shared file (keys are <tn_id>/<db_id>/<path>)".
func (k InstanceKey) buildKey(path string) string {
	return k.prefix() + path
}

const broadcastBuffer = 256

// subscriber is one Subscribe() caller's live-event channel.
type subscriber struct {
	ch chan ChangeEvent
}

// DatabaseInstance holds the in-memory state for one (tn_id, db_id):
// which fields are indexed, who is subscribed, who holds locks, and
// when it was last touched (for LRU eviction). Document storage itself
// lives in the Engine's shared bbolt file; the instance only tracks
// the metadata not worth round-tripping through disk on every access.
type DatabaseInstance struct {
	key InstanceKey

	lastAccess atomic.Int64 // unix nanos

	mu            sync.RWMutex
	indexedFields map[string]map[string]bool // collection -> field -> true

	subMu       sync.Mutex
	subscribers map[*subscriber]struct{}

	lockMu sync.Mutex
	locks  map[string]LockInfo // path -> lock
}

func newDatabaseInstance(key InstanceKey) *DatabaseInstance {
	inst := &DatabaseInstance{
		key:           key,
		indexedFields: make(map[string]map[string]bool),
		subscribers:   make(map[*subscriber]struct{}),
		locks:         make(map[string]LockInfo),
	}
	inst.touch()
	return inst
}

func (i *DatabaseInstance) touch() {
	i.lastAccess.Store(time.Now().UnixNano())
}

func (i *DatabaseInstance) lastAccessed() time.Time {
	return time.Unix(0, i.lastAccess.Load())
}

func (i *DatabaseInstance) indexedFieldsFor(collection string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	fields := i.indexedFields[collection]
	out := make([]string, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	return out
}

func (i *DatabaseInstance) registerIndexedField(collection, field string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.indexedFields[collection] == nil {
		i.indexedFields[collection] = make(map[string]bool)
	}
	i.indexedFields[collection][field] = true
}

func (i *DatabaseInstance) hasIndex(collection, field string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.indexedFields[collection][field]
}

// subscribe registers a new live-event listener and returns its channel
// plus a teardown func.
func (i *DatabaseInstance) subscribe() (*subscriber, func()) {
	s := &subscriber{ch: make(chan ChangeEvent, broadcastBuffer)}
	i.subMu.Lock()
	i.subscribers[s] = struct{}{}
	i.subMu.Unlock()
	return s, func() {
		i.subMu.Lock()
		delete(i.subscribers, s)
		i.subMu.Unlock()
		close(s.ch)
	}
}

// publish fans an event out to every live subscriber. A subscriber
// whose channel is full is lagging; the event is dropped for it and
// logged rather than blocking every other subscriber on one slow
// reader (mirrors tokio::sync::broadcast's Lagged handling).
func (i *DatabaseInstance) publish(event ChangeEvent) {
	i.subMu.Lock()
	defer i.subMu.Unlock()
	for s := range i.subscribers {
		select {
		case s.ch <- event:
		default:
			log.WithField("db_id", i.key.DbID).Warn("subscriber lagging, dropping change event")
		}
	}
}
