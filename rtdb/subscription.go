package rtdb

import (
	"strings"

	"github.com/cloudillo/cloudillo/tenant"
)

// Subscribe returns a channel that first replays every existing document
// under opts.Path matching opts.Filter as synthetic Create events, then
// a Ready marker, then live filtered events as they happen (spec
// §4.G.4, invariant 9). The returned cancel func must be called to stop
// the subscription and release its channel.
//
// The live feed is registered before the initial scan runs, so a write
// landing between the two can appear twice (once in the replay, once
// live) rather than not at all,
// which mirrors the original adapter's own documented tradeoff of
// favoring at-least-once delivery over exactly-once.
func (e *Engine) Subscribe(tnID tenant.TnId, dbID string, opts SubscriptionOptions) (<-chan ChangeEvent, func(), error) {
	inst := e.instance(InstanceKey{TnID: tnID, DbID: dbID})
	collection := strings.TrimSuffix(opts.Path, "/")

	sub, cancel := inst.subscribe()
	existing, err := e.Query(tnID, dbID, collection, QueryOptions{Filter: opts.Filter})
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan ChangeEvent, broadcastBuffer)

	go func() {
		defer close(out)
		for _, doc := range existing {
			id, _ := doc["id"].(string)
			out <- ChangeEvent{Kind: EventCreate, Path: collection + "/" + id, Data: doc}
		}
		out <- ChangeEvent{Kind: EventReady}

		for ev := range sub.ch {
			if !eventInScope(ev, collection) {
				continue
			}
			if (ev.Kind == EventCreate || ev.Kind == EventUpdate) && opts.Filter != nil && !matchesFilter(ev.Data, opts.Filter) {
				continue
			}
			out <- ev
		}
	}()

	return out, cancel, nil
}

func eventInScope(ev ChangeEvent, collection string) bool {
	idx := strings.LastIndex(ev.Path, "/")
	if idx < 0 {
		return false
	}
	return ev.Path[:idx] == collection
}
