package bus

import "sync"

// Channel is a named pub/sub topic (e.g. "presence", "typing:<path>").
// Subscribers are try-sent to; a lagging subscriber is skipped rather
// than blocking the publisher, per spec §4.C.
type Channel struct {
	mu   sync.RWMutex
	name string
	subs map[string]Sender // connID -> Sender
}

func newChannel(name string) *Channel {
	return &Channel{name: name, subs: make(map[string]Sender)}
}

func (c *Channel) subscribe(connID string, s Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[connID] = s
}

func (c *Channel) unsubscribe(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, connID)
}

func (c *Channel) empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0
}

func (c *Channel) publish(msg []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for connID, s := range c.subs {
		if !s.TrySend(msg) {
			log.WithField("conn_id", connID).WithField("channel", c.name).Warn("bus: dropped message to lagging channel subscriber")
		}
	}
}

// Subscribe registers a connection on a named channel, creating it if
// it doesn't exist yet.
func (b *Bus) Subscribe(channel, connID string, s Sender) {
	b.channelsMu.Lock()
	ch, ok := b.channels[channel]
	if !ok {
		ch = newChannel(channel)
		b.channels[channel] = ch
	}
	b.channelsMu.Unlock()
	ch.subscribe(connID, s)
}

// Unsubscribe removes a connection from a named channel.
func (b *Bus) Unsubscribe(channel, connID string) {
	b.channelsMu.Lock()
	ch, ok := b.channels[channel]
	b.channelsMu.Unlock()
	if !ok {
		return
	}
	ch.unsubscribe(connID)
}

// UnsubscribeAll removes a connection from every channel it's on, used
// when a WebSocket closes.
func (b *Bus) UnsubscribeAll(connID string) {
	b.channelsMu.Lock()
	channels := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.channelsMu.Unlock()
	for _, ch := range channels {
		ch.unsubscribe(connID)
	}
}

// Broadcast fans a raw payload out to every subscriber of a channel.
func (b *Bus) Broadcast(channel string, msg []byte) {
	b.channelsMu.Lock()
	ch, ok := b.channels[channel]
	b.channelsMu.Unlock()
	if !ok {
		return
	}
	ch.publish(msg)
}

// CleanupEmptyChannels drops channels with no subscribers. Intended to
// run from the heartbeat loop alongside the 30s ping (spec §4.C).
func (b *Bus) CleanupEmptyChannels() int {
	b.channelsMu.Lock()
	defer b.channelsMu.Unlock()
	removed := 0
	for name, ch := range b.channels {
		if ch.empty() {
			delete(b.channels, name)
			removed++
		}
	}
	return removed
}
