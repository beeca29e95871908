// Package bus implements the two coexisting broadcast abstractions from
// spec §4.C: per-user fanout (for direct notifications) and named
// channel pub/sub (for presence/typing), plus the WebSocket protocol
// that rides on top of the channel bus at /ws/bus. The connection
// plumbing (read/write pumps, heartbeat, try-send on slow receivers) is
// grounded on the teacher's coordinator package, generalized from a
// single outbound client connection to many inbound server connections.
package bus

import (
	"sync"
	"time"

	"github.com/cloudillo/cloudillo/logging"
	"github.com/cloudillo/cloudillo/tenant"
)

var log = logging.WithComponent("bus")

// Sender is anything that can receive an outbound message, satisfied by
// *Connection in normal operation and by a fake in tests.
type Sender interface {
	TrySend(msg []byte) bool
	ConnID() string
}

type userConn struct {
	connID      string
	connectedAt time.Time
	sender      Sender
}

// SendResult reports the outcome of a send_to_user call.
type SendResult int

const (
	Delivered SendResult = iota
	UserOffline
)

// Bus is the process-wide registry of online connections. It owns both
// the per-user map and the named channel map described in spec §4.C.
type Bus struct {
	mu    sync.RWMutex
	users map[tenant.TnId]map[string][]userConn

	channels   map[string]*Channel
	channelsMu sync.Mutex
}

func New() *Bus {
	return &Bus{
		users:    make(map[tenant.TnId]map[string][]userConn),
		channels: make(map[string]*Channel),
	}
}

// RegisterUser adds a connection for (tn_id, id_tag). Multiple
// concurrent connections for the same user are allowed (multiple
// browser tabs); each gets its own connID.
func (b *Bus) RegisterUser(tnID tenant.TnId, idTag, connID string, sender Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.users[tnID] == nil {
		b.users[tnID] = make(map[string][]userConn)
	}
	b.users[tnID][idTag] = append(b.users[tnID][idTag], userConn{
		connID:      connID,
		connectedAt: time.Now(),
		sender:      sender,
	})
}

// UnregisterUser removes a single connection. The user stays "online"
// as long as any other connection remains.
func (b *Bus) UnregisterUser(tnID tenant.TnId, idTag, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.users[tnID][idTag]
	out := conns[:0]
	for _, c := range conns {
		if c.connID != connID {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(b.users[tnID], idTag)
		if len(b.users[tnID]) == 0 {
			delete(b.users, tnID)
		}
		return
	}
	b.users[tnID][idTag] = out
}

// SendToUser fans a message out to every live connection for one user.
// Slow/lagging receivers are skipped via TrySend, never blocked on.
func (b *Bus) SendToUser(tnID tenant.TnId, idTag string, msg []byte) SendResult {
	b.mu.RLock()
	conns := append([]userConn(nil), b.users[tnID][idTag]...)
	b.mu.RUnlock()

	if len(conns) == 0 {
		return UserOffline
	}
	delivered := 0
	for _, c := range conns {
		if c.sender.TrySend(msg) {
			delivered++
		} else {
			log.WithField("conn_id", c.connID).Warn("bus: dropped message to lagging user connection")
		}
	}
	if delivered == 0 {
		return UserOffline
	}
	return Delivered
}

// SendToTenant fans a message out to every user connected under tnID.
func (b *Bus) SendToTenant(tnID tenant.TnId, msg []byte) int {
	b.mu.RLock()
	users := b.users[tnID]
	idTags := make([]string, 0, len(users))
	for idTag := range users {
		idTags = append(idTags, idTag)
	}
	b.mu.RUnlock()

	n := 0
	for _, idTag := range idTags {
		if b.SendToUser(tnID, idTag, msg) == Delivered {
			n++
		}
	}
	return n
}

// IsUserOnline reports whether id_tag has at least one live connection.
func (b *Bus) IsUserOnline(tnID tenant.TnId, idTag string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[tnID][idTag]) > 0
}

// OnlineUsers lists id_tags with at least one live connection for tnID.
func (b *Bus) OnlineUsers(tnID tenant.TnId) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.users[tnID]))
	for idTag, conns := range b.users[tnID] {
		if len(conns) > 0 {
			out = append(out, idTag)
		}
	}
	return out
}

// Stats is a point-in-time snapshot for diagnostics/metrics endpoints.
type Stats struct {
	Tenants     int
	OnlineUsers int
	Connections int
	Channels    int
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	var users, conns int
	for _, idTags := range b.users {
		for _, c := range idTags {
			if len(c) > 0 {
				users++
			}
			conns += len(c)
		}
	}
	tenants := len(b.users)
	b.mu.RUnlock()

	b.channelsMu.Lock()
	channels := len(b.channels)
	b.channelsMu.Unlock()

	return Stats{Tenants: tenants, OnlineUsers: users, Connections: conns, Channels: channels}
}
