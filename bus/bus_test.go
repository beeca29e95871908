package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	id  string
	buf chan []byte
}

func newFakeSender(id string, capacity int) *fakeSender {
	return &fakeSender{id: id, buf: make(chan []byte, capacity)}
}

func (f *fakeSender) ConnID() string { return f.id }

func (f *fakeSender) TrySend(msg []byte) bool {
	select {
	case f.buf <- msg:
		return true
	default:
		return false
	}
}

func TestSendToUserFanoutMultipleTabs(t *testing.T) {
	b := New()
	tabA := newFakeSender("conn-a", 4)
	tabB := newFakeSender("conn-b", 4)
	b.RegisterUser(1, "alice.example.net", "conn-a", tabA)
	b.RegisterUser(1, "alice.example.net", "conn-b", tabB)

	result := b.SendToUser(1, "alice.example.net", []byte("hi"))
	assert.Equal(t, Delivered, result)
	assert.Len(t, tabA.buf, 1)
	assert.Len(t, tabB.buf, 1)
}

func TestSendToUserOfflineWhenNoConnections(t *testing.T) {
	b := New()
	result := b.SendToUser(1, "nobody.example.net", []byte("hi"))
	assert.Equal(t, UserOffline, result)
}

func TestUnregisterUserDropsOnlyThatConnection(t *testing.T) {
	b := New()
	s1 := newFakeSender("conn-1", 4)
	s2 := newFakeSender("conn-2", 4)
	b.RegisterUser(1, "bob.example.net", "conn-1", s1)
	b.RegisterUser(1, "bob.example.net", "conn-2", s2)

	b.UnregisterUser(1, "bob.example.net", "conn-1")
	require.True(t, b.IsUserOnline(1, "bob.example.net"))

	b.UnregisterUser(1, "bob.example.net", "conn-2")
	require.False(t, b.IsUserOnline(1, "bob.example.net"))
}

func TestChannelBroadcastAndCleanup(t *testing.T) {
	b := New()
	s1 := newFakeSender("conn-1", 4)
	s2 := newFakeSender("conn-2", 4)
	b.Subscribe("presence", "conn-1", s1)
	b.Subscribe("presence", "conn-2", s2)

	b.Broadcast("presence", []byte("ping"))
	assert.Len(t, s1.buf, 1)
	assert.Len(t, s2.buf, 1)

	b.Unsubscribe("presence", "conn-1")
	b.Unsubscribe("presence", "conn-2")
	removed := b.CleanupEmptyChannels()
	assert.Equal(t, 1, removed)
}

func TestChannelPublishSkipsLaggingSubscriber(t *testing.T) {
	b := New()
	slow := newFakeSender("conn-slow", 1)
	b.Subscribe("typing:doc1", "conn-slow", slow)

	b.Broadcast("typing:doc1", []byte("one"))
	b.Broadcast("typing:doc1", []byte("two")) // buffer full, should be dropped not blocked

	assert.Len(t, slow.buf, 1)
}

func TestUnsubscribeAllRemovesFromEveryChannel(t *testing.T) {
	b := New()
	s := newFakeSender("conn-x", 4)
	b.Subscribe("presence", "conn-x", s)
	b.Subscribe("typing:doc1", "conn-x", s)

	b.UnsubscribeAll("conn-x")

	b.Broadcast("presence", []byte("x"))
	b.Broadcast("typing:doc1", []byte("x"))
	assert.Len(t, s.buf, 0)
}

func TestStatsCountsOnlineUsersAndConnections(t *testing.T) {
	b := New()
	b.RegisterUser(1, "alice.example.net", "c1", newFakeSender("c1", 4))
	b.RegisterUser(1, "alice.example.net", "c2", newFakeSender("c2", 4))
	b.RegisterUser(1, "carol.example.net", "c3", newFakeSender("c3", 4))

	stats := b.Stats()
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 2, stats.OnlineUsers)
	assert.Equal(t, 3, stats.Connections)
}
