package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudillo/cloudillo/tenant"
)

// ClientMessage is the envelope clients send over /ws/bus: {id, cmd, data}.
type ClientMessage struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerAck is the server's reply to a client command.
type ServerAck struct {
	ID   string    `json:"id"`
	Cmd  string    `json:"cmd"` // always "ack"
	Data AckStatus `json:"data"`
}

type AckStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BroadcastEnvelope wraps an incoming channel broadcast for delivery to
// a bus subscriber.
type BroadcastEnvelope struct {
	Cmd  string           `json:"cmd"` // "broadcast"
	Data BroadcastPayload `json:"data"`
}

type BroadcastPayload struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type subscribeData struct {
	Channels []string `json:"channels"`
}

type presenceData struct {
	Status string `json:"status"`
	Idle   bool   `json:"idle"`
}

type typingData struct {
	Path   string `json:"path"`
	Active bool   `json:"active"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// Connection is one live WebSocket on /ws/bus, owned by a single
// (tn_id, id_tag). The read/write pump split and try-send discipline
// mirror the teacher's coordinator readLoop/senderLoop/pingLoop, here
// serving many inbound connections instead of one outbound client.
type Connection struct {
	id     string
	tnID   tenant.TnId
	idTag  string
	conn   *websocket.Conn
	bus    *Bus
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func NewConnection(id string, tnID tenant.TnId, idTag string, wsConn *websocket.Conn, b *Bus) *Connection {
	return &Connection{
		id:     id,
		tnID:   tnID,
		idTag:  idTag,
		conn:   wsConn,
		bus:    b,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *Connection) ConnID() string { return c.id }

// TrySend is non-blocking: a full buffer means a lagging receiver, and
// the message is dropped rather than stalling the sender.
func (c *Connection) TrySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.bus.UnregisterUser(c.tnID, c.idTag, c.id)
		c.bus.UnsubscribeAll(c.id)
		c.conn.Close()
	})
}

// Serve runs the connection's read and write pumps until the socket
// closes. It blocks; callers run it in its own goroutine per accepted
// connection. onClose lets the caller release RTDB locks etc. held by
// this connection (spec §4.G.5: release_all_locks on drop).
func (c *Connection) Serve(onClose func()) {
	c.bus.RegisterUser(c.tnID, c.idTag, c.id, c)
	defer func() {
		c.close()
		if onClose != nil {
			onClose()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	<-done
}

func (c *Connection) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("bus: malformed client message")
			continue
		}
		c.handleCommand(msg)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleCommand(msg ClientMessage) {
	var err error
	switch msg.Cmd {
	case "subscribe":
		var d subscribeData
		if e := json.Unmarshal(msg.Data, &d); e != nil {
			err = e
			break
		}
		for _, ch := range d.Channels {
			c.bus.Subscribe(ch, c.id, c)
		}
	case "unsubscribe":
		var d subscribeData
		if e := json.Unmarshal(msg.Data, &d); e != nil {
			err = e
			break
		}
		for _, ch := range d.Channels {
			c.bus.Unsubscribe(ch, c.id)
		}
	case "setPresence":
		var d presenceData
		if e := json.Unmarshal(msg.Data, &d); e != nil {
			err = e
			break
		}
		c.broadcastPresence(d)
	case "sendTyping":
		var d typingData
		if e := json.Unmarshal(msg.Data, &d); e != nil {
			err = e
			break
		}
		c.broadcastTyping(d)
	default:
		err = errUnknownCommand
	}
	c.ack(msg.ID, err)
}

var errUnknownCommand = jsonErr("unknown command")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

func (c *Connection) ack(id string, err error) {
	status := AckStatus{Status: "ok"}
	if err != nil {
		status = AckStatus{Status: "error", Error: err.Error()}
	}
	payload, _ := json.Marshal(ServerAck{ID: id, Cmd: "ack", Data: status})
	c.TrySend(payload)
}

func (c *Connection) broadcastPresence(d presenceData) {
	data, _ := json.Marshal(d)
	c.publish("presence", data)
}

func (c *Connection) broadcastTyping(d typingData) {
	data, _ := json.Marshal(d)
	c.publish("typing:"+d.Path, data)
}

func (c *Connection) publish(channel string, data json.RawMessage) {
	env := BroadcastEnvelope{
		Cmd: "broadcast",
		Data: BroadcastPayload{
			Channel:   channel,
			Data:      data,
			Sender:    c.idTag,
			Timestamp: time.Now(),
		},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.bus.Broadcast(channel, payload)
}

// RunHeartbeat periodically pings every connection (handled per-conn in
// writePump) and garbage-collects empty channels, per spec §4.C.
func (b *Bus) RunHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := b.CleanupEmptyChannels()
			if n > 0 {
				log.WithField("removed", n).Debug("bus: garbage collected empty channels")
			}
		}
	}
}
