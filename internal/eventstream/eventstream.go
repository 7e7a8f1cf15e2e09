// Package eventstream implements the broker's websocket event stream
// protocol (§4.7/§6): on connect, one snapshot frame; thereafter one
// event frame per line, each carrying a per-subscriber monotonic seq
// that starts at 1 on every connection, so events dropped within one
// connection show up as skipped seq values and a gap_since marker.
// There is no resume across reconnects; consumers are expected to be
// idempotent on (kind, entity_id, seq). Grounded on the teacher's websocket
// connection (bounded send channel, ping/pong keepalive, read/write
// loop goroutines), stripped of its JSON-RPC request/response layer —
// this stream is one-directional server push, not an RPC transport.
package eventstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claude-slack/broker/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Frame is one line of the event stream: either a snapshot (Kind
// "snapshot") or a bus event projected onto the wire shape named in
// §4.7 ("{seq, kind, entity_type, entity_id, channel_id?, payload,
// timestamp}").
type Frame struct {
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	GapSince   uint64    `json:"gap_since,omitempty"`
}

// SnapshotProvider builds the initial state frame for a newly
// connected subscriber (visible channels, recent messages). The
// unified façade implements this once every subsystem it owns is
// wired.
type SnapshotProvider interface {
	Snapshot(agentID, projectHash string) (any, error)
}

// Conn wraps one websocket connection serving the event stream to a
// single (agent, optional project) subscriber.
type Conn struct {
	ws     *websocket.Conn
	sendCh chan Frame
	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, sendCh: make(chan Frame, sendBufferSize)}
}

// Send queues a frame for delivery. Returns an error if the
// connection's buffer is full or already closed; Serve ends the stream
// on the first such error, and a client that reconnects starts again
// from a fresh snapshot frame.
func (c *Conn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("eventstream: connection closed")
	}
	select {
	case c.sendCh <- f:
		return nil
	default:
		return fmt.Errorf("eventstream: send buffer full")
	}
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.sendCh)
	return c.ws.Close()
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Serve upgrades an HTTP request to a websocket, subscribes to bus,
// writes a snapshot frame, then relays bus events to the client until a
// send fails (the connection is closed or its send buffer is full).
// Serve takes no resume position: seq is assigned per subscriber at
// delivery time and no replay log is kept, so every connection starts
// at seq 1 after its snapshot. Every bus event is relayed whatever its
// channel; events are not filtered by agentID's channel membership.
func Serve(w http.ResponseWriter, r *http.Request, bus *eventbus.Bus, snapshots SnapshotProvider, agentID, projectHash string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("eventstream: upgrade: %w", err)
	}
	conn := newConn(ws)
	defer func() { _ = conn.Close() }()

	go conn.readLoop()

	sub, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	snapshot, err := snapshots.Snapshot(agentID, projectHash)
	if err != nil {
		return fmt.Errorf("eventstream: snapshot: %w", err)
	}
	if err := conn.Send(Frame{Kind: "snapshot", Payload: snapshot, Timestamp: time.Now().UTC()}); err != nil {
		return fmt.Errorf("eventstream: send snapshot: %w", err)
	}

	go conn.writeLoop()

	for ev := range sub.Events() {
		frame := Frame{
			Seq:        ev.Seq,
			Kind:       ev.Kind,
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			ChannelID:  ev.ChannelID,
			Payload:    ev.Payload,
			Timestamp:  ev.Timestamp,
			GapSince:   ev.GapSince,
		}
		if err := conn.Send(frame); err != nil {
			return nil
		}
	}
	return nil
}
