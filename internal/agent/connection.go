// ABOUTME: Represents the connected browser agent and its WebSocket transport.
// ABOUTME: Serializes writes and decodes inbound request-tagged frames.

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Transport is the message-oriented link to an agent. Implementations need
// not be safe for concurrent writes; Connection serializes them.
type Transport interface {
	Read(ctx context.Context, v any) error
	Write(ctx context.Context, v any) error
	Close(code websocket.StatusCode, reason string) error
}

// wsTransport carries JSON messages over a coder/websocket connection.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted or dialed WebSocket.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context, v any) error {
	return wsjson.Read(ctx, t.conn, v)
}

func (t *wsTransport) Write(ctx context.Context, v any) error {
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

// ConnectionParams groups the inputs for NewConnection.
type ConnectionParams struct {
	ID         string
	RemoteAddr string
	Transport  Transport
	Logger     *slog.Logger
}

// Connection is a single attached agent.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	lastSeen  atomic.Int64
	logger    *slog.Logger
}

// NewConnection creates a Connection around an established transport.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		ID:          p.ID,
		RemoteAddr:  p.RemoteAddr,
		ConnectedAt: time.Now(),
		transport:   p.Transport,
		logger:      logger.With("connection_id", p.ID),
	}
	c.lastSeen.Store(c.ConnectedAt.UnixNano())
	return c
}

// Send writes one JSON message to the agent. Writes from concurrent
// requests are serialized on the shared socket.
func (c *Connection) Send(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Write(ctx, v)
}

// ReadLoop reads frames until the transport fails or ctx is cancelled,
// handing each well-formed frame to dispatch. It returns the read error.
func (c *Connection) ReadLoop(ctx context.Context, dispatch func(Frame)) error {
	for {
		var raw json.RawMessage
		if err := c.transport.Read(ctx, &raw); err != nil {
			return err
		}
		c.lastSeen.Store(time.Now().UnixNano())

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.RequestID == "" {
			c.logger.Warn("ignoring agent message without request_id",
				"size", len(raw),
			)
			continue
		}
		dispatch(f)
	}
}

// Close terminates the transport with the given status.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	return c.transport.Close(code, reason)
}

// LastSeen returns when the agent last sent anything.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
