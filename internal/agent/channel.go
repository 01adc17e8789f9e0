// ABOUTME: Owns the single agent connection and the table of pending request mailboxes.
// ABOUTME: Routes inbound frames by request id and fails requests when the agent goes away.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/arena-bridge/internal/metrics"
)

// ErrNoAgent indicates no agent is attached to the control channel.
var ErrNoAgent = errors.New("no agent connected")

// ErrAgentDisconnected indicates the agent went away while a request was pending.
var ErrAgentDisconnected = errors.New("agent disconnected")

// ErrTimeout indicates the agent produced nothing within the response timeout.
var ErrTimeout = errors.New("timed out")

// Command names understood by the agent.
const (
	CommandRefresh        = "refresh"
	CommandReconnect      = "reconnect"
	CommandStartIDCapture = "activate_id_capture"
	CommandSendPageSource = "send_page_source"
)

// envelope is the outbound message carrying a request to the agent.
type envelope struct {
	RequestID string `json:"request_id"`
	Payload   any    `json:"payload"`
}

type command struct {
	Command string `json:"command"`
}

// ConnectionInfo describes the attached agent for status reporting.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// ChannelParams groups the inputs for NewChannel.
type ChannelParams struct {
	MailboxSize int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Channel is the control channel to the agent. At most one Connection is
// live at a time; attaching a new one replaces and closes the old.
type Channel struct {
	current *Connection
	pending map[string]*Mailbox
	mu      sync.RWMutex

	mailboxSize  int
	lastActivity atomic.Int64
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewChannel creates an empty Channel.
func NewChannel(p ChannelParams) *Channel {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		pending:     make(map[string]*Mailbox),
		mailboxSize: p.MailboxSize,
		metrics:     p.Metrics,
		logger:      logger,
	}
}

// Attach makes conn the live agent connection. Any previous connection is
// closed; requests already sent over it fail once its read loop ends.
func (c *Channel) Attach(conn *Connection) {
	c.mu.Lock()
	old := c.current
	c.current = conn
	c.mu.Unlock()

	if old != nil {
		c.logger.Warn("replacing agent connection",
			"old_connection_id", old.ID,
			"new_connection_id", conn.ID,
		)
		if err := old.Close(websocket.StatusPolicyViolation, "replaced by new agent connection"); err != nil {
			c.logger.Debug("closing replaced connection", "error", err)
		}
	}

	c.touch()
	c.metrics.AgentAttached()
	c.logger.Info("=== AGENT CONNECTED ===",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
	)
}

// Detach is called when conn's read loop ends. It clears the live connection
// only if conn is still current, and fails every request that was sent over conn.
func (c *Channel) Detach(conn *Connection) {
	c.mu.Lock()
	wasCurrent := c.current == conn
	if wasCurrent {
		c.current = nil
	}
	var orphaned []*Mailbox
	for _, mb := range c.pending {
		if mb.owner == conn {
			orphaned = append(orphaned, mb)
		}
	}
	c.mu.Unlock()

	for _, mb := range orphaned {
		mb.Fail(ErrAgentDisconnected)
	}

	if wasCurrent {
		c.metrics.AgentDetached()
	}
	c.logger.Info("=== AGENT DISCONNECTED ===",
		"connection_id", conn.ID,
		"was_current", wasCurrent,
		"failed_requests", len(orphaned),
	)
}

// Connected reports whether an agent is attached.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil
}

// Info describes the live connection, if any.
func (c *Channel) Info() (ConnectionInfo, bool) {
	c.mu.RLock()
	conn := c.current
	c.mu.RUnlock()

	if conn == nil {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		ID:          conn.ID,
		RemoteAddr:  conn.RemoteAddr,
		ConnectedAt: conn.ConnectedAt,
		LastSeen:    conn.LastSeen(),
	}, true
}

// LastActivity returns the time of the last attach, send or inbound frame.
func (c *Channel) LastActivity() time.Time {
	n := c.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Pending returns the number of registered mailboxes.
func (c *Channel) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Register creates the mailbox for a new request id.
func (c *Channel) Register(id string) *Mailbox {
	mb := newMailbox(id, c.mailboxSize, nil)

	c.mu.Lock()
	c.pending[id] = mb
	c.mu.Unlock()
	return mb
}

// Unregister removes and closes the mailbox for id. It reports whether one was registered.
func (c *Channel) Unregister(id string) bool {
	c.mu.Lock()
	mb, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		mb.Close()
	}
	return ok
}

// Send delivers a request payload to the agent tagged with id. The request's
// mailbox, if registered, is bound to the connection it was sent over.
func (c *Channel) Send(ctx context.Context, id string, payload any) error {
	c.mu.Lock()
	conn := c.current
	if mb, ok := c.pending[id]; ok {
		mb.owner = conn
	}
	c.mu.Unlock()

	if conn == nil {
		return ErrNoAgent
	}
	if err := conn.Send(ctx, envelope{RequestID: id, Payload: payload}); err != nil {
		return err
	}
	c.touch()
	return nil
}

// SendCommand delivers a control command to the agent.
func (c *Channel) SendCommand(ctx context.Context, name string) error {
	c.mu.RLock()
	conn := c.current
	c.mu.RUnlock()

	if conn == nil {
		return ErrNoAgent
	}
	if err := conn.Send(ctx, command{Command: name}); err != nil {
		return err
	}
	c.logger.Info("sent command to agent", "command", name)
	return nil
}

// Dispatch routes an inbound frame to its request's mailbox. Frames for
// unknown or released requests are dropped.
func (c *Channel) Dispatch(f Frame) {
	c.touch()

	c.mu.RLock()
	mb, ok := c.pending[f.RequestID]
	c.mu.RUnlock()

	if !ok {
		c.metrics.FrameDropped()
		c.logger.Debug("dropping frame for unknown request", "request_id", f.RequestID)
		return
	}

	switch err := mb.Deliver(f); {
	case err == nil:
		c.metrics.FrameDispatched()
	case errors.Is(err, ErrMailboxFull):
		c.metrics.MailboxOverflow()
		c.logger.Warn("response mailbox full, failing request", "request_id", f.RequestID)
	default:
		c.metrics.FrameDropped()
	}
}

// BroadcastFailure fails every pending request with err.
func (c *Channel) BroadcastFailure(err error) {
	c.mu.RLock()
	boxes := make([]*Mailbox, 0, len(c.pending))
	for _, mb := range c.pending {
		boxes = append(boxes, mb)
	}
	c.mu.RUnlock()

	for _, mb := range boxes {
		mb.Fail(err)
	}
	if len(boxes) > 0 {
		c.logger.Warn("failed all pending requests", "count", len(boxes), "error", err)
	}
}

// Shutdown closes the live connection and fails everything still pending.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	conn := c.current
	c.current = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "bridge shutting down")
		c.metrics.AgentDetached()
	}
	c.BroadcastFailure(ErrAgentDisconnected)
}

func (c *Channel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}
