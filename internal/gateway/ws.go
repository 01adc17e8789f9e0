// ABOUTME: WebSocket endpoint where the browser agent attaches to the bridge.
// ABOUTME: Accepts the socket, runs its read loop, and detaches it when the loop ends.

package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/arena-bridge/internal/agent"
)

// wsReadLimit bounds a single agent frame; page sources can be large.
const wsReadLimit = 32 << 20

// handleAgentSocket upgrades the request and serves the agent until it leaves.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	}
	if origins := g.config.Get().Server.AllowedOrigins; len(origins) > 0 {
		opts.OriginPatterns = origins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		g.logger.Warn("agent websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ac := agent.NewConnection(agent.ConnectionParams{
		ID:         uuid.New().String(),
		RemoteAddr: r.RemoteAddr,
		Transport:  agent.NewWebSocketTransport(conn),
		Logger:     g.logger.With("component", "agent-connection"),
	})
	g.channel.Attach(ac)
	defer g.channel.Detach(ac)

	err = ac.ReadLoop(r.Context(), g.channel.Dispatch)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		g.logger.Info("agent closed connection", "connection_id", ac.ID)
	case r.Context().Err() != nil:
		g.logger.Debug("agent read loop cancelled", "connection_id", ac.ID)
	default:
		g.logger.Warn("agent connection lost", "connection_id", ac.ID, "error", err)
	}
	_ = ac.Close(websocket.StatusNormalClosure, "")
}
