// ABOUTME: Submits requests to the agent and hands back a per-request event stream.
// ABOUTME: Each submission gets a fresh id, a mailbox, and a decoder.

package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/arena-bridge/internal/metrics"
)

// DefaultResponseTimeout bounds the wait for each frame from the agent.
const DefaultResponseTimeout = 360 * time.Second

// RouterParams groups the inputs for NewRouter.
type RouterParams struct {
	Channel *Channel
	Timeout time.Duration
	Sides   string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Router turns outbound payloads into streams of decoded events.
type Router struct {
	channel *Channel
	timeout time.Duration
	sides   string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRouter creates a Router bound to a Channel.
func NewRouter(p RouterParams) *Router {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	return &Router{
		channel: p.Channel,
		timeout: timeout,
		sides:   p.Sides,
		metrics: p.Metrics,
		logger:  logger,
	}
}

// SubmitRequest is one outbound request to the agent.
type SubmitRequest struct {
	Payload any
	// Timeout overrides the router's per-frame timeout when positive.
	Timeout time.Duration
}

// Submit sends req to the agent and returns the stream of its events. If the
// send fails the request is unregistered and no stream is returned.
func (r *Router) Submit(ctx context.Context, req SubmitRequest) (*Stream, error) {
	id := uuid.New().String()
	mb := r.channel.Register(id)

	if err := r.channel.Send(ctx, id, req.Payload); err != nil {
		r.channel.Unregister(id)
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	r.logger.Debug("request sent to agent",
		"request_id", id,
		"timeout", timeout,
	)
	return newStream(r, mb, timeout), nil
}
