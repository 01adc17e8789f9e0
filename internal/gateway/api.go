// ABOUTME: OpenAI-compatible completion handlers that bridge callers to the browser agent.
// ABOUTME: Resolves the model's conversation, submits the payload, and records the exchange.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/arena-bridge/internal/adapter"
	"github.com/2389/arena-bridge/internal/agent"
	"github.com/2389/arena-bridge/internal/auth"
	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/history"
	"github.com/2389/arena-bridge/internal/metrics"
	"github.com/2389/arena-bridge/internal/store"
)

// maxRequestBody bounds caller request bodies; inline images make them large.
const maxRequestBody = 64 << 20

const (
	idTailLen     = 8
	promptSnippet = 120
)

// ErrNoSession is returned when a model has no usable conversation ids.
var ErrNoSession = errors.New("no session configured")

// route is the resolved upstream conversation for one request.
type route struct {
	SessionID    string
	MessageID    string
	Mode         adapter.Mode
	BattleTarget string
	Source       string // mapping or default
}

// resolveRoute picks the conversation ids for model: a mapped endpoint first,
// then the configured defaults when fallback is allowed.
func (g *Gateway) resolveRoute(cfg *config.Config, model string) (route, error) {
	rt := route{
		Mode:         adapter.Mode(cfg.Session.Mode),
		BattleTarget: cfg.Session.BattleTarget,
	}

	if ep, ok := g.catalog.Endpoint(model); ok {
		rt.SessionID, rt.MessageID, rt.Source = ep.SessionID, ep.MessageID, "mapping"
		if ep.Mode != "" {
			rt.Mode = adapter.Mode(ep.Mode)
		}
		if ep.BattleTarget != "" {
			rt.BattleTarget = ep.BattleTarget
		}
	} else {
		if !cfg.Session.FallbackToDefaults() {
			return rt, fmt.Errorf("%w: model %q has no endpoint mapping and default ids are disabled", ErrNoSession, model)
		}
		rt.SessionID, rt.MessageID, rt.Source = cfg.Session.SessionID, cfg.Session.MessageID, "default"
	}

	if !config.ValidID(rt.SessionID) || !config.ValidID(rt.MessageID) {
		return rt, fmt.Errorf("%w: session or message id is missing or a placeholder; configure them or run id capture", ErrNoSession)
	}
	return rt, nil
}

// handleCompletions serves the chat and completion entry points.
func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	cfg := g.config.Get()
	shape := adapter.ShapeForPath(r.URL.Path)

	rec := history.Record{
		RequestID: uuid.New().String(),
		Time:      started,
		Path:      r.URL.Path,
		Shape:     shape.String(),
	}

	if !g.channel.Connected() {
		g.writeRejection(w, &rec, http.StatusServiceUnavailable, agent.ErrNoAgent.Error()+": open the arena page with the bridge script enabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.writeRejection(w, &rec, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	req, err := adapter.ParseRequest(body, shape)
	if err != nil {
		g.writeRejection(w, &rec, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	model, _ := g.catalog.Model(req.Model)
	rec.Stream = req.Stream
	rec.MessageCount = len(req.Messages)
	rec.Model = history.ModelInfo{Name: req.Model, Image: model.Image, TargetID: model.ID}

	rt, err := g.resolveRoute(cfg, req.Model)
	rec.Session = history.SessionInfo{
		Source:      rt.Source,
		SessionTail: history.Tail(rt.SessionID, idTailLen),
		MessageTail: history.Tail(rt.MessageID, idTailLen),
		Mode:        string(rt.Mode),
	}
	if err != nil {
		g.writeRejection(w, &rec, http.StatusBadRequest, err.Error())
		return
	}

	payload := adapter.ToPayload(req, adapter.Options{
		TargetID:         model.ID,
		Image:            model.Image,
		SessionID:        rt.SessionID,
		MessageID:        rt.MessageID,
		Mode:             rt.Mode,
		BattleTarget:     rt.BattleTarget,
		DirectSystemSide: cfg.Session.DirectSystemSide,
		MergeSystem:      cfg.Features.TavernMode,
		TrailingProbe:    cfg.Features.Bypass,
	})
	g.history.SetPayload(payload)

	logger := g.logger.With(
		"request_id", rec.RequestID,
		"model", req.Model,
		"stream", req.Stream,
		"shape", shape.String(),
	)
	if c := auth.FromContext(r.Context()); c != nil {
		logger = logger.With("remote", c.RemoteAddr)
		if c.Authenticated {
			logger = logger.With("key", c.KeyHint)
		}
	}
	logger.Info("bridging request",
		"messages", len(req.Messages),
		"session_source", rt.Source,
		"mode", rt.Mode,
	)

	g.metrics.RequestStarted()
	responder := adapter.NewResponder(shape, req.Model)
	em := newEmitter(w, responder, logger)

	var res emitResult
	stream, err := g.router.Submit(r.Context(), agent.SubmitRequest{
		Payload: payload,
		Timeout: cfg.Agent.ResponseTimeout,
	})
	if err != nil {
		logger.Warn("sending to agent failed", "error", err)
		res = em.reject(err)
	} else {
		rec.RequestID = stream.ID()
		res = em.run(r.Context(), stream, req.Stream)
		stream.Close()
		stats := stream.Stats()
		rec.Stats = &stats
	}

	rec.Status = res.Status
	rec.FinalLength = len(res.Text)
	switch {
	case res.Err != nil:
		rec.Error = res.Err.Error()
	case res.ClientGone:
		rec.Error = "client_disconnected"
	}
	g.history.Add(rec)
	if res.Body != nil && res.Status == http.StatusOK {
		g.history.SetResponse(map[string]any{"response": res.Body})
	}

	g.metrics.RequestFinished(shape.String(), string(rt.Mode), outcomeFor(res), time.Since(started))
	logger.Info("request finished",
		"status", res.Status,
		"reason", res.Reason,
		"reply_len", len(res.Text),
		"client_gone", res.ClientGone,
		"duration", time.Since(started),
	)

	g.saveTranscript(r.Context(), req, body, res)
}

// writeRejection answers a request refused before any agent traffic.
func (g *Gateway) writeRejection(w http.ResponseWriter, rec *history.Record, status int, msg string) {
	rec.Status = status
	rec.Error = msg
	g.history.Add(*rec)
	g.logger.Warn("request rejected", "request_id", rec.RequestID, "status", status, "error", msg)
	typ := "invalid_request_error"
	if status == http.StatusServiceUnavailable {
		typ = "agent_unavailable"
	}
	writeAPIError(w, status, typ, msg)
}

// saveTranscript keeps exchanges that produced text. It outlives the
// caller's request context.
func (g *Gateway) saveTranscript(ctx context.Context, req *adapter.ChatRequest, body []byte, res emitResult) {
	if res.Text == "" {
		return
	}

	model := req.Model
	if model == "" {
		model = "unknown"
	}
	messages := json.RawMessage("[]")
	if raw, err := json.Marshal(req.Messages); err == nil {
		messages = raw
	}
	reply := res.Text
	if res.Err != nil && res.Status != http.StatusOK {
		reply = "[Error] " + adapter.Describe(res.Err)
	}

	t := &store.Transcript{
		ID:           uuid.New().String(),
		Model:        model,
		Prompt:       req.LastUserText(promptSnippet),
		Request:      messages,
		Reply:        reply,
		FinishReason: res.Reason,
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.store.SaveTranscript(saveCtx, t); err != nil {
		g.logger.Error("failed to save transcript", "error", err, "model", model, "body_size", len(body))
	}
}

func outcomeFor(res emitResult) string {
	switch {
	case res.ClientGone:
		return metrics.OutcomeDisconnect
	case errors.Is(res.Err, agent.ErrTimeout):
		return metrics.OutcomeTimeout
	case res.Err != nil:
		return metrics.OutcomeError
	default:
		return metrics.OutcomeSuccess
	}
}

// modelEntry is one item of the model listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists the catalog in OpenAI format.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models := g.catalog.Models()
	if len(models) == 0 {
		sendJSONError(w, http.StatusNotFound, "model list is empty or missing")
		return
	}

	now := time.Now().Unix()
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelEntry{ID: m.Name, Object: "model", Created: now, OwnedBy: "arena-bridge"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError writes an OpenAI-style error object.
func writeAPIError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message, "type": typ},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
