// ABOUTME: Operational HTTP handlers: status, debug records, transcripts, and internal controls
// ABOUTME: Also serves the id capture endpoint that stores freshly captured conversation ids

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/arena-bridge/internal/agent"
	"github.com/2389/arena-bridge/internal/catalog"
	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/history"
	"github.com/2389/arena-bridge/internal/store"
)

// maxPageSource bounds the page HTML accepted for model extraction.
const maxPageSource = 32 << 20

const defaultTranscriptLimit = 50

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if an agent is attached.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	info, ok := g.channel.Info()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (agent %s)", info.ID)
}

// StatusResponse is the JSON body of GET /status.
type StatusResponse struct {
	Version        string                `json:"version"`
	WSConnected    bool                  `json:"ws_connected"`
	Agent          *agent.ConnectionInfo `json:"agent,omitempty"`
	Pending        int                   `json:"pending_requests"`
	Config         StatusConfig          `json:"config"`
	ModelCount     int                   `json:"model_count"`
	LastActivityAt *time.Time            `json:"last_activity_at"`
	Uptime         string                `json:"uptime"`
}

// StatusConfig is the config summary reported by /status. Ids are shown
// by suffix only.
type StatusConfig struct {
	SessionTail  string `json:"session_tail"`
	MessageTail  string `json:"message_tail"`
	Mode         string `json:"mode"`
	BattleTarget string `json:"battle_target"`
	Bypass       bool   `json:"bypass_enabled"`
	TavernMode   bool   `json:"tavern_mode_enabled"`
	AuthRequired bool   `json:"auth_required"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := g.config.Get()
	resp := StatusResponse{
		Version:     Version,
		WSConnected: g.channel.Connected(),
		Pending:     g.channel.Pending(),
		Config: StatusConfig{
			SessionTail:  tail(cfg.Session.SessionID),
			MessageTail:  tail(cfg.Session.MessageID),
			Mode:         cfg.Session.Mode,
			BattleTarget: cfg.Session.BattleTarget,
			Bypass:       cfg.Features.Bypass,
			TavernMode:   cfg.Features.TavernMode,
			AuthRequired: cfg.Auth.APIKey != "",
		},
		ModelCount: g.catalog.Count(),
		Uptime:     time.Since(g.startedAt).Round(time.Second).String(),
	}
	if info, ok := g.channel.Info(); ok {
		resp.Agent = &info
	}
	if last := g.channel.LastActivity(); !last.IsZero() {
		resp.LastActivityAt = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func tail(id string) string {
	return history.Tail(id, idTailLen)
}

// handleDebug returns the most recent request record.
func (g *Gateway) handleDebug(w http.ResponseWriter, r *http.Request) {
	rec, ok := g.history.Last()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleDebugHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.history.List())
}

func (g *Gateway) handleDebugReset(w http.ResponseWriter, r *http.Request) {
	g.history.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (g *Gateway) handleLastPayload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.history.LastPayload())
}

func (g *Gateway) handleLastResponse(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.history.LastResponse())
}

// handleListTranscripts returns transcript summaries, newest first.
func (g *Gateway) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := defaultTranscriptLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := g.store.ListTranscripts(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list transcripts", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []*store.TranscriptSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": list})
}

// handleGetTranscript renders one transcript as HTML, or as Markdown when
// ?format=md is given.
func (g *Gateway) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := g.store.GetTranscript(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "transcript not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load transcript", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, store.TranscriptMarkdown(t))
		return
	}

	body, err := store.RenderTranscript(t)
	if err != nil {
		g.logger.Error("failed to render transcript", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n%s</body></html>\n", html.EscapeString(t.ID), body)
}

// handleReload re-reads the config file and the catalog files.
func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := g.reload(r.Context()); err != nil {
		g.logger.Error("reload failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// reload swaps in a fresh config and catalog. Captured ids survive a reload.
func (g *Gateway) reload(ctx context.Context) error {
	if g.config.Path() != "" {
		if _, err := g.config.Reload(); err != nil {
			return fmt.Errorf("reloading config: %w", err)
		}
		g.restoreCapturedIDs(ctx)
	}

	g.catalog.SetPaths(catalogPaths(g.config.Get()))
	if err := g.catalog.Load(); err != nil {
		return fmt.Errorf("reloading catalog: %w", err)
	}
	g.logger.Info("configuration reloaded", "models", g.catalog.Count())
	return nil
}

// handleAgentCommand returns a handler that forwards a control command.
func (g *Gateway) handleAgentCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := g.channel.SendCommand(r.Context(), name)
		switch {
		case errors.Is(err, agent.ErrNoAgent):
			sendJSONError(w, http.StatusServiceUnavailable, "browser agent not connected")
		case err != nil:
			g.logger.Error("sending agent command failed", "command", name, "error", err)
			sendJSONError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		}
	}
}

// handleUpdateAvailableModels extracts model definitions from posted page HTML.
func (g *Gateway) handleUpdateAvailableModels(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPageSource))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "no HTML content received"})
		return
	}

	models := catalog.ExtractModels(string(body))
	if len(models) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "could not extract model data from HTML"})
		return
	}
	if err := g.catalog.SaveAvailable(models); err != nil {
		g.logger.Error("saving available models failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.logger.Info("available models updated", "count", len(models))
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "count": len(models)})
}

type generateRequest struct {
	Mode catalog.GenerateMode `json:"mode"`
}

// handleGenerateModels rebuilds the model map from the available models.
func (g *Gateway) handleGenerateModels(w http.ResponseWriter, r *http.Request) {
	req := generateRequest{Mode: catalog.GenerateMerge}
	if body, err := io.ReadAll(io.LimitReader(r.Body, 4096)); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	if req.Mode != catalog.GenerateReplace {
		req.Mode = catalog.GenerateMerge
	}

	count, err := g.catalog.Generate(req.Mode)
	switch {
	case errors.Is(err, catalog.ErrNoAvailableModels):
		sendJSONError(w, http.StatusBadRequest, "available models file is missing; fetch the model list first")
	case err != nil:
		g.logger.Error("generating models failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		g.logger.Info("models generated", "mode", req.Mode, "count", count)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": count})
	}
}

// captureRequest is posted by the agent after it captures fresh ids.
type captureRequest struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// handleCapture stores captured conversation ids as the new defaults.
func (g *Gateway) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.MessageID == "" {
		sendJSONError(w, http.StatusBadRequest, "sessionId and messageId are required")
		return
	}

	if err := g.storeCapturedIDs(r.Context(), req.SessionID, req.MessageID); err != nil {
		g.logger.Error("saving captured ids failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// storeCapturedIDs persists ids and publishes them to the live config.
func (g *Gateway) storeCapturedIDs(ctx context.Context, sessionID, messageID string) error {
	if err := g.store.SetSetting(ctx, store.SettingSessionID, sessionID); err != nil {
		return err
	}
	if err := g.store.SetSetting(ctx, store.SettingMessageID, messageID); err != nil {
		return err
	}
	g.config.Update(func(c *config.Config) {
		c.Session.SessionID = sessionID
		c.Session.MessageID = messageID
	})
	g.logger.Info("captured new session ids",
		"session_tail", tail(sessionID),
		"message_tail", tail(messageID),
	)
	return nil
}

// restoreCapturedIDs applies previously captured ids over the config file.
func (g *Gateway) restoreCapturedIDs(ctx context.Context) {
	sid, err := g.store.GetSetting(ctx, store.SettingSessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("reading captured session id failed", "error", err)
		}
		return
	}
	mid, err := g.store.GetSetting(ctx, store.SettingMessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("reading captured message id failed", "error", err)
		}
		return
	}
	g.config.Update(func(c *config.Config) {
		c.Session.SessionID = sid
		c.Session.MessageID = mid
	})
	g.logger.Debug("restored captured session ids", "session_tail", tail(sid))
}
