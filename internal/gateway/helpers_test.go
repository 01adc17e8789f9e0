// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a gateway on httptest and attaches an in-process WebSocket agent

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/2389/arena-bridge/internal/config"
)

const (
	testSessionID = "session-0000-aaaa1111"
	testMessageID = "message-0000-bbbb2222"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testGatewayConfig returns a config with catalog files in a temp dir.
func testGatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.CaptureAddr = captureDisabled
	cfg.Database.Path = ":memory:"
	cfg.Session.SessionID = testSessionID
	cfg.Session.MessageID = testMessageID
	cfg.Agent.ResponseTimeout = 2 * time.Second
	cfg.Catalog.ModelsPath = filepath.Join(dir, "models.json")
	cfg.Catalog.EndpointsPath = filepath.Join(dir, "model_endpoint_map.json")
	cfg.Catalog.AvailablePath = filepath.Join(dir, "available_models.json")

	writeFile(t, cfg.Catalog.ModelsPath, `{
  // text and image models
  "gpt-test": "model-uuid-1",
  "painter": "image-uuid-2:image"
}`)
	writeFile(t, cfg.Catalog.EndpointsPath, `{
  "mapped": {
    "session_id": "mapped-session-1234",
    "message_id": "mapped-message-5678",
    "mode": "battle",
    "battle_target": "b"
  }
}`)
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTestGateway starts a gateway handler on an httptest server.
func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := testGatewayConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(config.NewHolder("", cfg), testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

// agentMessage is anything the bridge sends to the agent.
type agentMessage struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
	Command   string          `json:"command"`
}

// replyFunc returns the data values to send back for one request.
type replyFunc func(payload json.RawMessage) []any

// fakeAgent is an in-process browser agent speaking the bridge protocol.
type fakeAgent struct {
	conn  *websocket.Conn
	reply replyFunc

	mu       sync.Mutex
	payloads []json.RawMessage
	commands []string
}

// dialAgent connects a fake agent and waits until the gateway sees it.
func dialAgent(t *testing.T, gw *Gateway, srv *httptest.Server, reply replyFunc) *fakeAgent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	conn.SetReadLimit(wsReadLimit)

	a := &fakeAgent{conn: conn, reply: reply}
	go a.serve(ctx)
	t.Cleanup(func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	require.Eventually(t, gw.channel.Connected, 2*time.Second, 10*time.Millisecond)
	return a
}

func (a *fakeAgent) serve(ctx context.Context) {
	for {
		var msg agentMessage
		if err := wsjson.Read(ctx, a.conn, &msg); err != nil {
			return
		}

		a.mu.Lock()
		if msg.Command != "" {
			a.commands = append(a.commands, msg.Command)
		} else {
			a.payloads = append(a.payloads, msg.Payload)
		}
		a.mu.Unlock()

		if msg.Command != "" || a.reply == nil {
			continue
		}
		for _, data := range a.reply(msg.Payload) {
			frame := map[string]any{"request_id": msg.RequestID, "data": data}
			if err := wsjson.Write(ctx, a.conn, frame); err != nil {
				return
			}
		}
	}
}

func (a *fakeAgent) lastPayload(t *testing.T) map[string]any {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.payloads, "agent received no request")

	var p map[string]any
	require.NoError(t, json.Unmarshal(a.payloads[len(a.payloads)-1], &p))
	return p
}

func (a *fakeAgent) receivedCommands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

// replyText answers every request with text split into two fragments.
func replyText(first, second string) replyFunc {
	return func(json.RawMessage) []any {
		return []any{
			`a0:` + quote(first),
			`a0:` + quote(second),
			`ad:{"finishReason":"stop"}`,
			"[DONE]",
		}
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// sseEvents reads a streaming response and returns each data payload.
func sseEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}
	require.NoError(t, sc.Err())
	return events
}
