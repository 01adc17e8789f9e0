// ABOUTME: Minimal fake browser agent for E2E testing: connects over WebSocket and echoes prompts.
// ABOUTME: Usage: fake-agent [-bridge http://127.0.0.1:5102] [-capture http://127.0.0.1:5103] [-delay 50ms]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// message is anything the bridge sends: a request envelope or a command.
type message struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
	Command   string          `json:"command"`
}

type payload struct {
	MessageTemplates []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message_templates"`
	TargetModelID  *string `json:"target_model_id"`
	IsImageRequest bool    `json:"is_image_request"`
}

type frame struct {
	RequestID string `json:"request_id"`
	Data      any    `json:"data"`
}

// fakePage mimics the serialized model state embedded in the arena page.
const fakePage = `<html><script>self.__next_f.push([1,"{\"initialModels\":[` +
	`{\"id\":\"00000000-0000-4000-8000-000000000001\",\"publicName\":\"echo-1\",\"organization\":\"fake\"},` +
	`{\"id\":\"00000000-0000-4000-8000-000000000002\",\"publicName\":\"echo-image\",\"organization\":\"fake\"}` +
	`]}"])</script></html>`

func main() {
	bridge := flag.String("bridge", "http://127.0.0.1:5102", "Bridge HTTP base URL")
	capture := flag.String("capture", "http://127.0.0.1:5103", "ID capture base URL")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay between streamed fragments")
	flag.Parse()

	if err := run(*bridge, *capture, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(bridge, capture string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(bridge, "/"), "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.CloseNow()
	fmt.Fprintf(os.Stderr, "connected to %s\n", wsURL)

	for {
		var msg message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil // graceful shutdown
			}
			if websocket.CloseStatus(err) != -1 {
				log.Printf("bridge closed the connection: %v", err)
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		if msg.Command != "" {
			handleCommand(ctx, msg.Command, bridge, capture)
			continue
		}

		var p payload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Printf("bad payload [%s]: %v", msg.RequestID, err)
			sendFrame(ctx, conn, msg.RequestID, map[string]string{"error": "unreadable payload"})
			continue
		}

		prompt := lastUserText(p)
		log.Printf("received request [%s]: %q", msg.RequestID, prompt)

		// Each request streams independently, like concurrent browser fetches.
		go respond(ctx, conn, msg.RequestID, prompt, p.IsImageRequest, delay)
	}
}

func respond(ctx context.Context, conn *websocket.Conn, requestID, prompt string, image bool, delay time.Duration) {
	if image {
		img := fmt.Sprintf(`a2:[{"type":"image","image":"https://example.invalid/%s.png"}]`, uuid.NewString())
		sendFrame(ctx, conn, requestID, img)
	} else {
		for _, part := range fragments(echoReply(prompt)) {
			text, _ := json.Marshal(part)
			if !sendFrame(ctx, conn, requestID, "a0:"+string(text)) {
				return
			}
			time.Sleep(delay)
		}
	}
	sendFrame(ctx, conn, requestID, `ad:{"finishReason":"stop"}`)
	sendFrame(ctx, conn, requestID, "[DONE]")
}

func sendFrame(ctx context.Context, conn *websocket.Conn, requestID string, data any) bool {
	if err := wsjson.Write(ctx, conn, frame{RequestID: requestID, Data: data}); err != nil {
		log.Printf("send error [%s]: %v", requestID, err)
		return false
	}
	return true
}

func handleCommand(ctx context.Context, name, bridge, capture string) {
	log.Printf("received command: %s", name)
	switch name {
	case "send_page_source":
		post(ctx, strings.TrimSuffix(bridge, "/")+"/internal/update_available_models", "text/html", fakePage)
	case "activate_id_capture":
		ids, _ := json.Marshal(map[string]string{
			"sessionId": uuid.NewString(),
			"messageId": uuid.NewString(),
		})
		post(ctx, strings.TrimSuffix(capture, "/")+"/update", "application/json", string(ids))
	case "refresh", "reconnect":
		// Nothing to reload in the fake.
	default:
		log.Printf("unknown command: %s", name)
	}
}

func post(ctx context.Context, url, contentType, body string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		log.Printf("post %s: %v", url, err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("post %s: %v", url, err)
		return
	}
	resp.Body.Close()
	log.Printf("post %s: %s", url, resp.Status)
}

func lastUserText(p payload) string {
	for i := len(p.MessageTemplates) - 1; i >= 0; i-- {
		m := p.MessageTemplates[i]
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

// fragments splits s into word-sized pieces, keeping the separators.
func fragments(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s[1:], ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	switch {
	case input == "":
		return "Echo: (empty prompt)"
	case strings.Contains(lower, "markdown") || strings.Contains(lower, "list"):
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	default:
		return fmt.Sprintf("Echo: **%s**", input)
	}
}
