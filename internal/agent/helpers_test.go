// ABOUTME: Shared test doubles for the agent package.
// ABOUTME: Provides an in-memory transport and frame helpers.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	mu       sync.Mutex
	written  []json.RawMessage
	writeErr error

	inbound   chan json.RawMessage
	closed    chan struct{}
	closeOnce sync.Once
	closeCode websocket.StatusCode
	closeMsg  string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan json.RawMessage, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context, v any) error {
	select {
	case raw, ok := <-f.inbound:
		if !ok {
			return io.EOF
		}
		return json.Unmarshal(raw, v)
	case <-f.closed:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.written = append(f.written, b)
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeMsg = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) messages() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]json.RawMessage, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func newTestConnection(id string) (*Connection, *fakeTransport) {
	tr := newFakeTransport()
	return NewConnection(ConnectionParams{ID: id, RemoteAddr: "127.0.0.1:1", Transport: tr, Logger: slog.Default()}), tr
}

// str encodes s as frame data carrying a text fragment.
func str(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return b
}
