// ABOUTME: Tests for the request history used by the debug endpoints.
// ABOUTME: Validates ordering, TTL expiration, size eviction, cleanup, reset and concurrency safety.

package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/arena-bridge/internal/agent"
)

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.RequestID)
	}
	return out
}

func TestHistory_AddAndList(t *testing.T) {
	h := New(5*time.Minute, 30)
	defer h.Close()

	h.Add(Record{RequestID: "r1", Path: "/v1/chat/completions"})
	h.Add(Record{RequestID: "r2", Path: "/v1/completions"})

	records := h.List()
	assert.Equal(t, []string{"r1", "r2"}, ids(records))
	assert.False(t, records[0].Time.IsZero(), "Add should stamp the record")

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, "r2", last.RequestID)

	got, ok := h.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "/v1/chat/completions", got.Path)
}

func TestHistory_Empty(t *testing.T) {
	h := New(5*time.Minute, 30)
	defer h.Close()

	_, ok := h.Last()
	assert.False(t, ok)
	assert.Empty(t, h.List())
	assert.JSONEq(t, `{}`, string(h.LastPayload()))
	assert.JSONEq(t, `{}`, string(h.LastResponse()))
}

func TestHistory_ReplaceMovesToBack(t *testing.T) {
	h := New(5*time.Minute, 30)
	defer h.Close()

	h.Add(Record{RequestID: "r1"})
	h.Add(Record{RequestID: "r2"})
	h.Add(Record{RequestID: "r1", Error: "late failure"})

	assert.Equal(t, []string{"r2", "r1"}, ids(h.List()))
	got, _ := h.Get("r1")
	assert.Equal(t, "late failure", got.Error)
	assert.Equal(t, 2, h.Len())
}

func TestHistory_Eviction(t *testing.T) {
	h := New(5*time.Minute, 3)
	defer h.Close()

	for i := 1; i <= 5; i++ {
		h.Add(Record{RequestID: fmt.Sprintf("r%d", i)})
	}

	assert.Equal(t, []string{"r3", "r4", "r5"}, ids(h.List()))
	_, ok := h.Get("r1")
	assert.False(t, ok, "oldest record should be evicted")
}

func TestHistory_Expiry(t *testing.T) {
	h := New(10*time.Millisecond, 30)
	defer h.Close()

	h.Add(Record{RequestID: "old"})
	time.Sleep(20 * time.Millisecond)
	h.Add(Record{RequestID: "new"})

	assert.Equal(t, []string{"new"}, ids(h.List()))
	_, ok := h.Get("old")
	assert.False(t, ok)

	// Expired records linger until cleanup runs.
	assert.Equal(t, 2, h.Len())
	h.runCleanup()
	assert.Equal(t, 1, h.Len())
}

func TestHistory_ZeroTTLNeverExpires(t *testing.T) {
	h := New(0, 30)
	defer h.Close()

	h.Add(Record{RequestID: "r1", Time: time.Now().Add(-48 * time.Hour)})
	_, ok := h.Get("r1")
	assert.True(t, ok)
}

func TestHistory_PayloadAndResponse(t *testing.T) {
	h := New(5*time.Minute, 30)
	defer h.Close()

	h.SetPayload(map[string]any{"session_id": "s1"})
	h.SetResponse(map[string]any{"id": "chatcmpl-1"})

	assert.JSONEq(t, `{"session_id":"s1"}`, string(h.LastPayload()))
	assert.JSONEq(t, `{"id":"chatcmpl-1"}`, string(h.LastResponse()))
}

func TestHistory_Reset(t *testing.T) {
	h := New(5*time.Minute, 30)
	defer h.Close()

	h.Add(Record{RequestID: "r1"})
	h.SetPayload(map[string]string{"a": "b"})
	h.Reset()

	assert.Empty(t, h.List())
	assert.Zero(t, h.Len())
	assert.JSONEq(t, `{}`, string(h.LastPayload()))

	// Usable after reset.
	h.Add(Record{RequestID: "r2"})
	assert.Equal(t, []string{"r2"}, ids(h.List()))
}

func TestRecord_JSON(t *testing.T) {
	rec := Record{
		RequestID: "r1",
		Path:      "/v1/chat/completions",
		Shape:     "openai",
		Model:     ModelInfo{Name: "gpt-4o", TargetID: "id-1"},
		Session:   SessionInfo{Source: "default", SessionTail: Tail("session-12345678", 8)},
		Stats:     &agent.Stats{Chunks: 3, Bytes: 42, Duration: 1500 * time.Millisecond},
		Status:    200,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "openai", got["compat_mode"])
	assert.Equal(t, "12345678", got["session"].(map[string]any)["session_tail"])
	assert.Equal(t, float64(1500), got["stats"].(map[string]any)["duration_ms"])
	assert.NotContains(t, got, "error")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "5678", Tail("12345678", 4))
	assert.Equal(t, "abc", Tail("abc", 8))
	assert.Equal(t, "", Tail("", 8))
}

func TestHistory_Concurrent(t *testing.T) {
	h := New(5*time.Minute, 50)
	defer h.Close()

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.Add(Record{RequestID: fmt.Sprintf("r-%d-%d", id, j)})
				h.List()
				h.SetPayload(j)
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 50, h.Len())
}

func TestHistory_Close(t *testing.T) {
	h := New(5*time.Minute, 30)
	h.Close()
	h.Close()
}
