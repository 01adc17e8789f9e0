// ABOUTME: Thread-safe TTL and size bounded log of recent request records.
// ABOUTME: Backs the debug endpoints; also holds the last agent payload and caller response.

package history

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/2389/arena-bridge/internal/agent"
)

// ModelInfo describes the model a request resolved to.
type ModelInfo struct {
	Name     string `json:"name"`
	Image    bool   `json:"image"`
	TargetID string `json:"target_model_id,omitempty"`
}

// SessionInfo identifies the conversation used, by id suffix only.
type SessionInfo struct {
	Source      string `json:"source"` // mapping or default
	SessionTail string `json:"session_tail"`
	MessageTail string `json:"message_tail"`
	Mode        string `json:"mode"`
}

// Record summarizes one bridged request.
type Record struct {
	RequestID    string       `json:"request_id"`
	Time         time.Time    `json:"ts"`
	Path         string       `json:"path"`
	Shape        string       `json:"compat_mode"`
	Stream       bool         `json:"stream"`
	MessageCount int          `json:"message_count"`
	Model        ModelInfo    `json:"model"`
	Session      SessionInfo  `json:"session"`
	Stats        *agent.Stats `json:"stats,omitempty"`
	Status       int          `json:"status"`
	FinalLength  int          `json:"final_len"`
	Error        string       `json:"error,omitempty"`
}

// Tail returns the last n characters of an id for display.
func Tail(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[len(id)-n:]
}

// entry stores a record and its position in insertion order.
type entry struct {
	record  Record
	element *list.Element
}

// History is a thread-safe log of recent records, bounded by size and age.
// Records are kept in insertion order; the oldest is evicted first.
type History struct {
	mu      sync.RWMutex
	records map[string]*entry
	order   *list.List // request ids, oldest at front
	ttl     time.Duration
	maxSize int

	lastPayload  json.RawMessage
	lastResponse json.RawMessage

	done   chan struct{}
	closed bool
}

// New creates a history holding at most maxSize records for at most ttl.
// A background goroutine periodically drops expired records.
func New(ttl time.Duration, maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 1
	}
	h := &History{
		records: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go h.cleanup()
	return h
}

// Add stores a record. A record with an existing request id replaces it
// and moves to the newest position.
func (h *History) Add(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.records[rec.RequestID]; ok {
		e.record = rec
		h.order.MoveToBack(e.element)
		return
	}

	if len(h.records) >= h.maxSize {
		h.evictOldest()
	}

	elem := h.order.PushBack(rec.RequestID)
	h.records[rec.RequestID] = &entry{record: rec, element: elem}
}

// Get returns the record for a request id if it has not expired.
func (h *History) Get(id string) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.records[id]
	if !ok || h.expired(e.record, time.Now()) {
		return Record{}, false
	}
	return e.record, true
}

// Last returns the newest unexpired record.
func (h *History) Last() (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for el := h.order.Back(); el != nil; el = el.Prev() {
		key, _ := el.Value.(string)
		if rec := h.records[key].record; !h.expired(rec, now) {
			return rec, true
		}
	}
	return Record{}, false
}

// List returns unexpired records, oldest first.
func (h *History) List() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	out := make([]Record, 0, len(h.records))
	for el := h.order.Front(); el != nil; el = el.Next() {
		key, _ := el.Value.(string)
		if rec := h.records[key].record; !h.expired(rec, now) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of stored records, including expired ones not yet
// cleaned up.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// SetPayload remembers the last payload sent to the agent.
func (h *History) SetPayload(v any) {
	h.setRaw(&h.lastPayload, v)
}

// SetResponse remembers the last non-streamed response document.
func (h *History) SetResponse(v any) {
	h.setRaw(&h.lastResponse, v)
}

func (h *History) setRaw(dst *json.RawMessage, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	*dst = data
}

// LastPayload returns the last payload, or an empty object.
func (h *History) LastPayload() json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return orEmpty(h.lastPayload)
}

// LastResponse returns the last response, or an empty object.
func (h *History) LastResponse() json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return orEmpty(h.lastResponse)
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// Reset clears all records and the remembered payload and response.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = make(map[string]*entry)
	h.order.Init()
	h.lastPayload = nil
	h.lastResponse = nil
}

func (h *History) expired(rec Record, now time.Time) bool {
	return h.ttl > 0 && now.Sub(rec.Time) > h.ttl
}

// evictOldest removes the oldest record. Must be called with mu held.
func (h *History) evictOldest() {
	front := h.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	h.order.Remove(front)
	delete(h.records, key)
}

// cleanup runs in a background goroutine, periodically removing expired records.
func (h *History) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.runCleanup()
		case <-h.done:
			return
		}
	}
}

// runCleanup removes all expired records.
func (h *History) runCleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for key, e := range h.records {
		if h.expired(e.record, now) {
			h.order.Remove(e.element)
			delete(h.records, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (h *History) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		close(h.done)
		h.closed = true
	}
}
