// ABOUTME: Incremental per-request decoder for the agent's tagged text stream.
// ABOUTME: Buffers partial segments across chunks and emits content, image, finish and error events.

package decode

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinel is the end-of-stream marker the agent sends after the last chunk.
const Sentinel = "[DONE]"

// DefaultSides are the participant sides recognised in segment tags.
const DefaultSides = "ab"

// Segment kinds as they appear in the second character of a tag.
const (
	segContent = '0'
	segImage   = '2'
	segFinish  = 'd'
)

// Decoder incrementally extracts events from one request's raw agent output.
type Decoder struct {
	buf   string
	sides string
	done  bool

	// Scan offsets into buf; bytes before them have already been examined.
	pos      int
	errFrom  int
	chalFrom int

	onMalformed func(kind, segment string)
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithSides sets the participant side letters accepted in tags.
func WithSides(sides string) Option {
	return func(d *Decoder) {
		if sides != "" {
			d.sides = sides
		}
	}
}

// WithMalformedHook registers a callback for segments skipped because they failed to parse.
func WithMalformedHook(fn func(kind, segment string)) Option {
	return func(d *Decoder) {
		d.onMalformed = fn
	}
}

// New creates a Decoder with an empty buffer.
func New(opts ...Option) *Decoder {
	d := &Decoder{sides: DefaultSides}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Done reports whether decoding terminated on an error or challenge.
func (d *Decoder) Done() bool {
	return d.done
}

// Buffered returns the unconsumed trailing data.
func (d *Decoder) Buffered() string {
	return d.buf
}

// Feed appends a chunk of raw agent output and returns the events it completes.
// After a terminal event Feed is a no-op.
func (d *Decoder) Feed(chunk string) []Event {
	if d.done {
		return nil
	}
	d.buf += chunk

	if d.scanChallenge() {
		d.done = true
		return []Event{Failure(ErrChallenge)}
	}

	ev, pending := d.scanError()
	if ev != nil {
		d.done = true
		return []Event{*ev}
	}

	limit := len(d.buf)
	if pending >= 0 {
		limit = pending
	}
	return d.scanSegments(limit)
}

// scanChallenge checks the newly appended region for bot verification markers.
func (d *Decoder) scanChallenge() bool {
	found := IsChallenge(d.buf[d.chalFrom:])
	d.chalFrom = max(0, len(d.buf)-(maxMarkerLen-1))
	return found
}

// scanError looks for a bare {"error": ...} object. It returns the terminal
// event when a complete object parses, otherwise the start offset of an
// object that is still arriving (or -1).
func (d *Decoder) scanError() (*Event, int) {
	for {
		i, partial := indexErrorObject(d.buf, d.errFrom)
		if i < 0 {
			d.errFrom = len(d.buf)
			return nil, -1
		}
		if partial {
			d.errFrom = i
			return nil, i
		}
		end, complete := matchBalanced(d.buf, i, '{', '}')
		if !complete {
			d.errFrom = i
			return nil, i
		}
		body := d.buf[i:end]
		msg := gjson.Get(body, "error")
		if !gjson.Valid(body) || !msg.Exists() {
			d.malformed("error", body)
			d.errFrom = end
			continue
		}
		text := msg.String()
		if msg.Type == gjson.JSON {
			text = msg.Raw
		}
		ev := Failure(Classify(text))
		return &ev, -1
	}
}

// scanSegments emits every complete tagged segment whose tag starts before limit.
func (d *Decoder) scanSegments(limit int) []Event {
	var events []Event
	for d.pos < limit {
		i, partial := d.nextTag(d.pos, limit)
		if i < 0 {
			d.pos = limit
			break
		}
		if partial {
			d.pos = i
			break
		}

		kind := d.buf[i+1]
		open := i + 3
		if d.buf[open] != opener(kind) {
			d.pos = i + 1
			continue
		}

		end, complete := segmentEnd(d.buf, open, kind)
		if !complete {
			d.pos = i
			break
		}

		ev, err := parseSegment(kind, d.buf[open:end])
		if err != nil {
			d.malformed(string(kind), d.buf[i:end])
		} else if ev != nil {
			events = append(events, *ev)
		}
		d.trim(end)
		limit -= end
	}
	return events
}

// nextTag finds the next "<side><kind>:<opener>" tag at or after from. A tag
// cut off by the end of the buffer is reported as partial.
func (d *Decoder) nextTag(from, limit int) (int, bool) {
	for i := from; i < limit; i++ {
		if strings.IndexByte(d.sides, d.buf[i]) < 0 {
			continue
		}
		if i+1 >= len(d.buf) {
			return i, true
		}
		if k := d.buf[i+1]; k != segContent && k != segImage && k != segFinish {
			continue
		}
		if i+2 >= len(d.buf) {
			return i, true
		}
		if d.buf[i+2] != ':' {
			continue
		}
		if i+3 >= len(d.buf) {
			return i, true
		}
		return i, false
	}
	return -1, false
}

// trim drops the consumed prefix buf[:end] and rebases the scan offsets.
func (d *Decoder) trim(end int) {
	d.buf = d.buf[end:]
	d.pos = 0
	d.errFrom = max(0, d.errFrom-end)
	d.chalFrom = max(0, d.chalFrom-end)
}

func (d *Decoder) malformed(kind, segment string) {
	if d.onMalformed != nil {
		d.onMalformed(kind, segment)
	}
}

func opener(kind byte) byte {
	switch kind {
	case segContent:
		return '"'
	case segImage:
		return '['
	default:
		return '{'
	}
}

func segmentEnd(s string, start int, kind byte) (int, bool) {
	switch kind {
	case segContent:
		return scanString(s, start)
	case segImage:
		return matchBalanced(s, start, '[', ']')
	default:
		return matchBalanced(s, start, '{', '}')
	}
}

// parseSegment decodes a delimited segment body. A nil event with a nil
// error means the segment was well-formed but carries nothing to emit.
func parseSegment(kind byte, body string) (*Event, error) {
	switch kind {
	case segContent:
		var text string
		if err := json.Unmarshal([]byte(body), &text); err != nil {
			return nil, ErrMalformedFrame
		}
		if text == "" {
			return nil, nil
		}
		ev := Content(text)
		return &ev, nil

	case segImage:
		if !gjson.Valid(body) {
			return nil, ErrMalformedFrame
		}
		first := gjson.Get(body, "0")
		if !first.IsObject() || first.Get("type").String() != "image" {
			return nil, nil
		}
		url := first.Get("image")
		if !url.Exists() {
			return nil, nil
		}
		ev := Image(url.String())
		return &ev, nil

	default:
		if !gjson.Valid(body) {
			return nil, ErrMalformedFrame
		}
		r := gjson.Get(body, "finishReason")
		if !r.Exists() {
			return nil, nil
		}
		reason := r.String()
		if reason == "" {
			reason = "stop"
		}
		ev := Finish(reason)
		return &ev, nil
	}
}

// scanString returns the offset just past the closing quote of the JSON
// string starting at s[start].
func scanString(s string, start int) (int, bool) {
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i + 1, true
		}
	}
	return 0, false
}

// matchBalanced returns the offset just past the delimiter closing the one at
// s[start], ignoring delimiters inside JSON strings.
func matchBalanced(s string, start int, open, close byte) (int, bool) {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// indexErrorObject finds a '{' that opens an object whose first key is
// "error". partial is true when the buffer ends before that can be decided.
func indexErrorObject(s string, from int) (idx int, partial bool) {
	const key = `"error"`
	for i := from; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		j := i + 1
		for j < len(s) && isSpace(s[j]) {
			j++
		}
		rest := s[j:]
		if strings.HasPrefix(rest, key) {
			return i, false
		}
		if len(rest) < len(key) && strings.HasPrefix(key, rest) {
			return i, true
		}
	}
	return -1, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
