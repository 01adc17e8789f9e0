// Package decode turns the agent's raw streaming text into typed events.
//
// # Overview
//
// The agent relays the upstream arena response body verbatim, chunk by chunk,
// in a loosely framed line format. Each meaningful unit is a tagged segment:
//
//	a0:"Hel"                       content fragment (quoted, JSON-escaped)
//	a2:[{"type":"image","image":"https://..."}]   image fragment (bracketed list)
//	ad:{"finishReason":"stop"}     finish marker (braced object)
//
// The first character of the tag is the participant side ("a" or "b" in
// comparison mode), the second the segment kind. Chunks from the agent split
// segments at arbitrary byte offsets, so a Decoder keeps a buffer per request
// and only emits a segment once its closing delimiter has arrived.
//
// # Rules
//
// Feed applies the rules below to the buffer until none matches:
//
//  1. Challenge markers (bot verification pages) anywhere in the buffer
//     terminate decoding with ErrChallenge.
//  2. A bare {"error": ...} object anywhere in the buffer terminates decoding
//     with the agent's message.
//  3. Tagged content, image and finish segments are emitted in buffer order.
//
// A segment whose delimiters are complete but whose body does not parse is
// dropped and decoding continues (the hook installed with WithMalformedHook
// sees it). Consumed prefixes are trimmed after every match, and scanning
// resumes where it stopped, so unmatched bytes are examined once.
//
// # Thread Safety
//
// A Decoder belongs to exactly one request and is not safe for concurrent use.
package decode
