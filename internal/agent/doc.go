// Package agent manages the control channel to the browser agent.
//
// # Overview
//
// Exactly one agent is attached at a time over a WebSocket. Every client
// request is multiplexed onto that socket, tagged with a unique request_id,
// and the agent's replies come back as frames carrying the same id.
//
// # Channel
//
// The Channel owns the live Connection and the routing table:
//
//	ch := agent.NewChannel(agent.ChannelParams{Logger: logger})
//
// Key operations:
//
//   - Attach(conn): make conn the live connection, closing any previous one
//   - Detach(conn): called when conn's read loop ends
//   - Send(ctx, id, payload): write {"request_id", "payload"} to the agent
//   - Dispatch(frame): route an inbound frame to its mailbox
//   - BroadcastFailure(err): fail every pending request
//
// # Request/Response Correlation
//
// When submitting a request, the Router:
//
//  1. Generates a UUIDv4 request_id
//  2. Registers a Mailbox under that id
//  3. Sends the payload through the Channel
//  4. Returns a Stream that pulls frames from the Mailbox
//
// A frame's data is a string fragment, a list of fragments, the literal
// "[DONE]", or {"error": message}. Fragments are fed to a decode.Decoder and
// the Stream yields the resulting events.
//
// Mailboxes are bounded. A consumer that falls behind gets ErrMailboxFull
// instead of silently losing frames.
//
// # Disconnects
//
// When a connection's read loop ends, every request sent over that
// connection fails with ErrAgentDisconnected. A replaced connection only
// fails its own requests; requests already sent over the new one are
// unaffected.
//
// # Thread Safety
//
// Channel and Connection are safe for concurrent use. A Stream has a single
// consumer.
package agent
