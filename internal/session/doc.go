// Package session implements the real-time chat session controller.
//
// # Overview
//
// The Controller owns the lifecycle of every conversation's live connection
// and reconciles optimistic local state with server-confirmed state. It is
// the only writer of connection and message state in the store; uploads go
// through the upload tracker, which writes attachment state independently.
//
// # Event loop
//
// All reconciliation runs on a single loop goroutine. Public commands and
// background completions (dial results, timer fires, inbound transport
// events, history fetches) are posted to the loop as closures, so store
// mutations for a conversation are totally ordered and no locking is needed
// inside the controller itself.
//
// # Connection state machine
//
// Each conversation has its own connection:
//
//	disconnected -> connecting -> connected -> (streaming) -> reconnecting -> ...
//
// Connecting starts on the first command that needs the live channel.
// Unexpected drops reconnect with capped exponential backoff (full jitter)
// up to a bounded number of attempts, then park in the failed state until a
// manual retry resets the counter. Handshake rejections go straight to
// failed and are never auto-retried.
//
// # Reconciliation
//
// A send is optimistic: the user's message appears immediately under a
// temporary ID and is atomically re-keyed to the server ID on
// acknowledgment. Streamed response chunks accumulate into a single agent
// message keyed by the send's correlation ID. Duplicate deliveries are
// dropped via per-turn monotonic sequence numbers and a seen-cache of
// completed correlation IDs.
package session
