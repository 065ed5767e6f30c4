// Package transport normalizes the gateway's streaming connection into a
// single ordered event stream.
//
// # Overview
//
// An Adapter owns one bidirectional streaming connection for one
// conversation. Outbound send commands are JSON frames of the shape
//
//	{"type": "send", "correlation_id": "...", "message": "...",
//	 "conversation_id": "...", "agent_id": "...", "file_ids": [...]}
//
// and inbound traffic is normalized into Events of kind ready, ack, chunk,
// error, and closed, tagged with the conversation and correlation IDs so the
// session controller can attribute every event to exactly one pending send.
//
// Adapters are explicitly owned and injected (via a Dialer) rather than held
// as package-level singletons, so tests substitute a channel-driven fake.
//
// The package also provides the reconnect backoff policy: exponential with
// full jitter, capped.
package transport
