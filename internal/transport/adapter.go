// ABOUTME: Adapter interface and the normalized event model for streaming connections.
// ABOUTME: Every inbound frame becomes one Event attributed to a conversation and correlation ID.

package transport

import (
	"context"
	"errors"
)

// ErrHandshake indicates the server rejected the connection during
// handshake (for example bad credentials). Handshake rejections are
// unrecoverable and must not be auto-retried.
var ErrHandshake = errors.New("stream handshake rejected")

// ErrClosed indicates the adapter has been closed.
var ErrClosed = errors.New("adapter closed")

// EventKind classifies a normalized inbound event.
type EventKind int

const (
	// EventReady signals the server accepted the connection and will route
	// events for the subscribed conversation.
	EventReady EventKind = iota
	// EventAck carries the server-assigned message ID for a send command.
	EventAck
	// EventChunk carries one increment of a streamed agent response.
	EventChunk
	// EventError carries a server-reported error, scoped to a correlation ID
	// when the error concerns a specific send.
	EventError
	// EventClosed signals the connection dropped. It is always the final
	// event an adapter emits.
	EventClosed
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAck:
		return "ack"
	case EventChunk:
		return "chunk"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one normalized inbound event.
type Event struct {
	Kind           EventKind
	ConversationID string
	CorrelationID  string
	MessageID      string // ack: server-assigned message ID
	Content        string // chunk: partial content
	IsComplete     bool   // chunk: terminal flag
	Metadata       map[string]any
	Code           int    // error: server error code
	Err            string // error/closed: human-readable reason
}

// Seq returns the chunk sequence number from metadata, or -1 when the
// server did not supply one. Sequence numbers are monotonically increasing
// per correlation ID and drive duplicate-delivery detection.
func (e Event) Seq() int {
	v, ok := e.Metadata["seq"]
	if !ok {
		return -1
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return -1
	}
}

// FinalMessageID returns the server-assigned ID for the completed agent
// message from chunk metadata, or "" when absent.
func (e Event) FinalMessageID() string {
	if v, ok := e.Metadata["message_id"].(string); ok {
		return v
	}
	return ""
}

// SendCommand is an outbound message send.
type SendCommand struct {
	CorrelationID  string
	ConversationID string
	Message        string
	AgentID        string
	FileIDs        []string
}

// Adapter wraps one streaming connection for one conversation.
//
// Connect establishes the connection; the server's readiness surfaces as an
// EventReady on Events. Events is closed after the final EventClosed. Send
// enqueues an outbound command and returns without waiting for the server.
type Adapter interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, cmd *SendCommand) error
	Events() <-chan Event
	Close() error
}

// Dialer creates a fresh Adapter for a conversation. The session controller
// dials a new adapter for every connection attempt, so a Dialer must not
// reuse adapter instances.
type Dialer func(conversationID string) Adapter
