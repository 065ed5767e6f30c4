// ABOUTME: WebSocket implementation of the streaming Adapter using gorilla/websocket.
// ABOUTME: Read/write pumps normalize JSON frames into Events and serialize outbound sends.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	// eventBufferSize bounds the inbound event channel. The session
	// controller drains continuously, so the buffer only absorbs bursts.
	eventBufferSize = 64
	outboxSize      = 16
)

// TokenSource supplies the session token for the streaming handshake.
// Called on every connection attempt so a refreshed token is picked up
// after reconnects.
type TokenSource func(ctx context.Context) (string, error)

// WSConfig configures a WebSocket adapter.
type WSConfig struct {
	// URL is the streaming endpoint, e.g. wss://gateway/api/stream.
	URL string
	// ConversationID scopes the connection; sent as a query parameter and
	// echoed back on every inbound frame.
	ConversationID string
	// Token supplies the session token. Required.
	Token TokenSource
	// HandshakeTimeout bounds the dial. Zero means the dialer default.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// sendFrame is the outbound wire shape for send commands.
type sendFrame struct {
	Type           string   `json:"type"`
	CorrelationID  string   `json:"correlation_id"`
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id"`
	AgentID        string   `json:"agent_id,omitempty"`
	FileIDs        []string `json:"file_ids,omitempty"`
}

// eventFrame is the inbound wire shape for all server events.
type eventFrame struct {
	Type           string         `json:"type"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Content        string         `json:"content,omitempty"`
	IsComplete     bool           `json:"is_complete,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Code           int            `json:"code,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// WSAdapter is a WebSocket-backed Adapter. One instance serves one
// connection; after the connection drops the adapter is done and a new one
// must be dialed.
type WSAdapter struct {
	cfg    WSConfig
	logger *slog.Logger

	conn   *websocket.Conn
	events chan Event
	outbox chan sendFrame

	done      chan struct{}
	closeOnce sync.Once

	// writeFailed is closed when the write pump exits on a write error, so
	// senders blocked on a full outbox are released instead of waiting for a
	// Close that may never come.
	writeFailed chan struct{}
	failOnce    sync.Once
}

// NewWSAdapter creates an unconnected adapter.
func NewWSAdapter(cfg WSConfig) *WSAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSAdapter{
		cfg:    cfg,
		logger: logger.With("component", "transport", "conversation_id", cfg.ConversationID),
		events:      make(chan Event, eventBufferSize),
		outbox:      make(chan sendFrame, outboxSize),
		done:        make(chan struct{}),
		writeFailed: make(chan struct{}),
	}
}

// Connect dials the streaming endpoint with a fresh session token and starts
// the read/write pumps. An HTTP 401/403 during the upgrade is reported as
// ErrHandshake; the caller must not auto-retry those.
func (a *WSAdapter) Connect(ctx context.Context) error {
	token, err := a.cfg.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching stream token: %w", err)
	}

	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("parsing stream URL: %w", err)
	}
	q := u.Query()
	q.Set("conversation_id", a.cfg.ConversationID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrHandshake, resp.StatusCode)
		}
		return fmt.Errorf("dialing stream: %w", err)
	}

	a.conn = conn
	go a.readPump()
	go a.writePump()

	a.logger.Debug("stream connected", "url", a.cfg.URL)
	return nil
}

// Send enqueues a send command for the write pump.
func (a *WSAdapter) Send(ctx context.Context, cmd *SendCommand) error {
	frame := sendFrame{
		Type:           "send",
		CorrelationID:  cmd.CorrelationID,
		Message:        cmd.Message,
		ConversationID: cmd.ConversationID,
		AgentID:        cmd.AgentID,
		FileIDs:        cmd.FileIDs,
	}
	select {
	case <-a.done:
		return ErrClosed
	case <-a.writeFailed:
		return ErrClosed
	default:
	}
	select {
	case a.outbox <- frame:
		return nil
	case <-a.done:
		return ErrClosed
	case <-a.writeFailed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the normalized inbound event stream. The channel is closed
// after the final EventClosed.
func (a *WSAdapter) Events() <-chan Event { return a.events }

// Close tears the connection down. Safe to call multiple times.
func (a *WSAdapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = a.conn.Close()
		}
	})
	return nil
}

// readPump reads frames until the connection drops, emitting one Event per
// frame. It always finishes by emitting EventClosed and closing the events
// channel.
func (a *WSAdapter) readPump() {
	defer close(a.events)

	_ = a.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var frame eventFrame
		if err := a.conn.ReadJSON(&frame); err != nil {
			select {
			case <-a.done:
				// Local close, not a drop.
				a.emit(Event{Kind: EventClosed, ConversationID: a.cfg.ConversationID})
			default:
				a.logger.Debug("stream read failed", "error", err)
				a.emit(Event{Kind: EventClosed, ConversationID: a.cfg.ConversationID, Err: err.Error()})
			}
			return
		}

		ev, ok := a.normalize(frame)
		if !ok {
			a.logger.Warn("unknown frame type ignored", "type", frame.Type)
			continue
		}
		a.emit(ev)
	}
}

// normalize converts a wire frame into an Event.
func (a *WSAdapter) normalize(frame eventFrame) (Event, bool) {
	convID := frame.ConversationID
	if convID == "" {
		convID = a.cfg.ConversationID
	}
	ev := Event{
		ConversationID: convID,
		CorrelationID:  frame.CorrelationID,
	}
	switch frame.Type {
	case "ready":
		ev.Kind = EventReady
	case "ack":
		ev.Kind = EventAck
		ev.MessageID = frame.MessageID
	case "chunk":
		ev.Kind = EventChunk
		ev.Content = frame.Content
		ev.IsComplete = frame.IsComplete
		ev.Metadata = frame.Metadata
	case "error":
		ev.Kind = EventError
		ev.Code = frame.Code
		ev.Err = frame.Message
	default:
		return Event{}, false
	}
	return ev, true
}

// emit delivers an event unless the adapter is being torn down. Delivery is
// blocking: the event order on the channel is the arrival order on the wire,
// and the consumer is expected to drain continuously.
func (a *WSAdapter) emit(ev Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

// writePump serializes all writes to the connection: queued sends and
// keepalive pings.
func (a *WSAdapter) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case frame := <-a.outbox:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := a.conn.WriteJSON(frame); err != nil {
				a.logger.Debug("stream write failed", "error", err)
				a.failWrite()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := a.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				a.failWrite()
				return
			}
		}
	}
}

// failWrite releases blocked senders and tears the connection down so the
// read pump reports the drop. done stays open, which lets the final
// EventClosed carry the read error through.
func (a *WSAdapter) failWrite() {
	a.failOnce.Do(func() {
		close(a.writeFailed)
		if a.conn != nil {
			_ = a.conn.Close()
		}
	})
}
