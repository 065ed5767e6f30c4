// ABOUTME: Per-conversation connection record for the session controller.
// ABOUTME: Tracks state machine position, send queues, and active turns.

package session

import (
	"time"

	"github.com/2389/loom-client/internal/store"
	"github.com/2389/loom-client/internal/transport"
)

// pendingSend is a user message travelling through the live channel. It is
// created on SendMessage, sits in the queue until the connection is ready,
// moves to the inflight table once dispatched, and is removed when the
// server acknowledges it and its response turn completes (or fails).
type pendingSend struct {
	correlationID string
	tempID        string
	messageID     string // server ID, set on ack
	convID        string
	content       string
	agentID       string
	fileIDs       []string
	issue         int // monotonic issuance number, preserves FIFO across re-queues
	acked         bool
	gotChunk      bool
	timeout       *time.Timer // response timer, armed at dispatch
}

// uiID returns the identifier the message currently has in the store:
// the server ID once acknowledged, the optimistic temp ID before.
func (ps *pendingSend) uiID() string {
	if ps.messageID != "" {
		return ps.messageID
	}
	return ps.tempID
}

func (ps *pendingSend) stopTimer() {
	if ps.timeout != nil {
		ps.timeout.Stop()
		ps.timeout = nil
	}
}

// turn tracks one in-progress streamed response, keyed by the correlation
// ID of the send that started it. lastSeq enforces monotonic chunk order.
type turn struct {
	correlationID string
	lastSeq       int
}

// conn is the controller's view of one conversation's live channel. All
// fields are owned by the loop goroutine.
type conn struct {
	convID    string
	state     store.ConnStatus
	adapter   transport.Adapter
	gen       int // bumped on every dial and teardown; stale events carry old gens
	attempts  int
	lastError string

	connectTimer *time.Timer

	queue    []*pendingSend           // not yet dispatched, FIFO
	inflight map[string]*pendingSend  // dispatched, keyed by correlation ID
	turns    map[string]*turn         // streaming responses, keyed by correlation ID
}

func newConn(convID string) *conn {
	return &conn{
		convID:   convID,
		state:    store.ConnDisconnected,
		inflight: make(map[string]*pendingSend),
		turns:    make(map[string]*turn),
	}
}

func (cn *conn) live() bool {
	return cn.state == store.ConnConnected || cn.state == store.ConnStreaming
}

func (cn *conn) stopConnectTimer() {
	if cn.connectTimer != nil {
		cn.connectTimer.Stop()
		cn.connectTimer = nil
	}
}

// idle reports whether the connection has no outstanding work that needs
// the live channel.
func (cn *conn) idle() bool {
	return len(cn.queue) == 0 && len(cn.inflight) == 0 && len(cn.turns) == 0
}
