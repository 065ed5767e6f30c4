// ABOUTME: Controller tests driving a scripted fake adapter through full send,
// ABOUTME: stream, drop, reconnect, timeout, and conversation-switch flows.

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-client/internal/agents"
	"github.com/2389/loom-client/internal/api"
	"github.com/2389/loom-client/internal/store"
	"github.com/2389/loom-client/internal/transport"
	"github.com/2389/loom-client/internal/upload"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeAdapter is a scripted transport.Adapter. Tests emit inbound events on
// its channel and inspect what the controller sent.
type fakeAdapter struct {
	connectErr error
	events     chan transport.Event

	mu       sync.Mutex
	sent     []transport.SendCommand
	closed   bool
	chClosed bool
}

func newFakeAdapter(connectErr error) *fakeAdapter {
	return &fakeAdapter{connectErr: connectErr, events: make(chan transport.Event, 16)}
}

func (a *fakeAdapter) Connect(ctx context.Context) error { return a.connectErr }

func (a *fakeAdapter) Send(ctx context.Context, cmd *transport.SendCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	a.sent = append(a.sent, *cmd)
	return nil
}

func (a *fakeAdapter) Events() <-chan transport.Event { return a.events }

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) emit(ev transport.Event) { a.events <- ev }

// drop simulates a server-side connection loss.
func (a *fakeAdapter) drop(reason string) {
	a.emit(transport.Event{Kind: transport.EventClosed, Err: reason})
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.chClosed {
		a.chClosed = true
		close(a.events)
	}
}

func (a *fakeAdapter) ready() { a.emit(transport.Event{Kind: transport.EventReady}) }

func (a *fakeAdapter) sentCommands() []transport.SendCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.SendCommand(nil), a.sent...)
}

// fakeDialer hands out a fresh fakeAdapter per attempt, with Connect errors
// scripted per attempt index.
type fakeDialer struct {
	mu          sync.Mutex
	connectErrs []error
	adapters    []*fakeAdapter
}

func (d *fakeDialer) dial(conversationID string) transport.Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if len(d.adapters) < len(d.connectErrs) {
		err = d.connectErrs[len(d.adapters)]
	}
	a := newFakeAdapter(err)
	d.adapters = append(d.adapters, a)
	return a
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.adapters)
}

type fakeREST struct {
	mu        sync.Mutex
	pages     map[string]*api.MessagePage
	listCalls int
	deleted   []string
}

func (r *fakeREST) ListMessages(ctx context.Context, convID, before string, limit int) (*api.MessagePage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if p, ok := r.pages[convID]; ok {
		return p, nil
	}
	return &api.MessagePage{}, nil
}

func (r *fakeREST) CreateConversation(ctx context.Context, title, agentID string) (*api.ConversationMeta, error) {
	return &api.ConversationMeta{ID: "conv-new", Title: title, AgentID: agentID, LastActivity: time.Now()}, nil
}

func (r *fakeREST) DeleteConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

type fakeUploadManager struct {
	survive bool

	mu        sync.Mutex
	cancelled []string
}

func (u *fakeUploadManager) Start(convID string, specs []upload.FileSpec) ([]string, error) {
	return nil, nil
}
func (u *fakeUploadManager) Cancel(id string) bool { return false }
func (u *fakeUploadManager) CancelConversation(convID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancelled = append(u.cancelled, convID)
	return 1
}
func (u *fakeUploadManager) SurviveSwitch() bool { return u.survive }

func (u *fakeUploadManager) cancelledConvs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.cancelled...)
}

type harness struct {
	st      *store.Store
	dialer  *fakeDialer
	rest    *fakeREST
	uploads *fakeUploadManager
	ctrl    *Controller
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithRegistry(t, cfg, nil)
}

func newHarnessWithRegistry(t *testing.T, cfg Config, registry *agents.Registry) *harness {
	t.Helper()
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Millisecond
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 5 * time.Millisecond
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		st:      store.New(logger),
		dialer:  &fakeDialer{},
		rest:    &fakeREST{},
		uploads: &fakeUploadManager{survive: true},
	}
	h.ctrl = New(h.st, h.dialer.dial, h.rest, h.uploads, registry, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// waitAdapter blocks until the dialer has handed out the i-th adapter.
func (h *harness) waitAdapter(t *testing.T, i int) *fakeAdapter {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.count() > i }, waitFor, tick,
		"adapter %d was never dialed", i)
	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	return h.dialer.adapters[i]
}

// waitSent blocks until the adapter has received n send commands.
func waitSent(t *testing.T, a *fakeAdapter, n int) []transport.SendCommand {
	t.Helper()
	require.Eventually(t, func() bool { return len(a.sentCommands()) >= n }, waitFor, tick,
		"adapter never received %d sends", n)
	return a.sentCommands()
}

// waitMessage blocks until the message exists and satisfies cond.
func (h *harness) waitMessage(t *testing.T, id string, cond func(store.Message) bool) store.Message {
	t.Helper()
	var got store.Message
	require.Eventually(t, func() bool {
		msg, err := h.st.Message(id)
		if err != nil {
			return false
		}
		got = msg
		return cond(msg)
	}, waitFor, tick, "message %s never reached expected state", id)
	return got
}

func (h *harness) waitConnStatus(t *testing.T, convID string, status store.ConnStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.st.Connection(convID).Status == status
	}, waitFor, tick, "conversation %s never reached %s", convID, status)
}

func chunk(corrID, content string, seq int, complete bool, finalID string) transport.Event {
	md := map[string]any{"seq": seq}
	if finalID != "" {
		md["message_id"] = finalID
	}
	return transport.Event{
		Kind:          transport.EventChunk,
		CorrelationID: corrID,
		Content:       content,
		IsComplete:    complete,
		Metadata:      md,
	}
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.ctrl.SendMessage("conv-1", "   \n\t ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.ctrl.SendMessage("", "hello", nil)
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestSendMessage_FullStreamedExchange(t *testing.T) {
	h := newHarness(t, Config{})

	tempID, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	// Optimistic append happens before the connection is up.
	h.waitMessage(t, tempID, func(m store.Message) bool {
		return m.Status == store.MessagePending && m.Content == "Hello"
	})
	h.waitConnStatus(t, "conv-1", store.ConnConnecting)

	a := h.waitAdapter(t, 0)
	a.ready()
	h.waitConnStatus(t, "conv-1", store.ConnConnected)

	sent := waitSent(t, a, 1)
	require.Equal(t, "Hello", sent[0].Message)
	require.Equal(t, "conv-1", sent[0].ConversationID)
	corrID := sent[0].CorrelationID
	require.NotEmpty(t, corrID)

	a.emit(transport.Event{Kind: transport.EventAck, CorrelationID: corrID, MessageID: "M1"})
	h.waitMessage(t, "M1", func(m store.Message) bool { return m.Status == store.MessageSent })
	_, err = h.st.Message(tempID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	a.emit(chunk(corrID, "Hi", 0, false, ""))
	h.waitConnStatus(t, "conv-1", store.ConnStreaming)
	a.emit(chunk(corrID, " there", 1, true, "A1"))

	reply := h.waitMessage(t, "A1", func(m store.Message) bool {
		return m.Status == store.MessageComplete
	})
	assert.Equal(t, "Hi there", reply.Content)
	assert.Equal(t, store.RoleAgent, reply.Role)
	h.waitConnStatus(t, "conv-1", store.ConnConnected)

	// User message first, reply second.
	msgs := h.st.Messages("conv-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "M1", msgs[0].ID)
	assert.Equal(t, "A1", msgs[1].ID)
}

func TestAcks_OutOfOrderAssignCorrectIDs(t *testing.T) {
	h := newHarness(t, Config{})

	first, err := h.ctrl.SendMessage("conv-1", "first", nil)
	require.NoError(t, err)
	second, err := h.ctrl.SendMessage("conv-1", "second", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 2)
	require.Equal(t, "first", sent[0].Message)
	require.Equal(t, "second", sent[1].Message)

	// Acks arrive in reverse order; each correlation ID still claims its
	// own message.
	a.emit(transport.Event{Kind: transport.EventAck, CorrelationID: sent[1].CorrelationID, MessageID: "S2"})
	a.emit(transport.Event{Kind: transport.EventAck, CorrelationID: sent[0].CorrelationID, MessageID: "S1"})

	m1 := h.waitMessage(t, "S1", func(m store.Message) bool { return m.Status == store.MessageSent })
	m2 := h.waitMessage(t, "S2", func(m store.Message) bool { return m.Status == store.MessageSent })
	assert.Equal(t, "first", m1.Content)
	assert.Equal(t, "second", m2.Content)

	for _, id := range []string{first, second} {
		_, err := h.st.Message(id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}

	// Conversation order follows send order, not ack order.
	msgs := h.st.Messages("conv-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "S1", msgs[0].ID)
	assert.Equal(t, "S2", msgs[1].ID)
}

func TestDuplicateDeliveries_AppliedOnce(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 1)
	corrID := sent[0].CorrelationID

	ack := transport.Event{Kind: transport.EventAck, CorrelationID: corrID, MessageID: "M1"}
	a.emit(ack)
	a.emit(ack) // duplicate delivery
	h.waitMessage(t, "M1", func(m store.Message) bool { return m.Status == store.MessageSent })

	a.emit(chunk(corrID, "Hi", 0, false, ""))
	a.emit(chunk(corrID, "Hi", 0, false, "")) // duplicate seq
	a.emit(chunk(corrID, " there", 1, true, "A1"))

	reply := h.waitMessage(t, "A1", func(m store.Message) bool {
		return m.Status == store.MessageComplete
	})
	assert.Equal(t, "Hi there", reply.Content)

	// A replayed chunk for a completed turn creates nothing.
	a.emit(chunk(corrID, "Hi", 0, false, ""))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.st.Messages("conv-1"), 2)
}

func TestMidStreamDrop_FailsPartialThenRetries(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 1)
	corrID := sent[0].CorrelationID

	a.emit(transport.Event{Kind: transport.EventAck, CorrelationID: corrID, MessageID: "M1"})
	a.emit(chunk(corrID, "Hel", 0, false, ""))
	h.waitConnStatus(t, "conv-1", store.ConnStreaming)

	a.drop("connection reset")

	// Partial reply fails with a retryable reason; the user message stays sent.
	partial := h.waitMessage(t, corrID, func(m store.Message) bool {
		return m.Status == store.MessageFailed
	})
	assert.Equal(t, "connection lost mid-stream", partial.FailReason)
	assert.Equal(t, "Hel", partial.Content)
	userMsg, err := h.st.Message("M1")
	require.NoError(t, err)
	assert.Equal(t, store.MessageSent, userMsg.Status)

	// Reconnect succeeds on the next attempt and resets the budget.
	a2 := h.waitAdapter(t, 1)
	a2.ready()
	h.waitConnStatus(t, "conv-1", store.ConnConnected)
	assert.Zero(t, h.st.Connection("conv-1").Attempts)

	// Retrying the failed partial re-sends the prompting user message.
	retryID, err := h.ctrl.RetryMessage(corrID)
	require.NoError(t, err)
	h.waitMessage(t, retryID, func(m store.Message) bool { return m.Content == "Hello" })
	resent := waitSent(t, a2, 1)
	assert.Equal(t, "Hello", resent[0].Message)
	assert.NotEqual(t, corrID, resent[0].CorrelationID)
}

func TestConnectionLevelError_FailsTurnAndRecovers(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 1)
	corrID := sent[0].CorrelationID

	a.emit(transport.Event{Kind: transport.EventAck, CorrelationID: corrID, MessageID: "M1"})
	a.emit(chunk(corrID, "Hel", 0, false, ""))
	h.waitConnStatus(t, "conv-1", store.ConnStreaming)

	// A server error with no correlation ID condemns the whole connection.
	a.emit(transport.Event{Kind: transport.EventError, Code: 500, Err: "internal error"})

	partial := h.waitMessage(t, corrID, func(m store.Message) bool {
		return m.Status == store.MessageFailed
	})
	assert.Equal(t, "connection lost mid-stream", partial.FailReason)

	a2 := h.waitAdapter(t, 1)
	a2.ready()
	h.waitConnStatus(t, "conv-1", store.ConnConnected)

	// The stranded turn must not block the next reply's streaming slot.
	_, err = h.ctrl.SendMessage("conv-1", "Again", nil)
	require.NoError(t, err)
	resent := waitSent(t, a2, 1)
	corr2 := resent[0].CorrelationID
	a2.emit(transport.Event{Kind: transport.EventAck, CorrelationID: corr2, MessageID: "M2"})
	a2.emit(chunk(corr2, "Hi", 0, true, "A2"))

	reply := h.waitMessage(t, "A2", func(m store.Message) bool {
		return m.Status == store.MessageComplete
	})
	assert.Equal(t, "Hi", reply.Content)
}

func TestConnectionLevelError_RequeuesUnackedSends(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 1)

	// Dispatched but never acked when the connection-level error lands.
	a.emit(transport.Event{Kind: transport.EventError, Code: 503, Err: "overloaded"})

	a2 := h.waitAdapter(t, 1)
	a2.ready()
	replayed := waitSent(t, a2, 1)
	assert.Equal(t, "Hello", replayed[0].Message)
	assert.Equal(t, sent[0].CorrelationID, replayed[0].CorrelationID)
}

func TestRetryMessage_RejectsNonFailed(t *testing.T) {
	h := newHarness(t, Config{})

	tempID, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)
	h.waitMessage(t, tempID, func(m store.Message) bool { return m.Status == store.MessagePending })

	_, err = h.ctrl.RetryMessage(tempID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.ctrl.RetryMessage("no-such-message")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResponseTimeout_FailsSend(t *testing.T) {
	h := newHarness(t, Config{ResponseTimeout: 60 * time.Millisecond})

	tempID, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	waitSent(t, a, 1)

	failed := h.waitMessage(t, tempID, func(m store.Message) bool {
		return m.Status == store.MessageFailed
	})
	assert.Equal(t, "timed out waiting for response", failed.FailReason)
}

func TestResponseTimeout_DisarmedByFirstChunk(t *testing.T) {
	h := newHarness(t, Config{ResponseTimeout: 60 * time.Millisecond})

	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 1)
	corrID := sent[0].CorrelationID

	a.emit(transport.Event{Kind: transport.EventAck, CorrelationID: corrID, MessageID: "M1"})
	a.emit(chunk(corrID, "Hi", 0, false, ""))

	// Well past the response timeout, the slow stream is still alive.
	time.Sleep(120 * time.Millisecond)
	a.emit(chunk(corrID, " there", 1, true, "A1"))

	reply := h.waitMessage(t, "A1", func(m store.Message) bool {
		return m.Status == store.MessageComplete
	})
	assert.Equal(t, "Hi there", reply.Content)
}

func TestReconnectBudget_ExhaustionThenManualRetry(t *testing.T) {
	dialErr := fmt.Errorf("dial tcp: connection refused")
	h := newHarness(t, Config{MaxReconnectAttempts: 2})
	h.dialer.connectErrs = []error{dialErr, dialErr, dialErr}

	tempID, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	h.waitConnStatus(t, "conv-1", store.ConnFailed)
	assert.Equal(t, 3, h.dialer.count())

	failed := h.waitMessage(t, tempID, func(m store.Message) bool {
		return m.Status == store.MessageFailed
	})
	assert.Contains(t, failed.FailReason, "connection failed")

	// Manual retry earns a fresh budget; the scripted errors are spent, so
	// the next dial succeeds.
	require.NoError(t, h.ctrl.RetryConnection("conv-1"))
	a := h.waitAdapter(t, 3)
	a.ready()
	h.waitConnStatus(t, "conv-1", store.ConnConnected)
	assert.Zero(t, h.st.Connection("conv-1").Attempts)
}

func TestNewSendInFailedState_ResetsBudget(t *testing.T) {
	dialErr := fmt.Errorf("dial tcp: connection refused")
	h := newHarness(t, Config{MaxReconnectAttempts: 1})
	h.dialer.connectErrs = []error{dialErr, dialErr}

	_, err := h.ctrl.SendMessage("conv-1", "first", nil)
	require.NoError(t, err)
	h.waitConnStatus(t, "conv-1", store.ConnFailed)

	_, err = h.ctrl.SendMessage("conv-1", "second", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 2)
	a.ready()
	sent := waitSent(t, a, 1)
	assert.Equal(t, "second", sent[0].Message)
}

func TestHandshakeRejection_NoAutoRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.connectErrs = []error{fmt.Errorf("%w: status 401", transport.ErrHandshake)}

	tempID, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	h.waitConnStatus(t, "conv-1", store.ConnFailed)
	h.waitMessage(t, tempID, func(m store.Message) bool { return m.Status == store.MessageFailed })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.count(), "handshake rejection must not be retried")
	assert.Contains(t, h.st.Connection("conv-1").LastError, "handshake")
}

func TestSwitchConversation_CancelsQueuedWork(t *testing.T) {
	h := newHarness(t, Config{})
	h.uploads.survive = false

	require.NoError(t, h.ctrl.SwitchConversation("conv-1"))

	// Queue a send but never let the connection become ready.
	tempID, err := h.ctrl.SendMessage("conv-1", "stuck", nil)
	require.NoError(t, err)
	h.waitAdapter(t, 0)
	h.waitConnStatus(t, "conv-1", store.ConnConnecting)

	require.NoError(t, h.ctrl.SwitchConversation("conv-2"))

	failed := h.waitMessage(t, tempID, func(m store.Message) bool {
		return m.Status == store.MessageFailed
	})
	assert.Equal(t, "cancelled by conversation switch", failed.FailReason)
	h.waitConnStatus(t, "conv-1", store.ConnDisconnected)

	require.Eventually(t, func() bool {
		return len(h.uploads.cancelledConvs()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"conv-1"}, h.uploads.cancelledConvs())

	// Switching alone never dials the new conversation.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.count())
}

func TestSwitchAgent_AppliesToNextSend(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.ctrl.SwitchAgent("conv-1", "agent-x"))
	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 1)
	assert.Equal(t, "agent-x", sent[0].AgentID)
}

type fakeLister struct{ agents []api.AgentRecord }

func (f *fakeLister) ListAgents(ctx context.Context) ([]api.AgentRecord, error) {
	return f.agents, nil
}

func TestSwitchAgent_UnknownAgentRejected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := agents.NewRegistry(&fakeLister{agents: []api.AgentRecord{
		{ID: "agent-x", Name: "X", Provider: "acme", Model: "x-1"},
	}}, logger)
	require.NoError(t, registry.Refresh(context.Background()))

	h := newHarnessWithRegistry(t, Config{}, registry)

	assert.ErrorIs(t, h.ctrl.SwitchAgent("conv-1", "agent-y"), ErrUnknownAgent)
	require.NoError(t, h.ctrl.SwitchAgent("conv-1", "agent-x"))

	require.Eventually(t, func() bool {
		sel, ok := h.st.ActiveAgent("conv-1")
		return ok && sel.Model == "x-1"
	}, waitFor, tick)
}

func TestReconnect_RefetchesHistoryWithoutDuplicates(t *testing.T) {
	h := newHarness(t, Config{})
	h.rest.pages = map[string]*api.MessagePage{
		"conv-1": {Messages: []api.MessageRecord{
			{ID: "srv-1", Role: "user", Content: "earlier", CreatedAt: time.Now().Add(-time.Hour)},
		}},
	}

	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 1)
	a.emit(transport.Event{Kind: transport.EventAck, CorrelationID: sent[0].CorrelationID, MessageID: "M1"})
	h.waitMessage(t, "M1", func(m store.Message) bool { return m.Status == store.MessageSent })

	a.drop("connection reset")
	a2 := h.waitAdapter(t, 1)
	a2.ready()
	h.waitConnStatus(t, "conv-1", store.ConnConnected)

	// The resumed connection refetches the newest page; the merge is
	// idempotent against what we already hold.
	h.waitMessage(t, "srv-1", func(m store.Message) bool { return m.Content == "earlier" })
	require.Eventually(t, func() bool { return len(h.st.Messages("conv-1")) == 2 }, waitFor, tick)

	msgs := h.st.Messages("conv-1")
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, "M1", msgs[1].ID)
}

func TestQueuedSends_ReplayInOrderAfterReady(t *testing.T) {
	h := newHarness(t, Config{})

	for _, content := range []string{"one", "two", "three"} {
		_, err := h.ctrl.SendMessage("conv-1", content, nil)
		require.NoError(t, err)
	}

	a := h.waitAdapter(t, 0)
	a.ready()
	sent := waitSent(t, a, 3)
	assert.Equal(t, "one", sent[0].Message)
	assert.Equal(t, "two", sent[1].Message)
	assert.Equal(t, "three", sent[2].Message)
}

func TestDeleteConversation_ServerFirstThenLocal(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.ctrl.SendMessage("conv-1", "Hello", nil)
	require.NoError(t, err)
	a := h.waitAdapter(t, 0)
	a.ready()
	waitSent(t, a, 1)

	require.NoError(t, h.ctrl.DeleteConversation(context.Background(), "conv-1"))
	assert.Equal(t, []string{"conv-1"}, h.rest.deleted)

	require.Eventually(t, func() bool {
		return len(h.st.Conversations()) == 0
	}, waitFor, tick)
}

func TestNewConversation_MirroredLocally(t *testing.T) {
	h := newHarness(t, Config{})

	id, err := h.ctrl.NewConversation(context.Background(), "Planning", "agent-x")
	require.NoError(t, err)
	assert.Equal(t, "conv-new", id)

	require.Eventually(t, func() bool {
		convs := h.st.Conversations()
		return len(convs) == 1 && convs[0].Title == "Planning"
	}, waitFor, tick)
}
