// ABOUTME: Loop-side handlers: dialing, send dispatch, ack/chunk reconciliation,
// ABOUTME: drop recovery with backoff, timeouts, and conversation switching.

package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/2389/loom-client/internal/api"
	"github.com/2389/loom-client/internal/store"
	"github.com/2389/loom-client/internal/transport"
)

const (
	reasonConnectionLost   = "connection lost mid-stream"
	reasonConnectionFailed = "connection failed"
	reasonResponseTimeout  = "timed out waiting for response"
	reasonSwitchCancelled  = "cancelled by conversation switch"
	historyFetchTimeout    = 15 * time.Second
)

func (c *Controller) connFor(convID string) *conn {
	cn, ok := c.conns[convID]
	if !ok {
		cn = newConn(convID)
		c.conns[convID] = cn
	}
	return cn
}

func (c *Controller) setState(cn *conn, st store.ConnStatus) {
	if cn.state == st {
		return
	}
	c.logger.Debug("connection state change",
		"conversation_id", cn.convID, "from", string(cn.state), "to", string(st))
	cn.state = st
	c.store.SetConnection(cn.convID, store.ConnectionInfo{
		Status:    st,
		Attempts:  cn.attempts,
		LastError: cn.lastError,
	})
}

// handleSend appends the optimistic message and either dispatches it right
// away or queues it behind the connection attempt.
func (c *Controller) handleSend(ps *pendingSend) {
	cn := c.connFor(ps.convID)
	c.store.EnsureConversation(ps.convID)

	if sel, ok := c.store.ActiveAgent(ps.convID); ok {
		ps.agentID = sel.AgentID
	}
	c.issueSeq++
	ps.issue = c.issueSeq

	if err := c.store.AppendMessage(store.Message{
		ID:             ps.tempID,
		ConversationID: ps.convID,
		Role:           store.RoleUser,
		Content:        ps.content,
		Status:         store.MessagePending,
		CreatedAt:      time.Now(),
		FileIDs:        append([]string(nil), ps.fileIDs...),
		AgentID:        ps.agentID,
	}); err != nil {
		c.logger.Error("optimistic append failed", "temp_id", ps.tempID, "error", err)
		return
	}

	if cn.live() {
		c.dispatch(cn, ps)
		return
	}

	cn.queue = append(cn.queue, ps)
	switch cn.state {
	case store.ConnDisconnected:
		c.connect(cn)
	case store.ConnFailed:
		// A new send is a user action: it earns a fresh reconnect budget.
		cn.attempts = 0
		cn.lastError = ""
		c.connect(cn)
	}
}

// connect dials a fresh adapter. Each attempt gets its own generation so
// events from abandoned adapters are discarded.
func (c *Controller) connect(cn *conn) {
	cn.gen++
	gen := cn.gen
	adapter := c.dial(cn.convID)
	cn.adapter = adapter
	c.setState(cn, store.ConnConnecting)

	cn.stopConnectTimer()
	cn.connectTimer = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.post(func() { c.handleConnectTimeout(cn, gen) })
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()
		err := adapter.Connect(ctx)
		c.post(func() { c.handleDialed(cn, gen, adapter, err) })
	}()
}

func (c *Controller) handleDialed(cn *conn, gen int, adapter transport.Adapter, err error) {
	if cn.gen != gen {
		adapter.Close()
		return
	}
	if err != nil {
		cn.stopConnectTimer()
		cn.adapter = nil
		if errors.Is(err, transport.ErrHandshake) {
			c.logger.Warn("handshake rejected", "conversation_id", cn.convID, "error", err)
			c.failConn(cn, err.Error())
			return
		}
		c.scheduleReconnect(cn, err.Error())
		return
	}

	// Connected at the transport level; readiness arrives as an event.
	go func() {
		for ev := range adapter.Events() {
			ev := ev
			c.post(func() { c.handleEvent(cn, gen, ev) })
		}
	}()
}

func (c *Controller) handleConnectTimeout(cn *conn, gen int) {
	if cn.gen != gen || cn.state != store.ConnConnecting {
		return
	}
	c.logger.Warn("connect timed out", "conversation_id", cn.convID)
	c.teardownAdapter(cn)
	c.scheduleReconnect(cn, "connect timed out")
}

func (c *Controller) handleEvent(cn *conn, gen int, ev transport.Event) {
	if cn.gen != gen {
		return
	}
	switch ev.Kind {
	case transport.EventReady:
		c.handleReady(cn)
	case transport.EventAck:
		c.handleAck(cn, ev)
	case transport.EventChunk:
		c.handleChunk(cn, ev)
	case transport.EventError:
		c.handleServerError(cn, ev)
	case transport.EventClosed:
		c.handleDrop(cn, ev.Err)
	}
}

func (c *Controller) handleReady(cn *conn) {
	cn.stopConnectTimer()
	resumed := cn.attempts > 0
	cn.attempts = 0
	cn.lastError = ""
	c.setState(cn, store.ConnConnected)
	c.logger.Info("connection ready", "conversation_id", cn.convID, "resumed", resumed)

	// Replay everything that queued up while the channel was down, in
	// original issuance order.
	queued := cn.queue
	cn.queue = nil
	for _, ps := range queued {
		c.dispatch(cn, ps)
	}

	if resumed {
		// The server may have persisted messages we never saw. The merge is
		// idempotent, so refetching the newest page is safe.
		c.fetchHistory(cn.convID)
	}
}

// dispatch hands one send to the adapter and arms its response timer.
func (c *Controller) dispatch(cn *conn, ps *pendingSend) {
	err := cn.adapter.Send(context.Background(), &transport.SendCommand{
		CorrelationID:  ps.correlationID,
		ConversationID: ps.convID,
		Message:        ps.content,
		AgentID:        ps.agentID,
		FileIDs:        ps.fileIDs,
	})
	if err != nil {
		// The adapter is gone; the closed event will trigger recovery and
		// replay this send.
		c.logger.Warn("dispatch failed, re-queueing",
			"conversation_id", ps.convID, "correlation_id", ps.correlationID, "error", err)
		cn.queue = append(cn.queue, ps)
		return
	}

	cn.inflight[ps.correlationID] = ps
	corrID := ps.correlationID
	ps.timeout = time.AfterFunc(c.cfg.ResponseTimeout, func() {
		c.post(func() { c.handleResponseTimeout(cn, corrID) })
	})
}

// handleAck swaps the optimistic message's temp ID for the server ID.
// Order in the conversation never changes. Duplicate acks are dropped.
func (c *Controller) handleAck(cn *conn, ev transport.Event) {
	if c.acked.SeenOrMark(ev.CorrelationID) {
		c.logger.Debug("duplicate ack dropped", "correlation_id", ev.CorrelationID)
		return
	}
	ps, ok := cn.inflight[ev.CorrelationID]
	if !ok {
		c.logger.Warn("ack for unknown send", "correlation_id", ev.CorrelationID)
		return
	}
	ps.acked = true
	ps.messageID = ev.MessageID
	if err := c.store.ConfirmMessage(ps.tempID, ev.MessageID); err != nil {
		c.logger.Error("confirm failed",
			"temp_id", ps.tempID, "message_id", ev.MessageID, "error", err)
	}
}

// handleChunk appends one streamed increment to the turn's agent message.
// The first chunk of a turn creates the message and disarms the send's
// response timer; duplicates are dropped by sequence number.
func (c *Controller) handleChunk(cn *conn, ev transport.Event) {
	corrID := ev.CorrelationID
	if c.resolved.Seen(corrID) {
		c.logger.Debug("chunk for resolved turn dropped", "correlation_id", corrID)
		return
	}

	tn, ok := cn.turns[corrID]
	if !ok {
		tn = &turn{correlationID: corrID, lastSeq: -1}
		cn.turns[corrID] = tn
		if ps, inflight := cn.inflight[corrID]; inflight {
			ps.gotChunk = true
			ps.stopTimer()
		}
	}

	if seq := ev.Seq(); seq >= 0 {
		if seq <= tn.lastSeq {
			c.logger.Debug("duplicate chunk dropped",
				"correlation_id", corrID, "seq", seq, "last_seq", tn.lastSeq)
			return
		}
		tn.lastSeq = seq
	}

	if ev.Content != "" {
		if _, err := c.store.AppendChunk(cn.convID, corrID, ev.Content); err != nil {
			c.logger.Warn("chunk rejected", "correlation_id", corrID, "error", err)
			return
		}
	} else if !ev.IsComplete {
		return
	}
	c.setState(cn, store.ConnStreaming)

	if ev.IsComplete {
		c.finishTurn(cn, corrID, ev.FinalMessageID())
	}
}

// finishTurn marks the streamed message complete and retires the turn.
func (c *Controller) finishTurn(cn *conn, corrID, finalID string) {
	if err := c.store.CompleteStreaming(cn.convID, corrID, finalID); err != nil {
		c.logger.Warn("complete failed", "correlation_id", corrID, "error", err)
	}
	c.retireTurn(cn, corrID)
	if len(cn.turns) == 0 && cn.state == store.ConnStreaming {
		c.setState(cn, store.ConnConnected)
	}
}

// retireTurn removes all tracking for a correlation ID and remembers it so
// late duplicate deliveries are discarded.
func (c *Controller) retireTurn(cn *conn, corrID string) {
	if ps, ok := cn.inflight[corrID]; ok {
		ps.stopTimer()
		delete(cn.inflight, corrID)
	}
	delete(cn.turns, corrID)
	c.resolved.Mark(corrID)
}

// handleServerError resolves a correlation-scoped error against its send or
// turn; errors without a correlation ID mean the connection itself is bad.
func (c *Controller) handleServerError(cn *conn, ev transport.Event) {
	if ev.CorrelationID == "" {
		c.logger.Warn("server connection error",
			"conversation_id", cn.convID, "code", ev.Code, "error", ev.Err)
		// The connection itself is bad: recover exactly like a drop, so
		// in-progress turns fail visibly and un-acked sends are requeued
		// before the reconnect.
		reason := ev.Err
		if reason == "" {
			reason = "server error"
		}
		c.handleDrop(cn, reason)
		return
	}

	corrID := ev.CorrelationID
	if c.resolved.Seen(corrID) {
		return
	}
	c.logger.Warn("server rejected send",
		"conversation_id", cn.convID, "correlation_id", corrID, "code", ev.Code, "error", ev.Err)

	if _, streaming := cn.turns[corrID]; streaming {
		// The reply died mid-stream; the user's message stays sent.
		c.failStreaming(cn, corrID, ev.Err)
	} else if ps, ok := cn.inflight[corrID]; ok {
		c.store.FailMessage(ps.uiID(), ev.Err)
	}
	c.retireTurn(cn, corrID)
	if len(cn.turns) == 0 && cn.state == store.ConnStreaming {
		c.setState(cn, store.ConnConnected)
	}
}

// failStreaming marks the partial agent message for a turn as failed.
func (c *Controller) failStreaming(cn *conn, corrID, reason string) {
	if err := c.store.FailMessage(corrID, reason); err != nil {
		c.logger.Debug("fail streaming message", "correlation_id", corrID, "error", err)
	}
}

func (c *Controller) handleResponseTimeout(cn *conn, corrID string) {
	ps, ok := cn.inflight[corrID]
	if !ok || ps.gotChunk {
		return
	}
	c.logger.Warn("response timed out",
		"conversation_id", cn.convID, "correlation_id", corrID)
	c.store.FailMessage(ps.uiID(), reasonResponseTimeout)
	c.retireTurn(cn, corrID)
}

// handleDrop recovers from an unexpected connection loss: partial streams
// fail with a retryable reason, un-acked sends return to the queue, and a
// reconnect is scheduled when there is work or the conversation is active.
func (c *Controller) handleDrop(cn *conn, reason string) {
	if reason == "" {
		reason = "connection lost"
	}
	c.logger.Warn("connection dropped", "conversation_id", cn.convID, "reason", reason)
	c.teardownAdapter(cn)

	for corrID := range cn.turns {
		c.failStreaming(cn, corrID, reasonConnectionLost)
		c.resolved.Mark(corrID)
		delete(cn.turns, corrID)
	}

	// Un-acked sends replay after reconnect; the correlation ID doubles as
	// an idempotency key server-side, so a send whose ack was lost is not
	// duplicated. Acked sends already live on the server and just wait.
	var replay []*pendingSend
	for corrID, ps := range cn.inflight {
		if ps.acked {
			continue
		}
		ps.stopTimer()
		delete(cn.inflight, corrID)
		replay = append(replay, ps)
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].issue < replay[j].issue })
	cn.queue = append(replay, cn.queue...)

	if cn.idle() && cn.convID != c.active {
		cn.lastError = reason
		c.setState(cn, store.ConnDisconnected)
		return
	}
	c.scheduleReconnect(cn, reason)
}

// scheduleReconnect books the next dial with full-jitter backoff, or parks
// the connection in the failed state once the budget is spent.
func (c *Controller) scheduleReconnect(cn *conn, reason string) {
	cn.lastError = reason
	if cn.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Error("reconnect budget exhausted",
			"conversation_id", cn.convID, "attempts", cn.attempts, "error", reason)
		c.failConn(cn, reason)
		return
	}

	delay := transport.Backoff(cn.attempts, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	cn.attempts++
	c.setState(cn, store.ConnReconnecting)
	c.logger.Info("reconnecting",
		"conversation_id", cn.convID, "attempt", cn.attempts, "delay", delay)

	gen := cn.gen
	time.AfterFunc(delay, func() {
		c.post(func() {
			if cn.gen != gen || cn.state != store.ConnReconnecting {
				return
			}
			c.connect(cn)
		})
	})
}

// failConn parks the connection in the failed state and fails every send
// that was waiting on it. Only an explicit user action leaves this state.
func (c *Controller) failConn(cn *conn, reason string) {
	cn.lastError = reason
	c.setState(cn, store.ConnFailed)

	pending := cn.queue
	cn.queue = nil
	for _, ps := range pending {
		c.store.FailMessage(ps.uiID(), reasonConnectionFailed+": "+reason)
		c.resolved.Mark(ps.correlationID)
	}
	for corrID, ps := range cn.inflight {
		ps.stopTimer()
		if !ps.acked {
			c.store.FailMessage(ps.uiID(), reasonConnectionFailed+": "+reason)
		}
		c.resolved.Mark(corrID)
		delete(cn.inflight, corrID)
	}
}

func (c *Controller) handleRetryConnection(convID string) {
	cn := c.connFor(convID)
	switch cn.state {
	case store.ConnFailed, store.ConnDisconnected:
		cn.attempts = 0
		cn.lastError = ""
		c.connect(cn)
	default:
		c.logger.Debug("retry ignored, connection busy",
			"conversation_id", convID, "state", string(cn.state))
	}
}

// teardownAdapter closes the adapter and bumps the generation so anything
// still in flight from it is discarded.
func (c *Controller) teardownAdapter(cn *conn) {
	cn.stopConnectTimer()
	if cn.adapter != nil {
		cn.adapter.Close()
		cn.adapter = nil
	}
	cn.gen++
}

// handleSwitch changes the active conversation. The previous conversation's
// queued work is cancelled, its connection released, and a fresh history
// page for the target is fetched in the background. Switching never dials
// by itself; the next send does.
func (c *Controller) handleSwitch(convID string) {
	prev := c.active
	if prev == convID {
		return
	}
	c.active = convID
	c.store.EnsureConversation(convID)

	if prev != "" {
		if pc, ok := c.conns[prev]; ok {
			c.releaseConn(pc)
		}
		if !c.uploads.SurviveSwitch() {
			if n := c.uploads.CancelConversation(prev); n > 0 {
				c.logger.Info("cancelled uploads on switch", "conversation_id", prev, "count", n)
			}
		}
	}

	c.fetchHistory(convID)
}

// releaseConn cancels queued and un-acked work and drops the live channel.
// Acked sends are already on the server and keep their sent status.
func (c *Controller) releaseConn(cn *conn) {
	for _, ps := range cn.queue {
		c.store.FailMessage(ps.uiID(), reasonSwitchCancelled)
		c.resolved.Mark(ps.correlationID)
	}
	cn.queue = nil

	for corrID := range cn.turns {
		c.failStreaming(cn, corrID, reasonSwitchCancelled)
		c.resolved.Mark(corrID)
		delete(cn.turns, corrID)
	}
	for corrID, ps := range cn.inflight {
		ps.stopTimer()
		if !ps.acked {
			c.store.FailMessage(ps.uiID(), reasonSwitchCancelled)
		}
		c.resolved.Mark(corrID)
		delete(cn.inflight, corrID)
	}

	c.teardownAdapter(cn)
	cn.attempts = 0
	cn.lastError = ""
	c.setState(cn, store.ConnDisconnected)
}

func (c *Controller) handleDelete(convID string) {
	if cn, ok := c.conns[convID]; ok {
		c.releaseConn(cn)
		delete(c.conns, convID)
	}
	if err := c.store.DeleteConversation(convID); err != nil {
		c.logger.Debug("local delete", "conversation_id", convID, "error", err)
	}
	if c.active == convID {
		c.active = ""
	}
}

// fetchHistory loads the newest history page in the background and merges
// it on the loop.
func (c *Controller) fetchHistory(convID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyFetchTimeout)
		defer cancel()
		page, err := c.rest.ListMessages(ctx, convID, "", c.cfg.HistoryPageSize)
		if err != nil {
			c.logger.Warn("history fetch failed", "conversation_id", convID, "error", err)
			return
		}
		c.post(func() { c.mergeHistory(convID, page) })
	}()
}

func (c *Controller) mergeHistory(convID string, page *api.MessagePage) {
	if page == nil || len(page.Messages) == 0 {
		return
	}
	history := make([]store.Message, 0, len(page.Messages))
	for _, rec := range page.Messages {
		status := store.MessageComplete
		if store.Role(rec.Role) == store.RoleUser {
			status = store.MessageSent
		}
		history = append(history, store.Message{
			ID:             rec.ID,
			ConversationID: convID,
			Role:           store.Role(rec.Role),
			Content:        rec.Content,
			Status:         status,
			CreatedAt:      rec.CreatedAt,
			FileIDs:        rec.FileIDs,
			AgentID:        rec.AgentID,
		})
	}
	c.store.MergeHistory(convID, history)
}
