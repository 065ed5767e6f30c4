// ABOUTME: Store-driven terminal renderer for the interactive client.
// ABOUTME: Prints streamed reply deltas, message failures, upload and connection transitions.

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/loom-client/internal/store"
)

// streamTail tracks how much of the current streaming reply has been
// printed. The store keeps at most one streaming message per conversation,
// so one tail per conversation is enough.
type streamTail struct {
	id      string
	printed int
}

// renderer subscribes to store changes and prints incremental output for
// the active conversation. It never blocks the store: the notifier drops
// on slow consumers, so rendering always reads fresh snapshots.
type renderer struct {
	st *store.Store

	mu        sync.Mutex
	active    string
	tail      streamTail
	failed    map[string]bool
	uploads   map[string]store.UploadStatus
	connState store.ConnStatus
}

func newRenderer(st *store.Store) *renderer {
	return &renderer{
		st:      st,
		failed:  make(map[string]bool),
		uploads: make(map[string]store.UploadStatus),
	}
}

func (r *renderer) setActive(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = convID
	r.tail = streamTail{}
	r.connState = r.st.Connection(convID).Status
}

// watch consumes store changes until ctx is done.
func (r *renderer) watch(ctx context.Context) {
	ch, subID := r.st.Notifier().Subscribe(ctx, store.AllConversations)
	defer r.st.Notifier().Unsubscribe(store.AllConversations, subID)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			r.handle(change)
		}
	}
}

func (r *renderer) handle(change store.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if change.ConversationID != r.active && change.ConversationID != "" {
		return
	}

	switch change.Kind {
	case store.ChangeMessages:
		r.renderMessages()
	case store.ChangeFiles:
		r.renderFiles()
	case store.ChangeConnection:
		r.renderConnection()
	}
}

// renderMessages prints new streamed content and newly failed messages.
func (r *renderer) renderMessages() {
	if r.active == "" {
		return
	}
	msgs := r.st.Messages(r.active)

	var streaming *store.Message
	for i := range msgs {
		m := &msgs[i]
		if m.Status == store.MessageStreaming {
			streaming = m
		}
		if m.Status == store.MessageFailed && !r.failed[m.ID] {
			r.failed[m.ID] = true
			if r.tail.id == m.ID {
				// The failing stream already printed a partial line.
				fmt.Println()
				r.tail = streamTail{}
			}
			color.Red("[failed] %s: %s (/retry %s)", m.Role, m.FailReason, m.ID)
		}
	}

	if streaming != nil {
		if r.tail.id != streaming.ID {
			r.tail = streamTail{id: streaming.ID}
		}
		if delta := streaming.Content[r.tail.printed:]; delta != "" {
			fmt.Print(delta)
			r.tail.printed = len(streaming.Content)
		}
		return
	}

	if r.tail.id == "" {
		return
	}
	// The stream ended; the message was re-keyed on completion, so find the
	// completed reply that extends what was already printed.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != store.RoleAgent || m.Status != store.MessageComplete {
			continue
		}
		if len(m.Content) >= r.tail.printed {
			fmt.Println(m.Content[r.tail.printed:])
		} else {
			fmt.Println()
		}
		break
	}
	r.tail = streamTail{}
}

// renderFiles prints upload completions and failures once each.
func (r *renderer) renderFiles() {
	if r.active == "" {
		return
	}
	for _, f := range r.st.Files(r.active) {
		prev, seen := r.uploads[f.ID]
		if seen && prev == f.Status {
			continue
		}
		r.uploads[f.ID] = f.Status
		switch f.Status {
		case store.UploadDone:
			color.Green("[upload] %s done (%s)", f.Filename, f.ID)
		case store.UploadFailed:
			color.Red("[upload] %s failed: %s", f.Filename, f.FailReason)
		}
	}
}

// renderConnection prints connection state transitions for the active
// conversation.
func (r *renderer) renderConnection() {
	if r.active == "" {
		return
	}
	info := r.st.Connection(r.active)
	if info.Status == r.connState {
		return
	}
	r.connState = info.Status

	gray := color.New(color.FgHiBlack)
	switch info.Status {
	case store.ConnConnected:
		gray.Println("· connected")
	case store.ConnReconnecting:
		gray.Printf("· reconnecting (attempt %d): %s\n", info.Attempts, info.LastError)
	case store.ConnFailed:
		color.Red("· connection failed: %s (/reconnect to retry)", info.LastError)
	case store.ConnDisconnected:
		gray.Println("· disconnected")
	}
}
