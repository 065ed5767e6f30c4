// ABOUTME: In-memory fan-out notifier for store change events.
// ABOUTME: Publishes per-conversation changes to all subscribers without blocking mutations.

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// AllConversations is the wildcard subscription key. Subscribers on this key
// receive every change, including conversation-list changes.
const AllConversations = "*"

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// ChangeKind classifies what part of a conversation's state changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeFiles         ChangeKind = "files"
	ChangeAgent         ChangeKind = "agent"
	ChangeConnection    ChangeKind = "connection"
)

// Change describes one store mutation. Subscribers re-read a snapshot when a
// change arrives; changes carry no entity data themselves.
type Change struct {
	ConversationID string
	Kind           ChangeKind
}

// Notifier provides in-memory pub/sub for store changes. Subscribers
// register for a conversation ID (or AllConversations) and receive changes
// as mutations land. This lets the UI re-render without polling.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // key -> subID -> ch
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for the default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber for changes on the given key. Returns a
// channel that receives changes and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (n *Notifier) Subscribe(ctx context.Context, key string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	n.mu.Lock()
	if _, ok := n.subscribers[key]; !ok {
		n.subscribers[key] = make(map[string]chan Change)
	}
	n.subscribers[key][subID] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends a change to all subscribers of the given key.
// Non-blocking: changes are dropped for subscribers whose channels are full,
// which is safe because subscribers re-read snapshots rather than relying on
// every individual change.
func (n *Notifier) Publish(key string, change Change) {
	n.mu.RLock()
	subs, ok := n.subscribers[key]
	if !ok || len(subs) == 0 {
		n.mu.RUnlock()
		return
	}
	targets := make([]chan Change, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- change:
			// Sent
		default:
			n.logger.Debug("dropped change for slow subscriber",
				"key", key,
				"kind", change.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(key, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(n.subscribers, key)
	}

	n.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, subs := range n.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(n.subscribers, key)
	}
}
