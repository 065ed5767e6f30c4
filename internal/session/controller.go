// ABOUTME: Session controller: public command API and the single-goroutine event loop.
// ABOUTME: Owns per-conversation connections and reconciles optimistic state with server events.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-client/internal/agents"
	"github.com/2389/loom-client/internal/api"
	"github.com/2389/loom-client/internal/store"
	"github.com/2389/loom-client/internal/transport"
	"github.com/2389/loom-client/internal/upload"
)

var (
	// ErrEmptyMessage is returned for sends whose content is empty after
	// trimming whitespace.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrNoConversation is returned for commands that need a conversation
	// when none is given.
	ErrNoConversation = errors.New("no conversation selected")

	// ErrUnknownAgent is returned when an agent switch names an agent the
	// registry does not know.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNotRetryable is returned when retrying a message that is not a
	// failed user message.
	ErrNotRetryable = errors.New("message is not retryable")

	// ErrClosed is returned by commands posted after the controller stopped.
	ErrClosed = errors.New("session controller closed")
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultResponseTimeout      = 30 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultReconnectBase        = 500 * time.Millisecond
	defaultReconnectMax         = 15 * time.Second
	defaultHistoryPageSize      = 50

	// seenTTL bounds how long resolved correlation IDs are remembered for
	// duplicate-delivery detection.
	seenTTL     = 10 * time.Minute
	seenMaxSize = 4096
)

// Config tunes connection and reconnection behavior.
type Config struct {
	ConnectTimeout       time.Duration
	ResponseTimeout      time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	HistoryPageSize      int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = defaultResponseTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = defaultHistoryPageSize
	}
	return c
}

// ConversationAPI is the slice of the REST client the controller needs for
// conversation lifecycle and history.
type ConversationAPI interface {
	ListMessages(ctx context.Context, convID, beforeMessageID string, limit int) (*api.MessagePage, error)
	CreateConversation(ctx context.Context, title, agentID string) (*api.ConversationMeta, error)
	DeleteConversation(ctx context.Context, id string) error
}

// UploadManager is the slice of the upload tracker the controller needs.
type UploadManager interface {
	Start(convID string, specs []upload.FileSpec) ([]string, error)
	Cancel(id string) bool
	CancelConversation(convID string) int
	SurviveSwitch() bool
}

// Controller drives all conversations' live connections from one loop
// goroutine. Public methods validate synchronously where they can, then
// post work to the loop; everything that touches connection state runs
// there.
type Controller struct {
	store    *store.Store
	dial     transport.Dialer
	rest     ConversationAPI
	uploads  UploadManager
	registry *agents.Registry
	cfg      Config
	logger   *slog.Logger

	loop chan func()
	done chan struct{}

	stopOnce sync.Once

	// loop-owned state below; never touched off-loop.
	conns    map[string]*conn
	active   string
	acked    *seenCache // correlation IDs whose ack was applied
	resolved *seenCache // correlation IDs whose turn reached a terminal state
	issueSeq int
}

// New creates a controller. Run must be called before commands take effect.
func New(st *store.Store, dial transport.Dialer, rest ConversationAPI, uploads UploadManager, registry *agents.Registry, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    st,
		dial:     dial,
		rest:     rest,
		uploads:  uploads,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "session"),
		loop:     make(chan func(), 256),
		done:     make(chan struct{}),
		conns:    make(map[string]*conn),
		acked:    newSeenCache(seenTTL, seenMaxSize),
		resolved: newSeenCache(seenTTL, seenMaxSize),
	}
}

// Run executes the event loop until ctx is cancelled. It must be called
// exactly once.
func (c *Controller) Run(ctx context.Context) {
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.loop:
			fn()
		}
	}
}

// shutdown tears down every live connection and marks the loop stopped.
func (c *Controller) shutdown() {
	c.stopOnce.Do(func() { close(c.done) })

	// Drain commands already posted so their callers are not left hanging,
	// then tear down.
	for {
		select {
		case fn := <-c.loop:
			fn()
			continue
		default:
		}
		break
	}
	for _, cn := range c.conns {
		cn.stopConnectTimer()
		for _, ps := range cn.inflight {
			ps.stopTimer()
		}
		if cn.adapter != nil {
			cn.adapter.Close()
			cn.adapter = nil
		}
		cn.gen++
		c.setState(cn, store.ConnDisconnected)
	}
	c.logger.Info("session controller stopped")
}

// post hands fn to the loop goroutine. Returns false once the controller
// has stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.loop <- fn:
		return true
	case <-c.done:
		return false
	}
}

// SendMessage optimistically appends a user message and dispatches it over
// the conversation's live channel, connecting first if needed. The returned
// ID is the message's temporary store key until the server acknowledges it.
func (c *Controller) SendMessage(convID, content string, fileIDs []string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if convID == "" {
		return "", ErrNoConversation
	}

	ps := &pendingSend{
		correlationID: uuid.New().String(),
		tempID:        "tmp-" + uuid.New().String(),
		convID:        convID,
		content:       content,
		fileIDs:       append([]string(nil), fileIDs...),
	}
	if !c.post(func() { c.handleSend(ps) }) {
		return "", ErrClosed
	}
	return ps.tempID, nil
}

// RetryMessage re-sends a failed message as a brand-new send with a fresh
// temporary ID and correlation ID. The failed original stays in the
// history. Retrying a failed partial agent reply re-sends the user message
// that prompted it.
func (c *Controller) RetryMessage(messageID string) (string, error) {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return "", err
	}
	if msg.Status != store.MessageFailed {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRetryable, messageID, msg.Status)
	}
	if msg.Role == store.RoleAgent {
		prompt, ok := c.promptFor(msg)
		if !ok {
			return "", fmt.Errorf("%w: no user message precedes %s", ErrNotRetryable, messageID)
		}
		msg = prompt
	} else if msg.Role != store.RoleUser {
		return "", fmt.Errorf("%w: %s is a %s message", ErrNotRetryable, messageID, msg.Role)
	}
	return c.SendMessage(msg.ConversationID, msg.Content, msg.FileIDs)
}

// promptFor finds the user message closest before the given agent message
// in conversation order.
func (c *Controller) promptFor(agentMsg store.Message) (store.Message, bool) {
	msgs := c.store.Messages(agentMsg.ConversationID)
	at := -1
	for i := range msgs {
		if msgs[i].ID == agentMsg.ID {
			at = i
			break
		}
	}
	for i := at - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleUser {
			return msgs[i], true
		}
	}
	return store.Message{}, false
}

// SwitchConversation makes convID the active conversation. Work queued for
// the previous conversation is cancelled, its connection is released, and a
// history fetch for the new conversation starts in the background.
func (c *Controller) SwitchConversation(convID string) error {
	if convID == "" {
		return ErrNoConversation
	}
	if !c.post(func() { c.handleSwitch(convID) }) {
		return ErrClosed
	}
	return nil
}

// SwitchAgent selects the agent used for subsequent sends in the
// conversation. In-flight turns keep streaming from the previous agent.
func (c *Controller) SwitchAgent(convID, agentID string) error {
	if convID == "" {
		return ErrNoConversation
	}
	sel := store.AgentSelection{AgentID: agentID}
	if c.registry != nil {
		info, ok := c.registry.Get(agentID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		sel.Provider = info.Provider
		sel.Model = info.Model
		sel.Capabilities = append([]string(nil), info.Capabilities...)
	}
	if !c.post(func() { c.store.SetActiveAgent(convID, sel) }) {
		return ErrClosed
	}
	return nil
}

// RetryConnection resets the reconnect budget and dials again. Meant for
// the failed state, it is also safe to call while disconnected.
func (c *Controller) RetryConnection(convID string) error {
	if convID == "" {
		return ErrNoConversation
	}
	if !c.post(func() { c.handleRetryConnection(convID) }) {
		return ErrClosed
	}
	return nil
}

// UploadFiles starts independent background uploads for the conversation.
// Validation failures reject the whole batch before anything starts.
func (c *Controller) UploadFiles(convID string, specs []upload.FileSpec) ([]string, error) {
	if convID == "" {
		return nil, ErrNoConversation
	}
	return c.uploads.Start(convID, specs)
}

// CancelUpload cancels one in-progress upload.
func (c *Controller) CancelUpload(fileID string) bool {
	return c.uploads.Cancel(fileID)
}

// NewConversation creates a conversation server-side, mirrors it locally,
// and returns its ID. It does not switch to it.
func (c *Controller) NewConversation(ctx context.Context, title, agentID string) (string, error) {
	meta, err := c.rest.CreateConversation(ctx, title, agentID)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	c.post(func() {
		c.store.UpsertConversation(store.Conversation{
			ID:           meta.ID,
			Title:        meta.Title,
			AgentID:      meta.AgentID,
			LastActivity: meta.LastActivity,
		})
	})
	return meta.ID, nil
}

// DeleteConversation deletes a conversation server-side and, only after
// that succeeds, releases its connection and drops the local model.
func (c *Controller) DeleteConversation(ctx context.Context, convID string) error {
	if err := c.rest.DeleteConversation(ctx, convID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	c.post(func() { c.handleDelete(convID) })
	return nil
}

// RefreshAgents reloads the agent registry from the server.
func (c *Controller) RefreshAgents(ctx context.Context) error {
	if c.registry == nil {
		return nil
	}
	return c.registry.Refresh(ctx)
}

// FetchOlderMessages loads one more page of history before the given
// message ID and merges it into the conversation. Returns whether more
// pages remain.
func (c *Controller) FetchOlderMessages(ctx context.Context, convID, beforeMessageID string) (bool, error) {
	page, err := c.rest.ListMessages(ctx, convID, beforeMessageID, c.cfg.HistoryPageSize)
	if err != nil {
		return false, fmt.Errorf("fetch history: %w", err)
	}
	c.post(func() { c.mergeHistory(convID, page) })
	return page.HasMore, nil
}
