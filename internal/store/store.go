// ABOUTME: Store is the single mutation choke point for all conversation state.
// ABOUTME: Enforces reconciliation, ordering, streaming, and upload-progress invariants.

package store

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateID indicates an entity with the same ID already exists.
var ErrDuplicateID = errors.New("duplicate id")

// ErrStreamingConflict indicates a second message tried to enter the
// streaming state while another message in the conversation is streaming.
var ErrStreamingConflict = errors.New("conversation already has a streaming message")

// ErrTerminalState indicates a mutation targeted an entity already in a
// terminal state.
var ErrTerminalState = errors.New("entity is in a terminal state")

// Store is the authoritative in-memory model. All methods are safe for
// concurrent use; uploads report progress from their own goroutines while
// the session controller reconciles transport events.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	files         map[string]*FileAttachment
	agents        map[string]AgentSelection
	connections   map[string]ConnectionInfo

	notifier *Notifier
	logger   *slog.Logger
}

// New creates an empty Store. Pass nil logger for the default.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		files:         make(map[string]*FileAttachment),
		agents:        make(map[string]AgentSelection),
		connections:   make(map[string]ConnectionInfo),
		notifier:      NewNotifier(logger),
		logger:        logger.With("component", "store"),
	}
}

// Notifier returns the change notifier for snapshot subscriptions.
func (s *Store) Notifier() *Notifier { return s.notifier }

// EnsureConversation returns the conversation with the given ID, creating an
// empty one if it does not exist yet.
func (s *Store) EnsureConversation(id string) Conversation {
	s.mu.Lock()
	conv, created := s.ensureLocked(id)
	out := cloneConversation(conv)
	s.mu.Unlock()

	if created {
		s.notify(id, ChangeConversations)
	}
	return out
}

// ensureLocked returns the conversation, creating it if missing.
// Must be called with mu held.
func (s *Store) ensureLocked(id string) (*Conversation, bool) {
	if conv, ok := s.conversations[id]; ok {
		return conv, false
	}
	conv := &Conversation{ID: id, LastActivity: time.Now()}
	s.conversations[id] = conv
	return conv, true
}

// UpsertConversation merges server-provided conversation metadata. Local
// message order is preserved; only title, agent, and activity are updated.
func (s *Store) UpsertConversation(meta Conversation) {
	s.mu.Lock()
	conv, _ := s.ensureLocked(meta.ID)
	if meta.Title != "" {
		conv.Title = meta.Title
	}
	if meta.AgentID != "" {
		conv.AgentID = meta.AgentID
	}
	if !meta.LastActivity.IsZero() && meta.LastActivity.After(conv.LastActivity) {
		conv.LastActivity = meta.LastActivity
	}
	s.mu.Unlock()

	s.notify(meta.ID, ChangeConversations)
}

// DeleteConversation removes a conversation and everything it owns. Called
// only after the server confirms the delete.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for _, msgID := range conv.MessageIDs {
		delete(s.messages, msgID)
	}
	for _, fileID := range conv.FileIDs {
		delete(s.files, fileID)
	}
	delete(s.conversations, id)
	delete(s.agents, id)
	delete(s.connections, id)
	s.mu.Unlock()

	s.notify(id, ChangeConversations)
	return nil
}

// Conversations returns copies of all conversations, most recently active
// first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, cloneConversation(conv))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// AppendMessage adds a new message at the end of its conversation's order.
// Returns ErrDuplicateID if the ID is already known, ErrStreamingConflict if
// the message is streaming and another streaming message exists.
func (s *Store) AppendMessage(msg Message) error {
	s.mu.Lock()
	if _, exists := s.messages[msg.ID]; exists {
		s.mu.Unlock()
		return ErrDuplicateID
	}
	if msg.Status == MessageStreaming {
		if other := s.streamingLocked(msg.ConversationID); other != "" {
			s.mu.Unlock()
			return ErrStreamingConflict
		}
	}
	conv, _ := s.ensureLocked(msg.ConversationID)
	stored := msg
	stored.FileIDs = append([]string(nil), msg.FileIDs...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.messages[msg.ID] = &stored
	conv.MessageIDs = append(conv.MessageIDs, msg.ID)
	conv.LastActivity = stored.CreatedAt
	s.mu.Unlock()

	s.notify(msg.ConversationID, ChangeMessages)
	return nil
}

// ConfirmMessage atomically swaps a temporary message ID for the
// server-assigned one and marks the message sent. The message keeps its
// position in the conversation order; the temporary ID is no longer
// resolvable afterwards. If the server ID is already present locally (for
// example after a history merge), the temporary message is dropped instead
// so the conversation never shows both.
func (s *Store) ConfirmMessage(tempID, serverID string) error {
	s.mu.Lock()
	msg, ok := s.messages[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	convID := msg.ConversationID
	conv := s.conversations[convID]

	if _, exists := s.messages[serverID]; exists {
		delete(s.messages, tempID)
		conv.MessageIDs = removeID(conv.MessageIDs, tempID)
		s.mu.Unlock()
		s.notify(convID, ChangeMessages)
		return nil
	}

	delete(s.messages, tempID)
	msg.ID = serverID
	msg.Status = MessageSent
	msg.FailReason = ""
	s.messages[serverID] = msg
	replaceID(conv.MessageIDs, tempID, serverID)
	s.mu.Unlock()

	s.notify(convID, ChangeMessages)
	return nil
}

// AppendChunk appends streamed content to the conversation's streaming agent
// message keyed by correlation ID, creating the message on the first chunk.
// Returns whether the message was created by this call.
func (s *Store) AppendChunk(convID, correlationID, content string) (bool, error) {
	s.mu.Lock()
	msg, ok := s.messages[correlationID]
	if ok {
		if msg.Status != MessageStreaming {
			s.mu.Unlock()
			return false, ErrTerminalState
		}
		msg.Content += content
		if conv := s.conversations[convID]; conv != nil {
			conv.LastActivity = time.Now()
		}
		s.mu.Unlock()
		s.notify(convID, ChangeMessages)
		return false, nil
	}

	if other := s.streamingLocked(convID); other != "" {
		s.mu.Unlock()
		return false, ErrStreamingConflict
	}
	conv, _ := s.ensureLocked(convID)
	msg = &Message{
		ID:             correlationID,
		ConversationID: convID,
		Role:           RoleAgent,
		Content:        content,
		Status:         MessageStreaming,
		CreatedAt:      time.Now(),
		AgentID:        conv.AgentID,
	}
	s.messages[correlationID] = msg
	conv.MessageIDs = append(conv.MessageIDs, correlationID)
	conv.LastActivity = msg.CreatedAt
	s.mu.Unlock()

	s.notify(convID, ChangeMessages)
	return true, nil
}

// CompleteStreaming marks the streaming message for a correlation ID
// complete. If the server supplied a final message ID, the message is
// re-keyed to it the same way ConfirmMessage re-keys user messages.
func (s *Store) CompleteStreaming(convID, correlationID, serverID string) error {
	s.mu.Lock()
	msg, ok := s.messages[correlationID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if msg.Status != MessageStreaming {
		s.mu.Unlock()
		return ErrTerminalState
	}
	msg.Status = MessageComplete
	if serverID != "" && serverID != correlationID {
		if _, exists := s.messages[serverID]; !exists {
			delete(s.messages, correlationID)
			msg.ID = serverID
			s.messages[serverID] = msg
			if conv := s.conversations[convID]; conv != nil {
				replaceID(conv.MessageIDs, correlationID, serverID)
			}
		}
	}
	s.mu.Unlock()

	s.notify(convID, ChangeMessages)
	return nil
}

// FailMessage marks a message failed with a visible reason. The message
// identity is never changed; failed messages remain in history.
func (s *Store) FailMessage(id, reason string) error {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if msg.Status == MessageComplete {
		s.mu.Unlock()
		return ErrTerminalState
	}
	msg.Status = MessageFailed
	msg.FailReason = reason
	convID := msg.ConversationID
	s.mu.Unlock()

	s.notify(convID, ChangeMessages)
	return nil
}

// Message returns a copy of the message with the given ID.
func (s *Store) Message(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

// Messages returns copies of a conversation's messages in order.
func (s *Store) Messages(convID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(conv.MessageIDs))
	for _, id := range conv.MessageIDs {
		if msg, ok := s.messages[id]; ok {
			out = append(out, cloneMessage(msg))
		}
	}
	return out
}

// MergeHistory merges a server history page into a conversation without
// duplicating any message whose ID already exists locally. Messages already
// known keep their current positions; new history messages are inserted
// directly after the preceding message of the same page (or at the front
// when the page starts before everything known). The merge is idempotent
// and pages may arrive in any order.
func (s *Store) MergeHistory(convID string, history []Message) {
	s.mu.Lock()
	conv, _ := s.ensureLocked(convID)

	pos := make(map[string]int, len(conv.MessageIDs))
	for i, id := range conv.MessageIDs {
		pos[id] = i
	}

	anchor := -1 // index of the last placed history message
	for i := range history {
		h := history[i]
		if at, exists := pos[h.ID]; exists {
			if at > anchor {
				anchor = at
			}
			continue
		}
		stored := h
		stored.ConversationID = convID
		stored.FileIDs = append([]string(nil), h.FileIDs...)
		s.messages[h.ID] = &stored

		anchor++
		conv.MessageIDs = append(conv.MessageIDs, "")
		copy(conv.MessageIDs[anchor+1:], conv.MessageIDs[anchor:])
		conv.MessageIDs[anchor] = h.ID
		for j := anchor; j < len(conv.MessageIDs); j++ {
			pos[conv.MessageIDs[j]] = j
		}
	}
	s.mu.Unlock()

	s.notify(convID, ChangeMessages)
}

// SetActiveAgent records the conversation-scoped agent selection.
// Message history is never touched by an agent switch.
func (s *Store) SetActiveAgent(convID string, sel AgentSelection) {
	s.mu.Lock()
	conv, _ := s.ensureLocked(convID)
	conv.AgentID = sel.AgentID
	s.agents[convID] = sel
	s.mu.Unlock()

	s.notify(convID, ChangeAgent)
}

// ActiveAgent returns the agent selection for a conversation.
func (s *Store) ActiveAgent(convID string) (AgentSelection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sel, ok := s.agents[convID]
	return sel, ok
}

// AddAttachment registers a new file attachment, typically in the uploading
// state with zero progress.
func (s *Store) AddAttachment(f FileAttachment) error {
	s.mu.Lock()
	if _, exists := s.files[f.ID]; exists {
		s.mu.Unlock()
		return ErrDuplicateID
	}
	stored := f
	s.files[f.ID] = &stored
	if f.ConversationID != "" {
		conv, _ := s.ensureLocked(f.ConversationID)
		conv.FileIDs = append(conv.FileIDs, f.ID)
	}
	s.mu.Unlock()

	s.notify(f.ConversationID, ChangeFiles)
	return nil
}

// SetUploadProgress updates a file's progress. Progress never regresses:
// values at or below the current progress are ignored, values above 100 are
// clamped. Progress updates on terminal attachments are dropped.
func (s *Store) SetUploadProgress(id string, progress int) {
	s.mu.Lock()
	f, ok := s.files[id]
	if !ok || f.Status != UploadActive {
		s.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= f.Progress {
		s.mu.Unlock()
		return
	}
	f.Progress = progress
	convID := f.ConversationID
	s.mu.Unlock()

	s.notify(convID, ChangeFiles)
}

// FinishUpload marks an attachment uploaded, re-keying it to the
// server-assigned file ID and recording the download URL.
func (s *Store) FinishUpload(id, serverID, downloadURL string) error {
	s.mu.Lock()
	f, ok := s.files[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if f.Status != UploadActive {
		s.mu.Unlock()
		return ErrTerminalState
	}
	f.Status = UploadDone
	f.Progress = 100
	f.DownloadURL = downloadURL
	if serverID != "" && serverID != id {
		if _, exists := s.files[serverID]; !exists {
			delete(s.files, id)
			f.ID = serverID
			s.files[serverID] = f
			if conv := s.conversations[f.ConversationID]; conv != nil {
				replaceID(conv.FileIDs, id, serverID)
			}
		}
	}
	convID := f.ConversationID
	s.mu.Unlock()

	s.notify(convID, ChangeFiles)
	return nil
}

// FailUpload marks an attachment failed with a reason. Terminal states are
// immutable, so an already-uploaded or already-failed attachment is left
// alone.
func (s *Store) FailUpload(id, reason string) error {
	s.mu.Lock()
	f, ok := s.files[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if f.Status != UploadActive {
		s.mu.Unlock()
		return ErrTerminalState
	}
	f.Status = UploadFailed
	f.FailReason = reason
	convID := f.ConversationID
	s.mu.Unlock()

	s.notify(convID, ChangeFiles)
	return nil
}

// File returns a copy of the attachment with the given ID.
func (s *Store) File(id string) (FileAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return FileAttachment{}, ErrNotFound
	}
	return cloneFile(f), nil
}

// Files returns copies of a conversation's attachments in attach order.
func (s *Store) Files(convID string) []FileAttachment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return nil
	}
	out := make([]FileAttachment, 0, len(conv.FileIDs))
	for _, id := range conv.FileIDs {
		if f, ok := s.files[id]; ok {
			out = append(out, cloneFile(f))
		}
	}
	return out
}

// SetConnection records the connection state for a conversation.
func (s *Store) SetConnection(convID string, info ConnectionInfo) {
	s.mu.Lock()
	s.connections[convID] = info
	s.mu.Unlock()

	s.notify(convID, ChangeConnection)
}

// Connection returns the connection state for a conversation. Conversations
// with no recorded state are disconnected.
func (s *Store) Connection(convID string) ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.connections[convID]
	if !ok {
		return ConnectionInfo{Status: ConnDisconnected}
	}
	return info
}

// Snapshot returns a deep copy of one conversation's full state.
func (s *Store) Snapshot(convID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap := Snapshot{
		Conversation: cloneConversation(conv),
		Agent:        s.agents[convID],
		Connection:   s.connections[convID],
	}
	if snap.Connection.Status == "" {
		snap.Connection.Status = ConnDisconnected
	}
	snap.Messages = make([]Message, 0, len(conv.MessageIDs))
	for _, id := range conv.MessageIDs {
		if msg, ok := s.messages[id]; ok {
			snap.Messages = append(snap.Messages, cloneMessage(msg))
		}
	}
	snap.Files = make([]FileAttachment, 0, len(conv.FileIDs))
	for _, id := range conv.FileIDs {
		if f, ok := s.files[id]; ok {
			snap.Files = append(snap.Files, cloneFile(f))
		}
	}
	return snap, nil
}

// streamingLocked returns the ID of the streaming message in a conversation,
// or "" if there is none. Must be called with mu held.
func (s *Store) streamingLocked(convID string) string {
	conv, ok := s.conversations[convID]
	if !ok {
		return ""
	}
	for _, id := range conv.MessageIDs {
		if msg, ok := s.messages[id]; ok && msg.Status == MessageStreaming {
			return id
		}
	}
	return ""
}

// notify publishes a change for a conversation key. Conversation-list level
// changes are additionally published under the wildcard key so list views
// can subscribe once.
func (s *Store) notify(convID string, kind ChangeKind) {
	if convID != "" {
		s.notifier.Publish(convID, Change{ConversationID: convID, Kind: kind})
	}
	s.notifier.Publish(AllConversations, Change{ConversationID: convID, Kind: kind})
}

func cloneConversation(c *Conversation) Conversation {
	out := *c
	out.MessageIDs = append([]string(nil), c.MessageIDs...)
	out.FileIDs = append([]string(nil), c.FileIDs...)
	return out
}

func cloneMessage(m *Message) Message {
	out := *m
	out.FileIDs = append([]string(nil), m.FileIDs...)
	return out
}

func cloneFile(f *FileAttachment) FileAttachment {
	return *f
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func replaceID(ids []string, from, to string) {
	for i, v := range ids {
		if v == from {
			ids[i] = to
			return
		}
	}
}
