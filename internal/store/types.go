// ABOUTME: Entity types for the in-memory conversation model.
// ABOUTME: Defines Conversation, Message, FileAttachment, AgentSelection, and ConnectionInfo.

package store

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// MessageStatus tracks a message through its lifecycle.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageFailed    MessageStatus = "failed"
)

// Terminal reports whether the status is an end state for a message.
func (s MessageStatus) Terminal() bool {
	return s == MessageComplete || s == MessageFailed
}

// UploadStatus tracks a file attachment through its upload lifecycle.
type UploadStatus string

const (
	UploadActive UploadStatus = "uploading"
	UploadDone   UploadStatus = "uploaded"
	UploadFailed UploadStatus = "failed"
)

// ConnStatus is the per-conversation connection state machine state.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnStreaming    ConnStatus = "streaming"
	ConnReconnecting ConnStatus = "reconnecting"
	ConnFailed       ConnStatus = "failed"
)

// Conversation is the top-level container for a message history.
// MessageIDs holds message identifiers in stable append order.
type Conversation struct {
	ID           string
	Title        string
	AgentID      string
	LastActivity time.Time
	MessageIDs   []string
	FileIDs      []string
}

// Message is a single user, agent, or system message. Before server
// confirmation the ID is a client-generated temporary identifier; Confirm
// swaps it for the server-assigned one.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Status         MessageStatus
	CreatedAt      time.Time
	FileIDs        []string
	AgentID        string
	FailReason     string
}

// FileAttachment is a file uploaded for use in a conversation.
// ConversationID may be empty for files not bound to a conversation.
type FileAttachment struct {
	ID             string
	ConversationID string
	Filename       string
	Size           int64
	MimeType       string
	Status         UploadStatus
	Progress       int // 0-100, monotonically non-decreasing
	DownloadURL    string
	FailReason     string
}

// AgentSelection is the conversation-scoped active agent. Changing it never
// mutates message history; it only affects subsequent sends.
type AgentSelection struct {
	AgentID      string
	Provider     string
	Model        string
	Capabilities []string
}

// ConnectionInfo is the observable connection state for a conversation.
type ConnectionInfo struct {
	Status    ConnStatus
	Attempts  int
	LastError string
}

// Snapshot is a read-only copy of one conversation's full state, suitable
// for rendering without further synchronization.
type Snapshot struct {
	Conversation Conversation
	Messages     []Message
	Files        []FileAttachment
	Agent        AgentSelection
	Connection   ConnectionInfo
}
