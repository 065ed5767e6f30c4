// ABOUTME: Conversation CRUD and cursor-paginated message history retrieval.
// ABOUTME: Pagination walks backwards with before_message_id and a page size.

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ConversationMeta is the server's view of a conversation.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AgentID      string    `json:"agent_id,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// MessageRecord is one persisted message as returned by the history API.
type MessageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	AgentID        string    `json:"agent_id,omitempty"`
	FileIDs        []string  `json:"file_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessagePage is one page of history, oldest first within the page.
type MessagePage struct {
	Messages []MessageRecord `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// ListConversations returns all conversations visible to the caller.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationMeta, error) {
	var out []ConversationMeta
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates a conversation and returns its metadata.
func (c *Client) CreateConversation(ctx context.Context, title, agentID string) (*ConversationMeta, error) {
	body := map[string]string{"title": title}
	if agentID != "" {
		body["agent_id"] = agentID
	}
	var out ConversationMeta
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateConversation renames a conversation.
func (c *Client) UpdateConversation(ctx context.Context, id, title string) (*ConversationMeta, error) {
	var out ConversationMeta
	path := "/api/conversations/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"title": title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation deletes a conversation server-side. The local model is
// only dropped after this returns without error.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
}

// ListMessages fetches one page of history for a conversation. Pass an empty
// beforeMessageID for the newest page; pass the oldest returned message ID
// to page further back. A limit of zero uses the server default.
func (c *Client) ListMessages(ctx context.Context, convID, beforeMessageID string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if beforeMessageID != "" {
		q.Set("before_message_id", beforeMessageID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(convID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
