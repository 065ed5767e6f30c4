// ABOUTME: Selectable agent listing from the gateway.
// ABOUTME: Agent metadata feeds the read-only agent registry.

package api

import (
	"context"
	"net/http"
)

// AgentRecord describes one selectable agent backend.
type AgentRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ListAgents returns the agents currently selectable for conversations.
func (c *Client) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	var out []AgentRecord
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
