// ABOUTME: Provider API key management: save, list, delete, set default.
// ABOUTME: Key material is write-only; listings return metadata without secrets.

package api

import (
	"context"
	"net/http"
	"net/url"
)

// APIKey is the metadata for a stored provider credential. The secret
// itself is never returned by the server.
type APIKey struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Label     string `json:"label,omitempty"`
	IsDefault bool   `json:"is_default"`
}

// SaveAPIKey stores a provider credential and returns its metadata.
func (c *Client) SaveAPIKey(ctx context.Context, provider, label, secret string) (*APIKey, error) {
	body := map[string]string{
		"provider": provider,
		"label":    label,
		"secret":   secret,
	}
	var out APIKey
	if err := c.do(ctx, http.MethodPost, "/api/keys", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAPIKeys returns all stored key metadata.
func (c *Client) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	var out []APIKey
	if err := c.do(ctx, http.MethodGet, "/api/keys", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAPIKey removes a stored key.
func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/keys/"+url.PathEscape(id), nil, nil)
}

// SetDefaultAPIKey marks a key as the default for its provider.
func (c *Client) SetDefaultAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/api/keys/"+url.PathEscape(id)+"/default", nil, nil)
}
