// ABOUTME: Stream session token issuing with expiry-aware caching.
// ABOUTME: The token's JWT exp claim decides when to re-issue; the signature is the server's business.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenRefreshMargin re-issues the stream token this long before its expiry
// so a reconnect never dials with a token about to lapse mid-handshake.
const tokenRefreshMargin = 30 * time.Second

// fallbackTokenLifetime is assumed when the token is not a parseable JWT or
// carries no exp claim.
const fallbackTokenLifetime = time.Minute

// StreamToken returns a session token for the streaming endpoint, re-using
// the cached token until shortly before it expires.
func (c *Client) StreamToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streamToken != "" && time.Now().Before(c.streamExpiry.Add(-tokenRefreshMargin)) {
		return c.streamToken, nil
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/stream/token", nil, &out); err != nil {
		return "", err
	}

	c.streamToken = out.Token
	c.streamExpiry = tokenExpiry(out.Token)
	c.logger.Debug("stream token issued", "expires", c.streamExpiry)
	return out.Token, nil
}

// tokenExpiry extracts the exp claim without verifying the signature; only
// the server can verify it, the client just needs to know when to refresh.
func tokenExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Now().Add(fallbackTokenLifetime)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(fallbackTokenLifetime)
	}
	return exp.Time
}
