// ABOUTME: Tests for the agent registry cache and refresh behavior.
// ABOUTME: A fake lister scripts fetch results and failures.

package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-client/internal/api"
)

type fakeLister struct {
	records []api.AgentRecord
	err     error
	calls   int
}

func (f *fakeLister) ListAgents(context.Context) ([]api.AgentRecord, error) {
	f.calls++
	return f.records, f.err
}

func TestRegistry_RefreshAndLookup(t *testing.T) {
	lister := &fakeLister{records: []api.AgentRecord{
		{ID: "agent-1", Name: "Researcher", Provider: "anthropic", Model: "large"},
		{ID: "agent-2", Name: "Coder", Provider: "openai", Model: "small", Capabilities: []string{"tools"}},
	}}
	r := NewRegistry(lister, nil)

	require.NoError(t, r.Refresh(context.Background()))

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "Researcher", all[0].Name)

	info, ok := r.Get("agent-2")
	require.True(t, ok)
	assert.Equal(t, "openai", info.Provider)
	assert.Equal(t, []string{"tools"}, info.Capabilities)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_RefreshErrorKeepsCache(t *testing.T) {
	lister := &fakeLister{records: []api.AgentRecord{{ID: "agent-1", Name: "Researcher"}}}
	r := NewRegistry(lister, nil)
	require.NoError(t, r.Refresh(context.Background()))

	lister.err = errors.New("gateway down")
	err := r.Refresh(context.Background())
	require.Error(t, err)

	// Previous list still served.
	assert.Len(t, r.All(), 1)
}

func TestRegistry_EmptyBeforeRefresh(t *testing.T) {
	r := NewRegistry(&fakeLister{}, nil)
	assert.Empty(t, r.All())
	_, ok := r.Get("agent-1")
	assert.False(t, ok)
}
