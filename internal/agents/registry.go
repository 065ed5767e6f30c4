// ABOUTME: Read-only registry of selectable agents, refreshed on demand.
// ABOUTME: Selection itself is a store mutation; the registry only answers who exists.

// Package agents caches the gateway's selectable agent list. The registry
// is a read-only input to the session controller: switching agents never
// requires a round trip, only a lookup here and a local selection change.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/loom-client/internal/api"
)

// Lister fetches the agent list; implemented by the api client.
type Lister interface {
	ListAgents(ctx context.Context) ([]api.AgentRecord, error)
}

// Info describes one selectable agent.
type Info struct {
	ID           string
	Name         string
	Provider     string
	Model        string
	Capabilities []string
}

// Registry holds the cached agent list.
type Registry struct {
	lister Lister
	logger *slog.Logger

	mu     sync.RWMutex
	agents []Info
	byID   map[string]Info
}

// NewRegistry creates an empty registry. Call Refresh to populate it.
func NewRegistry(lister Lister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lister: lister,
		logger: logger.With("component", "agents"),
		byID:   make(map[string]Info),
	}
}

// Refresh replaces the cached list with a fresh fetch. On error the previous
// cache is kept.
func (r *Registry) Refresh(ctx context.Context) error {
	records, err := r.lister.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("refreshing agents: %w", err)
	}

	agents := make([]Info, 0, len(records))
	byID := make(map[string]Info, len(records))
	for _, rec := range records {
		info := Info{
			ID:           rec.ID,
			Name:         rec.Name,
			Provider:     rec.Provider,
			Model:        rec.Model,
			Capabilities: append([]string(nil), rec.Capabilities...),
		}
		agents = append(agents, info)
		byID[info.ID] = info
	}

	r.mu.Lock()
	r.agents = agents
	r.byID = byID
	r.mu.Unlock()

	r.logger.Debug("agent list refreshed", "count", len(agents))
	return nil
}

// All returns the cached agents in fetch order.
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Info(nil), r.agents...)
}

// Get returns the agent with the given ID.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	return info, ok
}
