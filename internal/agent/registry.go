// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/runstack/agentrun/internal/domain"
)

// Registry maps agent keys to the agents that serve them. Registration
// happens at process start, resolution on every run, so the lock is cheap.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

func (r *Registry) Register(key string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[key] = a
}

func (r *Registry) Resolve(key string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[key]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", key, domain.ErrUnknownAgent)
	}
	return a, nil
}

func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[key]
	return ok
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.agents))
	for key := range r.agents {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that the configured default key resolves.
func (r *Registry) Validate(defaultKey string) error {
	if defaultKey == "" {
		return nil
	}
	if !r.Has(defaultKey) {
		return fmt.Errorf("default agent %q: %w", defaultKey, domain.ErrUnknownAgent)
	}
	return nil
}
