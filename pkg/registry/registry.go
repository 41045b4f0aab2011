// Copyright 2026 Weft Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry is the directory of live agents: registration
// lifecycle, metadata, organization grouping, and capability discovery.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weft-labs/weft/pkg/capability"
	"github.com/weft-labs/weft/pkg/identity"
)

// AgentType distinguishes human-fronted agents from autonomous ones.
type AgentType string

// Agent types.
const (
	AgentTypeAI    AgentType = "AI"
	AgentTypeHuman AgentType = "HUMAN"
)

// InteractionMode declares which kinds of peers an agent talks to.
type InteractionMode string

// Interaction modes.
const (
	ModeHumanToAgent InteractionMode = "HUMAN_TO_AGENT"
	ModeAgentToAgent InteractionMode = "AGENT_TO_AGENT"
)

// DefaultActivityWindow is how recently an agent must have been seen for
// IsActive to report true.
const DefaultActivityWindow = 5 * time.Minute

// Registration is an agent's directory entry. Identity is the public side
// only; the registry never holds private keys.
type Registration struct {
	AgentID          string                  `json:"agentId"`
	AgentType        AgentType               `json:"agentType"`
	InteractionModes []InteractionMode       `json:"interactionModes,omitempty"`
	Capabilities     []capability.Capability `json:"capabilities,omitempty"`
	OrganizationID   string                  `json:"organizationId,omitempty"`
	PaymentAddress   string                  `json:"paymentAddress,omitempty"`
	OwnerID          string                  `json:"ownerId,omitempty"`
	Identity         *identity.AgentIdentity `json:"identity"`
	Custom           map[string]string       `json:"custom,omitempty"`
	RegisteredAt     time.Time               `json:"registeredAt"`
}

// EventKind tags registry lifecycle events.
type EventKind string

// Registry events.
const (
	EventRegistered   EventKind = "REGISTERED"
	EventUnregistered EventKind = "UNREGISTERED"
)

// Event is delivered to subscribed listeners on lifecycle transitions.
type Event struct {
	Kind    EventKind
	AgentID string
	At      time.Time
}

// Registration errors.
var (
	ErrDuplicateAgent     = errors.New("registry: agent id already registered")
	ErrUnverifiedIdentity = errors.New("registry: identity is not verified")
	ErrMissingIdentity    = errors.New("registry: registration has no identity")
	ErrMissingAgentID     = errors.New("registry: registration has no agent id")
)

// ScoredRegistration is one semantic discovery result.
type ScoredRegistration struct {
	Registration *Registration
	Score        float64
}

// DiscoveryOptions narrows a semantic capability search.
type DiscoveryOptions struct {
	// Limit caps the number of results (default 10).
	Limit int

	// MinScore drops results scoring below the threshold. Negative means
	// "use the registry default".
	MinScore float64

	// RequesterID excludes the asking agent from its own results.
	RequesterID string

	// Exclude drops the named agents, e.g. partners the requester is in a
	// timeout cooldown with.
	Exclude []string

	// IncludeInactive keeps agents that have not been seen within the
	// activity window.
	IncludeInactive bool
}

// Registry is the concurrent agent directory wrapping the capability
// index. Writes are serialized; reads run in parallel.
type Registry struct {
	mu sync.RWMutex

	agents   map[string]*Registration
	lastSeen map[string]time.Time
	index    *capability.Index

	activityWindow time.Duration
	defaultScore   float64

	listenerMu sync.RWMutex
	listeners  []func(Event)

	logger *zap.Logger
}

// Options configures a Registry.
type Options struct {
	// EmbeddingIndex is the semantic search backend; nil selects the
	// built-in lexical fallback.
	EmbeddingIndex capability.EmbeddingIndex

	// ActivityWindow overrides DefaultActivityWindow when positive.
	ActivityWindow time.Duration

	// DefaultMinScore is the semantic score threshold applied when a
	// discovery call does not set its own.
	DefaultMinScore float64

	Logger *zap.Logger
}

// New creates a Registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := opts.ActivityWindow
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &Registry{
		agents:         make(map[string]*Registration),
		lastSeen:       make(map[string]time.Time),
		index:          capability.NewIndex(opts.EmbeddingIndex, logger),
		activityWindow: window,
		defaultScore:   opts.DefaultMinScore,
		logger:         logger,
	}
}

// Register stores the registration and indexes its capabilities, both
// inside the write critical section. Fails on a duplicate id or an
// unverified identity.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil || reg.AgentID == "" {
		return ErrMissingAgentID
	}
	if reg.Identity == nil {
		return ErrMissingIdentity
	}
	if !reg.Identity.Verified {
		return fmt.Errorf("%w: %s", ErrUnverifiedIdentity, reg.AgentID)
	}

	r.mu.Lock()
	if _, exists := r.agents[reg.AgentID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, reg.AgentID)
	}

	stored := *reg
	stored.Identity = reg.Identity.Public()
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	if err := r.index.Add(stored.AgentID, stored.Capabilities); err != nil {
		r.mu.Unlock()
		return err
	}
	r.agents[stored.AgentID] = &stored
	r.lastSeen[stored.AgentID] = time.Now()
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.AgentID),
		zap.String("did", stored.Identity.DID),
		zap.Int("capabilities", len(stored.Capabilities)))
	r.emit(Event{Kind: EventRegistered, AgentID: stored.AgentID, At: time.Now().UTC()})
	return nil
}

// Unregister removes the agent and its capability entries. Unknown agents
// are a no-op.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	_, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	if err := r.index.Remove(agentID); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.agents, agentID)
	delete(r.lastSeen, agentID)
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	r.emit(Event{Kind: EventUnregistered, AgentID: agentID, At: time.Now().UTC()})
	return nil
}

// Get returns the registration for agentID.
func (r *Registry) Get(agentID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	return reg, ok
}

// List returns all registrations in unspecified order.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, reg)
	}
	return out
}

// ByCapability returns the agents advertising the exact capability name,
// in registration order.
func (r *Registry) ByCapability(name string) []*Registration {
	ids := r.index.FindByName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(ids))
	for _, id := range ids {
		if reg, ok := r.agents[id]; ok {
			out = append(out, reg)
		}
	}
	return out
}

// ByCapabilityDescription runs a semantic search over capability
// descriptions, applying the option filters.
func (r *Registry) ByCapabilityDescription(query string, opts DiscoveryOptions) ([]ScoredRegistration, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	minScore := opts.MinScore
	if minScore < 0 {
		minScore = r.defaultScore
	}

	excluded := make(map[string]struct{}, len(opts.Exclude)+1)
	for _, id := range opts.Exclude {
		excluded[id] = struct{}{}
	}
	if opts.RequesterID != "" {
		excluded[opts.RequesterID] = struct{}{}
	}

	// Over-fetch so post-filters don't starve the caller.
	scored, err := r.index.FindByDescription(query, limit+len(excluded)+8, minScore)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ScoredRegistration, 0, limit)
	for _, s := range scored {
		if _, skip := excluded[s.AgentID]; skip {
			continue
		}
		reg, ok := r.agents[s.AgentID]
		if !ok {
			continue
		}
		if !opts.IncludeInactive && !r.activeLocked(s.AgentID, now) {
			continue
		}
		out = append(out, ScoredRegistration{Registration: reg, Score: s.Score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ByOrganization returns every agent registered under orgID.
func (r *Registry) ByOrganization(orgID string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Registration
	for _, reg := range r.agents {
		if reg.OrganizationID == orgID {
			out = append(out, reg)
		}
	}
	return out
}

// Touch records activity for agentID. The hub calls this on every routed
// message; liveness is last-activity based (there is no heartbeat).
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; ok {
		r.lastSeen[agentID] = time.Now()
	}
	r.mu.Unlock()
}

// IsActive reports whether the agent is registered and has shown activity
// within the activity window.
func (r *Registry) IsActive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(agentID, time.Now())
}

func (r *Registry) activeLocked(agentID string, now time.Time) bool {
	seen, ok := r.lastSeen[agentID]
	if !ok {
		return false
	}
	return now.Sub(seen) <= r.activityWindow
}

// SaveIndex persists the capability index through the embedding backend.
func (r *Registry) SaveIndex(path string) error {
	return r.index.Persist(path)
}

// LoadIndex restores the capability index through the embedding backend.
func (r *Registry) LoadIndex(path string) error {
	return r.index.Restore(path)
}

// Subscribe registers a lifecycle event listener. Listeners run outside
// the registry lock and must not block for long.
func (r *Registry) Subscribe(fn func(Event)) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenerMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.listenerMu.RLock()
	listeners := append([]func(Event){}, r.listeners...)
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
