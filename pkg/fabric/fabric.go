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

// Package fabric assembles the registry, hub, rate control, and agent
// runtimes into one owned object. There is no process-global state; every
// collaborator is constructed here and passed down explicitly.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/weft-labs/weft/pkg/capability"
	"github.com/weft-labs/weft/pkg/hub"
	"github.com/weft-labs/weft/pkg/identity"
	"github.com/weft-labs/weft/pkg/interaction"
	"github.com/weft-labs/weft/pkg/message"
	"github.com/weft-labs/weft/pkg/observability"
	"github.com/weft-labs/weft/pkg/registry"
	"github.com/weft-labs/weft/pkg/runtime"
)

// EngineFactory builds a reasoning engine for a freshly spawned agent.
// The identity carries the signing key the engine's replies need.
type EngineFactory func(agentID string, ident *identity.AgentIdentity) runtime.ReasoningEngine

// AgentSpec describes an agent to spawn.
type AgentSpec struct {
	ID               string
	Type             registry.AgentType
	InteractionModes []registry.InteractionMode
	Capabilities     []capability.Capability
	OrganizationID   string
	PaymentAddress   string
	OwnerID          string
	Custom           map[string]string

	// Engine builds the agent's reasoning engine; nil selects the echo
	// engine.
	Engine EngineFactory

	// InboxCapacity overrides the hub default for this agent.
	InboxCapacity int

	// Limits overrides the fabric-wide rate limits.
	Limits *interaction.Limits
}

// AgentInfo is returned from SpawnAgent.
type AgentInfo struct {
	ID  string
	DID string
}

type agentRecord struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Fabric beyond its Config.
type Options struct {
	Config *Config

	// EmbeddingIndex backs semantic discovery; nil degrades to lexical
	// scoring.
	EmbeddingIndex capability.EmbeddingIndex

	// KeyStore persists agent key material across restarts; nil keeps
	// keys in memory only.
	KeyStore identity.KeyStore

	Sink   observability.Sink
	Logger *zap.Logger
}

// Fabric owns one in-process agent interconnect.
type Fabric struct {
	cfg *Config

	hub       *hub.Hub
	registry  *registry.Registry
	keystore  identity.KeyStore
	estimator *interaction.Estimator
	sink      observability.Sink
	logger    *zap.Logger

	mu     sync.Mutex
	agents map[string]*agentRecord
	closed bool
}

// New assembles a Fabric.
func New(opts Options) (*Fabric, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = observability.NopSink{}
	}

	reg := registry.New(registry.Options{
		EmbeddingIndex:  opts.EmbeddingIndex,
		ActivityWindow:  cfg.Discovery.ActivityWindow,
		DefaultMinScore: cfg.Discovery.MinScore,
		Logger:          logger,
	})
	if cfg.Discovery.IndexPath != "" {
		if err := reg.LoadIndex(cfg.Discovery.IndexPath); err != nil {
			logger.Warn("capability index not restored", zap.Error(err))
		}
	}

	keystore := opts.KeyStore
	if keystore == nil && cfg.KeyStore.Driver != "" {
		var err error
		keystore, err = openKeyStore(cfg.KeyStore)
		if err != nil {
			return nil, err
		}
	}

	h := hub.New(hub.Options{
		Registry:          reg,
		InboxCapacity:     cfg.Hub.InboxCapacity,
		Retention:         cfg.Hub.Retention,
		TimeoutPartnerTTL: cfg.Hub.TimeoutPartnerTTL,
		HistoryLimit:      cfg.Hub.HistoryLimit,
		Sink:              sink,
		Logger:            logger,
	})

	return &Fabric{
		cfg:       cfg,
		hub:       h,
		registry:  reg,
		keystore:  keystore,
		estimator: interaction.NewEstimator(logger),
		sink:      sink,
		logger:    logger,
		agents:    make(map[string]*agentRecord),
	}, nil
}

func openKeyStore(cfg KeyStoreConfig) (identity.KeyStore, error) {
	switch cfg.Driver {
	case "file":
		return identity.NewFileKeyStore(cfg.Path)
	case "sqlite":
		return identity.NewSQLiteKeyStore(cfg.Path)
	default:
		return nil, fmt.Errorf("fabric: unknown keystore driver %q", cfg.Driver)
	}
}

// Hub exposes the fabric's message hub.
func (f *Fabric) Hub() *hub.Hub { return f.hub }

// Registry exposes the fabric's agent directory.
func (f *Fabric) Registry() *registry.Registry { return f.registry }

// SpawnAgent creates (or restores) the agent's identity, registers it,
// and starts its runtime loop.
func (f *Fabric) SpawnAgent(spec AgentSpec) (*AgentInfo, error) {
	if spec.ID == "" {
		return nil, errors.New("fabric: agent spec needs an id")
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, hub.ErrHubShutdown
	}
	if _, exists := f.agents[spec.ID]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", registry.ErrDuplicateAgent, spec.ID)
	}
	f.mu.Unlock()

	ident, err := f.loadOrCreateIdentity(spec.ID)
	if err != nil {
		return nil, err
	}

	agentType := spec.Type
	if agentType == "" {
		agentType = registry.AgentTypeAI
	}
	mailbox, err := f.hub.Register(&registry.Registration{
		AgentID:          spec.ID,
		AgentType:        agentType,
		InteractionModes: spec.InteractionModes,
		Capabilities:     spec.Capabilities,
		OrganizationID:   spec.OrganizationID,
		PaymentAddress:   spec.PaymentAddress,
		OwnerID:          spec.OwnerID,
		Custom:           spec.Custom,
		Identity:         ident,
	}, spec.InboxCapacity)
	if err != nil {
		return nil, err
	}

	limits := interaction.Limits{
		TokensPerMinute: f.cfg.Limits.TokensPerMinute,
		TokensPerHour:   f.cfg.Limits.TokensPerHour,
		MaxTurns:        f.cfg.Limits.MaxTurns,
	}
	if spec.Limits != nil {
		limits = *spec.Limits
	}
	control := interaction.NewControl(spec.ID, limits, f.sink, f.logger)

	factory := spec.Engine
	if factory == nil {
		factory = func(agentID string, ident *identity.AgentIdentity) runtime.ReasoningEngine {
			return runtime.NewEchoEngine(agentID, ident)
		}
	}

	rt, err := runtime.New(runtime.Options{
		AgentID:      spec.ID,
		Identity:     ident,
		Capabilities: spec.Capabilities,
		Mailbox:      mailbox,
		Hub:          f.hub,
		Engine:       factory(spec.ID, ident),
		Control:      control,
		Estimator:    f.estimator,
		Logger:       f.logger,
	})
	if err != nil {
		_ = f.hub.Deregister(spec.ID)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	record := &agentRecord{cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		_ = f.hub.Deregister(spec.ID)
		return nil, hub.ErrHubShutdown
	}
	f.agents[spec.ID] = record
	f.mu.Unlock()

	go func() {
		defer close(record.done)
		_ = rt.Run(ctx)
	}()

	f.logger.Info("agent spawned",
		zap.String("agent_id", spec.ID),
		zap.String("did", ident.DID))
	return &AgentInfo{ID: spec.ID, DID: ident.DID}, nil
}

func (f *Fabric) loadOrCreateIdentity(agentID string) (*identity.AgentIdentity, error) {
	if f.keystore != nil {
		material, err := f.keystore.Load(agentID)
		switch {
		case err == nil:
			return identity.ImportMaterial(material)
		case !errors.Is(err, identity.ErrKeyNotFound):
			return nil, err
		}
	}

	ident, err := identity.CreateKeyBased()
	if err != nil {
		return nil, err
	}
	if f.keystore != nil {
		material, err := identity.ExportMaterial(ident)
		if err != nil {
			return nil, err
		}
		if err := f.keystore.Save(agentID, material); err != nil {
			return nil, err
		}
	}
	return ident, nil
}

// StopAgent cancels the agent's runtime and removes it from the fabric.
// Idempotent.
func (f *Fabric) StopAgent(agentID string) error {
	f.mu.Lock()
	record, ok := f.agents[agentID]
	if ok {
		delete(f.agents, agentID)
	}
	f.mu.Unlock()

	if err := f.hub.Deregister(agentID); err != nil {
		return err
	}
	if ok {
		record.cancel()
		<-record.done
	}
	return nil
}

// Discover runs a semantic capability search on behalf of requesterID,
// with the fabric's default score threshold and timeout-partner steering.
func (f *Fabric) Discover(requesterID, query string, limit int) ([]registry.ScoredRegistration, error) {
	return f.hub.FindByDescription(requesterID, query, registry.DiscoveryOptions{
		Limit:    limit,
		MinScore: f.cfg.Discovery.MinScore,
	})
}

// Send routes a signed message through the hub.
func (f *Fabric) Send(msg *message.Message) error {
	return f.hub.Route(msg)
}

// Stop shuts the whole fabric down: agent runtimes first, then the hub,
// then index persistence.
func (f *Fabric) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	records := make(map[string]*agentRecord, len(f.agents))
	for id, rec := range f.agents {
		records[id] = rec
	}
	f.agents = make(map[string]*agentRecord)
	f.mu.Unlock()

	for _, rec := range records {
		rec.cancel()
	}
	for _, rec := range records {
		select {
		case <-rec.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := f.hub.Stop(ctx); err != nil {
		return err
	}

	if f.cfg.Discovery.IndexPath != "" {
		if err := f.registry.SaveIndex(f.cfg.Discovery.IndexPath); err != nil {
			f.logger.Warn("capability index not persisted", zap.Error(err))
		}
	}
	f.logger.Info("fabric stopped")
	return nil
}
