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
package capability

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ScoredKey is one semantic search hit at the embedding layer.
type ScoredKey struct {
	Key   string
	Score float64
}

// EmbeddingIndex is the pluggable vector backend for semantic capability
// search. Implementations must be safe for concurrent use. Keys are shared
// embedding keys (Capability.EmbeddingKey); scores are raw backend
// similarities, normalized by the Index.
type EmbeddingIndex interface {
	Upsert(key, text string) error
	Remove(key string) error
	Query(text string, k int) ([]ScoredKey, error)
	Persist(path string) error
	Restore(path string) error
}

// ScoredAgent is one semantic search result at the agent layer.
type ScoredAgent struct {
	AgentID    string
	Capability Capability
	Score      float64
}

// holder ties an embedding key back to an advertising agent. seq preserves
// insertion order for deterministic tie-breaking.
type holder struct {
	agentID string
	cap     Capability
	seq     int
}

// Index answers exact-name and semantic capability lookups. Exact lookup
// is a map from name to the ordered set of advertising agents; semantic
// lookup delegates to the EmbeddingIndex. When no backend is configured
// the index degrades to lexical scoring and says so in the log, once.
type Index struct {
	mu sync.RWMutex

	emb      EmbeddingIndex
	degraded bool
	warnOnce sync.Once
	logger   *zap.Logger

	// name → advertising agents, insertion ordered
	byName map[string][]holder

	// agent → advertised capabilities
	byAgent map[string][]Capability

	// embedding key → holders sharing that description
	byKey map[string][]holder

	// embedding key → refcount; the key is removed from the backend when
	// the count drops to zero
	refs map[string]int

	seq int
}

// NewIndex creates a capability index over the given embedding backend.
// A nil backend selects the built-in lexical fallback (degraded mode).
func NewIndex(emb EmbeddingIndex, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	degraded := false
	if emb == nil {
		emb = NewLexicalIndex()
		degraded = true
	}
	return &Index{
		emb:      emb,
		degraded: degraded,
		logger:   logger,
		byName:   make(map[string][]holder),
		byAgent:  make(map[string][]Capability),
		byKey:    make(map[string][]holder),
		refs:     make(map[string]int),
	}
}

// Add registers an agent's capabilities. An embedding is computed only for
// description texts the index has not seen before; agents sharing a
// description share its embedding.
func (ix *Index) Add(agentID string, caps []Capability) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, c := range caps {
		if c.Name == "" {
			return fmt.Errorf("capability: empty capability name for agent %s", agentID)
		}
		h := holder{agentID: agentID, cap: c, seq: ix.seq}
		ix.seq++

		ix.byName[c.Name] = append(ix.byName[c.Name], h)
		ix.byAgent[agentID] = append(ix.byAgent[agentID], c)

		key := c.EmbeddingKey()
		ix.byKey[key] = append(ix.byKey[key], h)
		ix.refs[key]++
		if ix.refs[key] == 1 {
			if err := ix.emb.Upsert(key, c.Description); err != nil {
				return fmt.Errorf("capability: index description: %w", err)
			}
		}
	}
	return nil
}

// Remove drops all of an agent's capability entries. Shared embeddings are
// refcounted; the backend entry is deleted only when the last advertiser
// leaves. Removing an unknown agent is a no-op.
func (ix *Index) Remove(agentID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	caps, ok := ix.byAgent[agentID]
	if !ok {
		return nil
	}
	delete(ix.byAgent, agentID)

	for _, c := range caps {
		ix.byName[c.Name] = dropAgent(ix.byName[c.Name], agentID)
		if len(ix.byName[c.Name]) == 0 {
			delete(ix.byName, c.Name)
		}

		key := c.EmbeddingKey()
		ix.byKey[key] = dropAgent(ix.byKey[key], agentID)
		ix.refs[key]--
		if ix.refs[key] <= 0 {
			delete(ix.refs, key)
			delete(ix.byKey, key)
			if err := ix.emb.Remove(key); err != nil {
				return fmt.Errorf("capability: remove description: %w", err)
			}
		}
	}
	return nil
}

func dropAgent(hs []holder, agentID string) []holder {
	out := hs[:0]
	for _, h := range hs {
		if h.agentID != agentID {
			out = append(out, h)
		}
	}
	return out
}

// FindByName returns the agents advertising the capability name, in
// registration order.
func (ix *Index) FindByName(name string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hs := ix.byName[name]
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.agentID)
	}
	return out
}

// Capabilities returns the capabilities advertised by agentID.
func (ix *Index) Capabilities(agentID string) []Capability {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Capability(nil), ix.byAgent[agentID]...)
}

// FindByDescription runs a semantic query and returns agents scored in
// [0,1], sorted descending, ties broken by insertion order. Each agent
// appears at most once, with its best-scoring capability.
func (ix *Index) FindByDescription(query string, limit int, minScore float64) ([]ScoredAgent, error) {
	if ix.degraded {
		ix.warnOnce.Do(func() {
			ix.logger.Warn("no embedding backend configured, semantic capability search degraded to lexical scoring")
		})
	}
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch at the key layer: one key can fan out to many agents.
	keys, err := ix.emb.Query(query, limit*4+16)
	if err != nil {
		return nil, fmt.Errorf("capability: semantic query: %w", err)
	}

	ix.mu.RLock()
	type best struct {
		ScoredAgent
		seq int
	}
	bestByAgent := make(map[string]best)
	for _, sk := range keys {
		score := normalizeScore(sk.Score)
		for _, h := range ix.byKey[sk.Key] {
			cur, ok := bestByAgent[h.agentID]
			if !ok || score > cur.Score || (score == cur.Score && h.seq < cur.seq) {
				bestByAgent[h.agentID] = best{
					ScoredAgent: ScoredAgent{AgentID: h.agentID, Capability: h.cap, Score: score},
					seq:         h.seq,
				}
			}
		}
	}
	ix.mu.RUnlock()

	ranked := make([]best, 0, len(bestByAgent))
	for _, b := range bestByAgent {
		if b.Score >= minScore {
			ranked = append(ranked, b)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].seq < ranked[j].seq
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]ScoredAgent, len(ranked))
	for i, b := range ranked {
		out[i] = b.ScoredAgent
	}
	return out, nil
}

// Degraded reports whether the index runs without an embedding backend.
func (ix *Index) Degraded() bool {
	return ix.degraded
}

// Persist saves the embedding backend state to path.
func (ix *Index) Persist(path string) error {
	return ix.emb.Persist(path)
}

// Restore loads the embedding backend state from path.
func (ix *Index) Restore(path string) error {
	return ix.emb.Restore(path)
}

// normalizeScore maps a raw backend similarity into [0,1]. Cosine-style
// backends may report negatives; those are shifted before clamping.
func normalizeScore(raw float64) float64 {
	if raw < 0 {
		raw = (raw + 1) / 2
	}
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}
