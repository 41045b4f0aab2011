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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingBackend counts Upsert/Remove calls to observe embedding sharing.
type recordingBackend struct {
	mu      sync.Mutex
	inner   *LexicalIndex
	upserts map[string]int
	removes map[string]int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		inner:   NewLexicalIndex(),
		upserts: make(map[string]int),
		removes: make(map[string]int),
	}
}

func (r *recordingBackend) Upsert(key, text string) error {
	r.mu.Lock()
	r.upserts[key]++
	r.mu.Unlock()
	return r.inner.Upsert(key, text)
}

func (r *recordingBackend) Remove(key string) error {
	r.mu.Lock()
	r.removes[key]++
	r.mu.Unlock()
	return r.inner.Remove(key)
}

func (r *recordingBackend) Query(text string, k int) ([]ScoredKey, error) {
	return r.inner.Query(text, k)
}

func (r *recordingBackend) Persist(path string) error { return r.inner.Persist(path) }
func (r *recordingBackend) Restore(path string) error { return r.inner.Restore(path) }

func TestExactLookup(t *testing.T) {
	ix := NewIndex(nil, zaptest.NewLogger(t))

	require.NoError(t, ix.Add("r1", []Capability{{Name: "summarize", Description: "produce concise summaries of long text"}}))
	require.NoError(t, ix.Add("r2", []Capability{{Name: "translate", Description: "translate between English and Spanish"}}))

	assert.Equal(t, []string{"r1"}, ix.FindByName("summarize"))
	assert.Equal(t, []string{"r2"}, ix.FindByName("translate"))
	assert.Empty(t, ix.FindByName("nope"))
}

func TestExactLookupInsertionOrder(t *testing.T) {
	ix := NewIndex(nil, zaptest.NewLogger(t))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ix.Add(id, []Capability{{Name: "shared", Description: "shared capability"}}))
	}
	assert.Equal(t, []string{"a", "b", "c"}, ix.FindByName("shared"))

	require.NoError(t, ix.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, ix.FindByName("shared"))
}

func TestDegradedSemanticSearch(t *testing.T) {
	ix := NewIndex(nil, zaptest.NewLogger(t))
	assert.True(t, ix.Degraded())

	require.NoError(t, ix.Add("r1", []Capability{{Name: "summarize", Description: "produce concise summaries of long text"}}))
	require.NoError(t, ix.Add("r2", []Capability{{Name: "translate", Description: "translate between English and Spanish"}}))

	results, err := ix.FindByDescription("concise summary of a long document", 2, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "r1", results[0].AgentID)
	assert.Greater(t, results[0].Score, 0.0)
	assert.LessOrEqual(t, results[0].Score, 1.0)
	if len(results) > 1 {
		assert.Greater(t, results[0].Score, results[1].Score)
	}
}

func TestSemanticSearchMinScoreAndLimit(t *testing.T) {
	ix := NewIndex(nil, zaptest.NewLogger(t))

	require.NoError(t, ix.Add("r1", []Capability{{Name: "summarize", Description: "summarize documents"}}))
	require.NoError(t, ix.Add("r2", []Capability{{Name: "weather", Description: "report tomorrow's weather"}}))
	require.NoError(t, ix.Add("r3", []Capability{{Name: "digest", Description: "summarize articles"}}))

	results, err := ix.FindByDescription("summarize", 10, 0.2)
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.2)
		assert.NotEqual(t, "r2", r.AgentID)
	}

	results, err = ix.FindByDescription("summarize", 1, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSharedEmbeddingRefcount(t *testing.T) {
	backend := newRecordingBackend()
	ix := NewIndex(backend, zaptest.NewLogger(t))
	assert.False(t, ix.Degraded())

	shared := Capability{Name: "summarize", Description: "produce concise summaries"}
	key := shared.EmbeddingKey()

	require.NoError(t, ix.Add("a", []Capability{shared}))
	require.NoError(t, ix.Add("b", []Capability{shared}))

	// One embedding for the shared description.
	assert.Equal(t, 1, backend.upserts[key])

	// First unregister keeps the embedding alive, second drops it.
	require.NoError(t, ix.Remove("a"))
	assert.Equal(t, 0, backend.removes[key])
	require.NoError(t, ix.Remove("b"))
	assert.Equal(t, 1, backend.removes[key])
}

func TestNormalizeScore(t *testing.T) {
	assert.Equal(t, 0.0, normalizeScore(-1))
	assert.Equal(t, 0.5, normalizeScore(0.5))
	assert.Equal(t, 1.0, normalizeScore(1.7))
	assert.InDelta(t, 0.25, normalizeScore(-0.5), 1e-9)
}

func TestSchemaValidation(t *testing.T) {
	c := Capability{
		Name:        "summarize",
		Description: "summarize text",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"text"},
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}

	assert.NoError(t, c.ValidateInput(map[string]any{"text": "hello"}))
	assert.Error(t, c.ValidateInput(map[string]any{"text": 42}))
	assert.Error(t, c.ValidateInput(map[string]any{}))

	// Nil schema accepts anything.
	assert.NoError(t, Capability{Name: "x"}.ValidateInput(map[string]any{"whatever": true}))
}
