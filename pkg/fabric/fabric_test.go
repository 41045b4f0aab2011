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
package fabric

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/weft-labs/weft/pkg/capability"
	"github.com/weft-labs/weft/pkg/identity"
	"github.com/weft-labs/weft/pkg/message"
	"github.com/weft-labs/weft/pkg/registry"
)

func testFabric(t *testing.T, opts Options) *Fabric {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	f, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.Stop(ctx)
	})
	return f
}

func TestSpawnAndEcho(t *testing.T) {
	f := testFabric(t, Options{})

	info, err := f.SpawnAgent(AgentSpec{
		ID:           "echo",
		Capabilities: []capability.Capability{{Name: "echo", Description: "repeat what you hear"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo", info.ID)
	assert.NotEmpty(t, info.DID)

	// An external client talks to the spawned agent through the hub.
	clientIdent, err := identity.CreateKeyBased()
	require.NoError(t, err)
	_, err = f.Hub().Register(&registry.Registration{
		AgentID:  "client",
		Identity: clientIdent,
	}, 0)
	require.NoError(t, err)

	req, err := message.New("client", "echo", "hello fabric", message.KindText,
		message.Metadata{RequestID: uuid.NewString()}, clientIdent)
	require.NoError(t, err)

	resp, _, err := f.Hub().SendAndWait(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello fabric", resp.Content)
}

func TestSpawnDuplicate(t *testing.T) {
	f := testFabric(t, Options{})

	_, err := f.SpawnAgent(AgentSpec{ID: "a"})
	require.NoError(t, err)
	_, err = f.SpawnAgent(AgentSpec{ID: "a"})
	assert.ErrorIs(t, err, registry.ErrDuplicateAgent)
}

func TestStopAgent(t *testing.T) {
	f := testFabric(t, Options{})

	_, err := f.SpawnAgent(AgentSpec{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, f.StopAgent("a"))
	require.NoError(t, f.StopAgent("a")) // idempotent

	_, ok := f.Registry().Get("a")
	assert.False(t, ok)
}

func TestIdentityPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := identity.NewFileKeyStore(dir)
	require.NoError(t, err)

	f1 := testFabric(t, Options{KeyStore: store})
	info1, err := f1.SpawnAgent(AgentSpec{ID: "stable"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f1.Stop(ctx))

	f2 := testFabric(t, Options{KeyStore: store})
	info2, err := f2.SpawnAgent(AgentSpec{ID: "stable"})
	require.NoError(t, err)
	assert.Equal(t, info1.DID, info2.DID)
}

func TestDiscover(t *testing.T) {
	f := testFabric(t, Options{})

	_, err := f.SpawnAgent(AgentSpec{
		ID:           "summarizer",
		Capabilities: []capability.Capability{{Name: "summarize", Description: "produce concise summaries of long text"}},
	})
	require.NoError(t, err)
	_, err = f.SpawnAgent(AgentSpec{
		ID:           "asker",
		Capabilities: []capability.Capability{{Name: "ask", Description: "ask questions"}},
	})
	require.NoError(t, err)

	found, err := f.Discover("asker", "concise summary of a long document", 5)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "summarizer", found[0].Registration.AgentID)
	for _, s := range found {
		assert.NotEqual(t, "asker", s.Registration.AgentID)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 128, cfg.Hub.InboxCapacity)
	assert.Equal(t, 15*time.Minute, cfg.Hub.Retention)
	assert.Equal(t, 0.3, cfg.Discovery.MinScore)
	assert.Equal(t, 20, cfg.Limits.MaxTurns)
}

func TestConfigFromYAML(t *testing.T) {
	path := t.TempDir() + "/weft.yaml"
	data := []byte(`
logLevel: debug
hub:
  inboxCapacity: 16
  retention: 1m
limits:
  maxTurns: 3
keystore:
  driver: sqlite
  path: /tmp/keys.db
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.Hub.InboxCapacity)
	assert.Equal(t, time.Minute, cfg.Hub.Retention)
	assert.Equal(t, 3, cfg.Limits.MaxTurns)
	assert.Equal(t, "sqlite", cfg.KeyStore.Driver)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1000, cfg.Hub.HistoryLimit)
}

func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("WEFT_LOGLEVEL", "warn")
	t.Setenv("WEFT_LIMITS_MAXTURNS", "7")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7, cfg.Limits.MaxTurns)
}

func TestOpenKeyStoreUnknownDriver(t *testing.T) {
	_, err := openKeyStore(KeyStoreConfig{Driver: "etcd"})
	assert.Error(t, err)
}
