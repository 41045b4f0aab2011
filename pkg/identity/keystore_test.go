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
package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyStore(t *testing.T, store KeyStore) {
	t.Helper()

	// Unknown agent.
	_, err := store.Load("nobody")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Save and load.
	require.NoError(t, store.Save("agent-1", []byte("material-1")))
	data, err := store.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("material-1"), data)

	// Overwrite.
	require.NoError(t, store.Save("agent-1", []byte("material-2")))
	data, err = store.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("material-2"), data)

	// Delete is idempotent.
	require.NoError(t, store.Delete("agent-1"))
	require.NoError(t, store.Delete("agent-1"))
	_, err = store.Load("agent-1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileKeyStore(t *testing.T) {
	store, err := NewFileKeyStore(t.TempDir())
	require.NoError(t, err)
	testKeyStore(t, store)
}

func TestFileKeyStoreHostileAgentID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileKeyStore(dir)
	require.NoError(t, err)

	// Path separators in the agent id must not escape the directory.
	require.NoError(t, store.Save("../escape/attempt", []byte("m")))
	data, err := store.Load("../escape/attempt")
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), data)
}

func TestSQLiteKeyStore(t *testing.T) {
	store, err := NewSQLiteKeyStore(t.TempDir() + "/keys.db")
	require.NoError(t, err)
	defer store.Close()
	testKeyStore(t, store)
}

func TestSQLiteKeyStoreSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/keys.db"

	store, err := NewSQLiteKeyStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save("agent-1", []byte("persisted")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteKeyStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}
