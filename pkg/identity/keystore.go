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
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyNotFound is returned by KeyStore.Load for unknown agents.
var ErrKeyNotFound = errors.New("identity: key material not found")

// KeyStore persists opaque identity material per agent. The fabric never
// introspects the material; implementations must be safe for concurrent use.
type KeyStore interface {
	Save(agentID string, material []byte) error
	Load(agentID string) ([]byte, error)
	Delete(agentID string) error
}

// FileKeyStore stores key material as one file per agent under a directory.
// Files are written with 0600 permissions.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates the directory if needed and returns a store.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create keystore dir: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

// Save writes the material, replacing any previous file atomically.
func (s *FileKeyStore) Save(agentID string, material []byte) error {
	path := s.path(agentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, material, 0o600); err != nil {
		return fmt.Errorf("identity: write key material: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("identity: commit key material: %w", err)
	}
	return nil
}

// Load reads the material for agentID.
func (s *FileKeyStore) Load(agentID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read key material: %w", err)
	}
	return data, nil
}

// Delete removes the material. Deleting an absent key is not an error.
func (s *FileKeyStore) Delete(agentID string) error {
	err := os.Remove(s.path(agentID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("identity: delete key material: %w", err)
	}
	return nil
}

// path maps an agent id to a filesystem-safe file name. Agent ids are
// caller-chosen strings, so they are encoded rather than trusted.
func (s *FileKeyStore) path(agentID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(agentID))
	return filepath.Join(s.dir, name+".key")
}
