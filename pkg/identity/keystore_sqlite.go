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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKeyStore persists key material in a SQLite database. Suitable when
// many agents share one deployment and per-file storage becomes unwieldy.
type SQLiteKeyStore struct {
	db *sql.DB
}

// NewSQLiteKeyStore opens (creating if needed) the database at dbPath.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteKeyStore(dbPath string) (*SQLiteKeyStore, error) {
	dsn := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same data.
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: open keystore db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	if dbPath != ":memory:" {
		// WAL keeps concurrent readers from blocking the writer.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("identity: enable WAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: set busy timeout: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS key_material (
		agent_id   TEXT PRIMARY KEY,
		material   BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create keystore schema: %w", err)
	}
	return &SQLiteKeyStore{db: db}, nil
}

// Save upserts the material for agentID.
func (s *SQLiteKeyStore) Save(agentID string, material []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO key_material (agent_id, material, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET material = excluded.material, updated_at = excluded.updated_at`,
		agentID, material, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("identity: save key material: %w", err)
	}
	return nil
}

// Load returns the material for agentID, or ErrKeyNotFound.
func (s *SQLiteKeyStore) Load(agentID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT material FROM key_material WHERE agent_id = ?`, agentID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load key material: %w", err)
	}
	return data, nil
}

// Delete removes the material. Deleting an absent key is not an error.
func (s *SQLiteKeyStore) Delete(agentID string) error {
	if _, err := s.db.Exec(`DELETE FROM key_material WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("identity: delete key material: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteKeyStore) Close() error {
	return s.db.Close()
}
