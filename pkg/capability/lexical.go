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
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sahilm/fuzzy"
	_ "modernc.org/sqlite"
)

// Scoring weights for the lexical fallback. Token overlap dominates;
// substring containment and fuzzy subsequence matches add smaller bonuses.
const (
	lexTokenWeight    = 0.7
	lexSubstringBonus = 0.2
	lexFuzzyBonus     = 0.1
)

// LexicalIndex is the built-in EmbeddingIndex used when no vector backend
// is configured. It scores by normalized token overlap with substring and
// fuzzy-subsequence bonuses, already in [0,1]. Safe for concurrent use.
type LexicalIndex struct {
	mu    sync.RWMutex
	texts map[string]string
	seqs  map[string]int
	seq   int
}

// NewLexicalIndex returns an empty lexical index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{
		texts: make(map[string]string),
		seqs:  make(map[string]int),
	}
}

// Upsert stores or replaces the text for key.
func (l *LexicalIndex) Upsert(key, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.texts[key]; !ok {
		l.seqs[key] = l.seq
		l.seq++
	}
	l.texts[key] = text
	return nil
}

// Remove deletes the entry for key. Unknown keys are a no-op.
func (l *LexicalIndex) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.texts, key)
	delete(l.seqs, key)
	return nil
}

// Query scores every stored text against the query and returns the top k,
// sorted descending, ties broken by insertion order.
func (l *LexicalIndex) Query(text string, k int) ([]ScoredKey, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type hit struct {
		ScoredKey
		seq int
	}
	hits := make([]hit, 0, len(l.texts))
	for key, stored := range l.texts {
		hits = append(hits, hit{
			ScoredKey: ScoredKey{Key: key, Score: lexicalScore(text, stored)},
			seq:       l.seqs[key],
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].seq < hits[j].seq
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	out := make([]ScoredKey, len(hits))
	for i, h := range hits {
		out[i] = h.ScoredKey
	}
	return out, nil
}

// Persist writes the index to a SQLite database at path.
func (l *LexicalIndex) Persist(path string) error {
	db, err := openLexicalDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("capability: persist lexical index: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM lexical_index`); err != nil {
		return fmt.Errorf("capability: persist lexical index: %w", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for key, text := range l.texts {
		if _, err := tx.Exec(
			`INSERT INTO lexical_index (key, txt, seq) VALUES (?, ?, ?)`,
			key, text, l.seqs[key],
		); err != nil {
			return fmt.Errorf("capability: persist lexical index: %w", err)
		}
	}
	return tx.Commit()
}

// Restore replaces the index contents with the database at path.
func (l *LexicalIndex) Restore(path string) error {
	db, err := openLexicalDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, txt, seq FROM lexical_index ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("capability: restore lexical index: %w", err)
	}
	defer rows.Close()

	texts := make(map[string]string)
	seqs := make(map[string]int)
	maxSeq := 0
	for rows.Next() {
		var key, text string
		var seq int
		if err := rows.Scan(&key, &text, &seq); err != nil {
			return fmt.Errorf("capability: restore lexical index: %w", err)
		}
		texts[key] = text
		seqs[key] = seq
		if seq >= maxSeq {
			maxSeq = seq + 1
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("capability: restore lexical index: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = texts
	l.seqs = seqs
	l.seq = maxSeq
	return nil
}

func openLexicalDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("capability: open lexical index db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("capability: open lexical index db: %w", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS lexical_index (
		key TEXT PRIMARY KEY,
		txt TEXT NOT NULL,
		seq INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("capability: create lexical index schema: %w", err)
	}
	return db, nil
}

// lexicalScore combines stemmed-token Jaccard overlap, substring
// containment, and a fuzzy subsequence bonus into a score in [0,1].
func lexicalScore(query, text string) float64 {
	q := tokenize(query)
	d := tokenize(text)
	if len(q) == 0 || len(d) == 0 {
		return 0
	}

	inter := 0
	for tok := range q {
		if _, ok := d[tok]; ok {
			inter++
		}
	}
	union := len(q) + len(d) - inter
	score := lexTokenWeight * float64(inter) / float64(union)

	lq := strings.ToLower(strings.TrimSpace(query))
	lt := strings.ToLower(text)
	if lq != "" && (strings.Contains(lt, lq) || strings.Contains(lq, lt)) {
		score += lexSubstringBonus
	}

	if matches := fuzzy.Find(compact(lq), []string{compact(lt)}); len(matches) > 0 {
		score += lexFuzzyBonus
	}

	if score > 1 {
		score = 1
	}
	return score
}

// tokenize lowercases, splits on non-alphanumerics, and strips common
// suffixes so that "summaries" and "summary" land on the same stem.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[stem(f)] = struct{}{}
	}
	return out
}

var suffixes = []string{"ies", "ing", "ed", "es", "s", "y"}

func stem(tok string) string {
	if len(tok) <= 4 {
		return tok
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(tok, suf) && len(tok)-len(suf) >= 4 {
			return tok[:len(tok)-len(suf)]
		}
	}
	return tok
}

func compact(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
