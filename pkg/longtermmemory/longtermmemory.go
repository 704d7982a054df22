// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package longtermmemory is the durable, id-addressed memory store: one file
// per entry under a category-path directory tree, with an in-memory BM25
// index built lazily from what's on disk.
package longtermmemory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rockbot/rockbot/pkg/bm25"
)

// Entry is one durable memory record.
type Entry struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Category  string            `json:"category,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Criteria filters and ranks a search.
type Criteria struct {
	Query           string
	CategoryPrefix  string
	Tags            []string
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	MaxResults      int
}

// Store is a file-backed, BM25-searchable long-term memory. Safe for
// concurrent use: every operation, reads included, takes the exclusive lock,
// since any of them may populate the index lazily (there is a single writer
// per process per §5).
type Store struct {
	base   string
	params bm25.Params
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	loaded  bool
}

// New constructs a Store rooted at base. Nothing is read from disk until the
// first operation, which lazily populates the in-memory index.
func New(base string, params bm25.Params, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{base: base, params: params, logger: logger, entries: make(map[string]Entry)}
}

func (s *Store) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	if _, err := os.Stat(s.base); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(s.base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("longtermmemory: skip unreadable entry", "path", path, "error", err)
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("longtermmemory: skip malformed entry", "path", path, "error", err)
			return nil
		}
		s.entries[e.ID] = e
		return nil
	})
}

// sanitizeCategory rejects traversal attempts and restricts categories to
// alphanumeric / - / _ / path segments.
func sanitizeCategory(category string) (string, error) {
	if category == "" {
		return "", nil
	}
	if strings.HasPrefix(category, "/") || strings.Contains(category, "..") {
		return "", fmt.Errorf("longtermmemory: invalid category %q", category)
	}
	for _, seg := range strings.Split(category, "/") {
		if seg == "" {
			return "", fmt.Errorf("longtermmemory: invalid category %q", category)
		}
		for _, r := range seg {
			if !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return "", fmt.Errorf("longtermmemory: invalid category %q", category)
			}
		}
	}
	return category, nil
}

func (s *Store) pathFor(e Entry) (string, error) {
	category, err := sanitizeCategory(e.Category)
	if err != nil {
		return "", err
	}
	if category == "" {
		return filepath.Join(s.base, e.ID+".json"), nil
	}
	return filepath.Join(s.base, category, e.ID+".json"), nil
}

// Save upserts entry by id, writing its file and refreshing timestamps.
func (s *Store) Save(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	if entry.ID == "" {
		return fmt.Errorf("longtermmemory: id is required")
	}

	lowered := make([]string, len(entry.Tags))
	for i, t := range entry.Tags {
		lowered[i] = strings.ToLower(t)
	}
	entry.Tags = lowered

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		if existing, ok := s.entries[entry.ID]; ok {
			entry.CreatedAt = existing.CreatedAt
		} else {
			entry.CreatedAt = now
		}
	}
	entry.UpdatedAt = now

	path, err := s.pathFor(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("longtermmemory: create category dir: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("longtermmemory: marshal entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("longtermmemory: write entry: %w", err)
	}

	s.entries[entry.ID] = entry
	return nil
}

// Get returns the entry for id, or false if not found.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	e, ok := s.entries[id]
	return e, ok
}

// Delete removes the entry for id from both the index and disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	path, err := s.pathFor(e)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("longtermmemory: delete entry: %w", err)
	}
	delete(s.entries, id)
	return nil
}

// DeleteCategory removes every entry whose category equals or is nested
// under prefix. Used by the subagent manager to clean up whiteboards.
func (s *Store) DeleteCategory(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	for id, e := range s.entries {
		if e.Category == prefix || strings.HasPrefix(e.Category, prefix+"/") {
			path, err := s.pathFor(e)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("longtermmemory: delete entry: %w", err)
			}
			delete(s.entries, id)
		}
	}
	return nil
}

// Search ranks entries by BM25 score over content after applying category
// prefix, tag, and creation-time pre-filters. With an empty Query it returns
// the filtered entries unranked, newest updatedAt first, then id ascending.
func (s *Store) Search(c Criteria) ([]Entry, error) {
	s.mu.Lock()
	defer func() { s.mu.Unlock() }()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	max := c.MaxResults
	if max <= 0 {
		max = 20
	}

	var docs []bm25.Document
	filtered := make(map[string]Entry)
	for _, e := range s.entries {
		if c.CategoryPrefix != "" && !strings.HasPrefix(e.Category, c.CategoryPrefix) {
			continue
		}
		if len(c.Tags) > 0 && !hasAllTags(e.Tags, c.Tags) {
			continue
		}
		if !c.CreatedAfter.IsZero() && e.CreatedAt.Before(c.CreatedAfter) {
			continue
		}
		if !c.CreatedBefore.IsZero() && e.CreatedAt.After(c.CreatedBefore) {
			continue
		}
		filtered[e.ID] = e
		docs = append(docs, bm25.Document{
			ID:        e.ID,
			Tokens:    bm25.Tokenize(e.Content),
			UpdatedAt: timeKey(e.UpdatedAt),
			CreatedAt: timeKey(e.CreatedAt),
		})
	}

	if strings.TrimSpace(c.Query) == "" {
		out := make([]Entry, 0, len(filtered))
		for _, e := range filtered {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].UpdatedAt.After(out[j].UpdatedAt)
			}
			return out[i].ID < out[j].ID
		})
		if len(out) > max {
			out = out[:max]
		}
		return out, nil
	}

	ranked := bm25.Rank(c.Query, docs, s.params, max)
	out := make([]Entry, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, filtered[r.ID])
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

func timeKey(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// ListTags returns every distinct tag across all entries, sorted.
func (s *Store) ListTags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()

	set := make(map[string]bool)
	for _, e := range s.entries {
		for _, t := range e.Tags {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ListCategories returns every distinct category path across all entries, sorted.
func (s *Store) ListCategories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()

	set := make(map[string]bool)
	for _, e := range s.entries {
		if e.Category != "" {
			set[e.Category] = true
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
