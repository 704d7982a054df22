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

// Package workingmemory is the TTL-scoped, path-namespaced scratch space:
// key-addressed rather than id-addressed, BM25-searchable, and restored from
// disk on process restart by replaying whatever has not yet expired.
package workingmemory

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

// Entry is one working-memory record. Value is stored as text; binary
// payloads are the chunking policy's concern, not this store's.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Category  string    `json:"category,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Criteria filters a search.
type Criteria struct {
	Query          string
	CategoryPrefix string
	Tags           []string
	MaxResults     int
}

// Store is a file-backed, TTL-pruned working memory.
type Store struct {
	base      string
	params    bm25.Params
	maxEntries int
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	loaded  bool
}

// New constructs a Store rooted at base. maxEntries bounds how many live
// entries the store holds at once; 0 means unbounded.
func New(base string, params bm25.Params, maxEntries int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{base: base, params: params, maxEntries: maxEntries, logger: logger, entries: make(map[string]Entry)}
}

func keyFile(base, key string) string {
	return filepath.Join(base, strings.ReplaceAll(key, "/", "__")+".json")
}

// ensureLoadedLocked replays every unexpired entry from disk exactly once.
// Expired entries found on disk are dropped silently (they would be pruned
// on first read anyway).
func (s *Store) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	if _, err := os.Stat(s.base); os.IsNotExist(err) {
		return nil
	}

	entriesDir, err := os.ReadDir(s.base)
	if err != nil {
		return fmt.Errorf("workingmemory: read base dir: %w", err)
	}

	now := time.Now()
	for _, f := range entriesDir {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.base, f.Name()))
		if err != nil {
			s.logger.Warn("workingmemory: skip unreadable entry", "file", f.Name(), "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("workingmemory: skip malformed entry", "file", f.Name(), "error", err)
			continue
		}
		if e.expired(now) {
			continue
		}
		s.entries[e.Key] = e
	}
	return nil
}

// Set stores value under key with the given ttl, persisting it to disk. A
// zero ttl is rejected — TTL is mandatory per the contract.
func (s *Store) Set(key, value string, ttl time.Duration, category string, tags []string) error {
	if ttl <= 0 {
		return fmt.Errorf("workingmemory: ttl is required and must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}

	now := time.Now()
	e := Entry{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		Category:  category,
		Tags:      tags,
	}

	if err := s.persistLocked(e); err != nil {
		return err
	}
	s.entries[key] = e
	s.evictIfOverCapacityLocked()
	return nil
}

func (s *Store) persistLocked(e Entry) error {
	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return fmt.Errorf("workingmemory: create base dir: %w", err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("workingmemory: marshal entry: %w", err)
	}
	if err := os.WriteFile(keyFile(s.base, e.Key), data, 0o644); err != nil {
		return fmt.Errorf("workingmemory: write entry: %w", err)
	}
	return nil
}

// evictIfOverCapacityLocked drops the entry nearest expiry until the store
// is back within maxEntries. Must be called with s.mu held.
func (s *Store) evictIfOverCapacityLocked() {
	if s.maxEntries <= 0 || len(s.entries) <= s.maxEntries {
		return
	}
	for len(s.entries) > s.maxEntries {
		var oldestKey string
		var oldestExpiry time.Time
		first := true
		for k, e := range s.entries {
			if first || e.ExpiresAt.Before(oldestExpiry) {
				oldestKey, oldestExpiry, first = k, e.ExpiresAt, false
			}
		}
		delete(s.entries, oldestKey)
		_ = os.Remove(keyFile(s.base, oldestKey))
	}
}

// pruneExpiredLocked removes entries whose TTL has elapsed. Must be called
// with s.mu held, before any list/search/get operation.
func (s *Store) pruneExpiredLocked() {
	now := time.Now()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			_ = os.Remove(keyFile(s.base, k))
		}
	}
}

// Get returns the value for key if it is currently unexpired.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	s.pruneExpiredLocked()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	return e.Value, true
}

// Delete removes key unconditionally.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	_ = os.Remove(keyFile(s.base, key))
}

// DeletePrefix removes every key under the given namespace prefix, used by
// the A2A coordinator to purge a prior same-agent result before writing a
// fresh one.
func (s *Store) DeletePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			_ = os.Remove(keyFile(s.base, k))
		}
	}
}

// List returns every currently unexpired entry.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	s.pruneExpiredLocked()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Clear removes every entry, in memory and on disk.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	for k := range s.entries {
		_ = os.Remove(keyFile(s.base, k))
	}
	s.entries = make(map[string]Entry)
}

// Search ranks unexpired entries by BM25 score over value, after category
// prefix and tag pre-filters. With an empty Query it returns the filtered
// entries unranked, newest storedAt first, then key ascending.
func (s *Store) Search(c Criteria) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	s.pruneExpiredLocked()

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
		filtered[e.Key] = e
		docs = append(docs, bm25.Document{
			ID:        e.Key,
			Tokens:    bm25.Tokenize(e.Value),
			CreatedAt: e.StoredAt.UnixNano(),
		})
	}

	if strings.TrimSpace(c.Query) == "" {
		out := make([]Entry, 0, len(filtered))
		for _, e := range filtered {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].StoredAt.Equal(out[j].StoredAt) {
				return out[i].StoredAt.After(out[j].StoredAt)
			}
			return out[i].Key < out[j].Key
		})
		if len(out) > max {
			out = out[:max]
		}
		return out
	}

	ranked := bm25.Rank(c.Query, docs, s.params, max)
	out := make([]Entry, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, filtered[r.ID])
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, w := range want {
		if !set[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

// ChunkKey synthesizes the key the loop runner's chunking policy writes a
// large tool result under: {namespace}/tool/{callID}.
func ChunkKey(namespace, callID string) string {
	return fmt.Sprintf("%s/tool/%s", strings.TrimSuffix(namespace, "/"), callID)
}
