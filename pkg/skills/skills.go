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

// Package skills stores durable named procedure documents and recalls them
// by BM25 relevance, gating injection with two per-session trackers so a
// session never sees the same skill index or the same recalled skill twice.
package skills

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rockbot/rockbot/pkg/bm25"
)

// Skill is a persisted procedure document. Summary may be empty immediately
// after Save; a background job backfills it (see Store.Save).
type Skill struct {
	Name      string    `json:"name"`
	Summary   string    `json:"summary"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summarizer produces a short (<=15 word) summary of a skill's content. The
// host wires this to the LLM; tests can supply a stub.
type Summarizer func(content string) (string, error)

// Store is a file-backed skill store with BM25 recall and per-session
// delivery tracking.
type Store struct {
	base       string
	usageBase  string
	params     bm25.Params
	summarize  Summarizer
	logger     *slog.Logger

	mu      sync.Mutex
	skills  map[string]Skill
	loaded  bool

	trackMu      sync.Mutex
	indexShown   map[string]bool            // sessionID -> index already injected
	recallShown  map[string]map[string]bool // sessionID -> skill name -> already recalled
}

// New constructs a Store rooted at base, with per-session audit records
// appended under usageBase.
func New(base, usageBase string, params bm25.Params, summarize Summarizer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		base:        base,
		usageBase:   usageBase,
		params:      params,
		summarize:   summarize,
		logger:      logger,
		skills:      make(map[string]Skill),
		indexShown:  make(map[string]bool),
		recallShown: make(map[string]map[string]bool),
	}
}

func skillPath(base, name string) string {
	return filepath.Join(base, filepath.FromSlash(name)+".md.json")
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
		if d.IsDir() || !strings.HasSuffix(path, ".md.json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skills: skip unreadable skill", "path", path, "error", err)
			return nil
		}
		var sk Skill
		if err := json.Unmarshal(data, &sk); err != nil {
			s.logger.Warn("skills: skip malformed skill", "path", path, "error", err)
			return nil
		}
		s.skills[sk.Name] = sk
		return nil
	})
}

// Save upserts a skill by name. If summarize is configured and the skill has
// no summary, a background goroutine computes one and re-saves — errors from
// that pass are logged, never surfaced to the caller of Save.
func (s *Store) Save(sk Skill) error {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	if existing, ok := s.skills[sk.Name]; ok && sk.CreatedAt.IsZero() {
		sk.CreatedAt = existing.CreatedAt
	} else if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now

	if err := s.writeLocked(sk); err != nil {
		s.mu.Unlock()
		return err
	}
	s.skills[sk.Name] = sk
	needsSummary := sk.Summary == "" && s.summarize != nil
	s.mu.Unlock()

	if needsSummary {
		go s.backfillSummary(sk.Name, sk.Content)
	}
	return nil
}

func (s *Store) writeLocked(sk Skill) error {
	path := skillPath(s.base, sk.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("skills: create dir: %w", err)
	}
	data, err := json.MarshalIndent(sk, "", "  ")
	if err != nil {
		return fmt.Errorf("skills: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("skills: write: %w", err)
	}
	return nil
}

func (s *Store) backfillSummary(name, content string) {
	summary, err := s.summarize(content)
	if err != nil {
		s.logger.Warn("skills: summary backfill failed", "skill", name, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.skills[name]
	if !ok {
		return
	}
	sk.Summary = summary
	if err := s.writeLocked(sk); err != nil {
		s.logger.Warn("skills: persist backfilled summary failed", "skill", name, "error", err)
		return
	}
	s.skills[name] = sk
}

// Get returns the skill for name.
func (s *Store) Get(name string) (Skill, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	sk, ok := s.skills[name]
	return sk, ok
}

// Delete removes a skill by name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := s.skills[name]; !ok {
		return nil
	}
	if err := os.Remove(skillPath(s.base, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("skills: delete: %w", err)
	}
	delete(s.skills, name)
	return nil
}

// List returns every skill, pending-summary ones included — per the open
// decision that pending skills participate in recall immediately.
func (s *Store) List() []Skill {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()
	out := make([]Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, sk)
	}
	return out
}

// Search ranks skills by BM25 over "summary content" (pending skills rank on
// content alone, since summary is empty) and returns up to maxResults.
func (s *Store) Search(query string, maxResults int) []Skill {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked()

	var docs []bm25.Document
	for _, sk := range s.skills {
		text := sk.Summary + " " + sk.Content
		docs = append(docs, bm25.Document{
			ID:        sk.Name,
			Tokens:    bm25.Tokenize(text),
			UpdatedAt: sk.UpdatedAt.UnixNano(),
			CreatedAt: sk.CreatedAt.UnixNano(),
		})
	}

	ranked := bm25.Rank(query, docs, s.params, maxResults)
	out := make([]Skill, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, s.skills[r.ID])
	}
	return out
}

// RecordUsage appends a JSONL audit record for one BM25 recall that surfaced
// a skill. Errors are logged, never propagated — the usage ledger is an
// audit trail, not a correctness-critical path.
func (s *Store) RecordUsage(sessionID, skillName string, score float64, timestamp time.Time) {
	if s.usageBase == "" {
		return
	}
	if err := os.MkdirAll(s.usageBase, 0o755); err != nil {
		s.logger.Warn("skills: create usage dir failed", "error", err)
		return
	}
	path := filepath.Join(s.usageBase, time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("skills: open usage ledger failed", "error", err)
		return
	}
	defer f.Close()

	record := struct {
		SessionID string    `json:"sessionId"`
		SkillName string    `json:"skillName"`
		Score     float64   `json:"score"`
		Timestamp time.Time `json:"timestamp"`
	}{sessionID, skillName, score, timestamp}

	w := bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(record); err != nil {
		s.logger.Warn("skills: encode usage record failed", "error", err)
		return
	}
	_ = w.Flush()
}

// ShouldShowIndex reports whether sessionID has not yet seen the full skill
// index this process lifetime, and marks it shown.
func (s *Store) ShouldShowIndex(sessionID string) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.indexShown[sessionID] {
		return false
	}
	s.indexShown[sessionID] = true
	return true
}

// NewRecalls filters candidates down to the ones sessionID has not already
// been shown, and marks them shown.
func (s *Store) NewRecalls(sessionID string, candidates []Skill) []Skill {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	shown, ok := s.recallShown[sessionID]
	if !ok {
		shown = make(map[string]bool)
		s.recallShown[sessionID] = shown
	}

	var out []Skill
	for _, c := range candidates {
		if shown[c.Name] {
			continue
		}
		shown[c.Name] = true
		out = append(out, c)
	}
	return out
}
