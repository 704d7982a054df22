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

// Package convmemory holds the volatile, per-session sliding window of
// recent conversation turns. Nothing here touches disk; it is reset when the
// process restarts.
package convmemory

import (
	"sync"
	"time"
)

// Role enumerates who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry in a session's history.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

type session struct {
	turns      []Turn
	lastTouch  time.Time
}

// Store is a thread-safe, per-session conversation buffer with count-based
// eviction (oldest first) and idle-session expiry.
type Store struct {
	mu             sync.Mutex
	sessions       map[string]*session
	maxTurns       int
	idleTimeout    time.Duration
}

// New builds a Store. maxTurns bounds the sliding window per session;
// idleTimeout evicts a session's entire history once it has gone untouched
// that long.
func New(maxTurns int, idleTimeout time.Duration) *Store {
	return &Store{
		sessions:    make(map[string]*session),
		maxTurns:    maxTurns,
		idleTimeout: idleTimeout,
	}
}

// Add appends turn to sessionID's history, evicting the oldest turn first if
// the window is full.
func (s *Store) Add(sessionID string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictIdleLocked()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	sess.turns = append(sess.turns, turn)
	if s.maxTurns > 0 && len(sess.turns) > s.maxTurns {
		sess.turns = sess.turns[len(sess.turns)-s.maxTurns:]
	}
	sess.lastTouch = time.Now()
}

// Get returns a snapshot copy of sessionID's turns in chronological order.
// Callers may not mutate the returned slice's backing array to affect
// retained state — it is always a fresh copy.
func (s *Store) Get(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Turn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// Clear discards sessionID's history entirely.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// evictIdleLocked removes sessions untouched for longer than idleTimeout.
// Must be called with s.mu held.
func (s *Store) evictIdleLocked() {
	if s.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.idleTimeout)
	for id, sess := range s.sessions {
		if sess.lastTouch.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
