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

// Package activitymonitor exposes a simple "is the user currently waiting"
// signal so deferred background work (the consolidation driver, scheduled
// tasks about to decide whether to acquire a slot) can defer to a live user
// rather than guessing from the work serializer's slot alone.
package activitymonitor

import (
	"sync"
	"time"
)

// Monitor tracks the most recent user-turn timestamp per session. A session
// is considered active for idleThreshold after its last observed turn.
type Monitor struct {
	mu            sync.Mutex
	lastSeen      map[string]time.Time
	idleThreshold time.Duration
	now           func() time.Time
}

// New builds a Monitor. idleThreshold <= 0 defaults to 30s.
func New(idleThreshold time.Duration) *Monitor {
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Second
	}
	return &Monitor{lastSeen: make(map[string]time.Time), idleThreshold: idleThreshold, now: time.Now}
}

// Touch records that sessionID just produced a user turn.
func (m *Monitor) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[sessionID] = m.now()
}

// IsSessionActive reports whether sessionID has been touched within the
// idle threshold.
func (m *Monitor) IsSessionActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSeen[sessionID]
	if !ok {
		return false
	}
	return m.now().Sub(t) < m.idleThreshold
}

// AnyActive reports whether any session is currently within the idle
// threshold, the signal deferred background work (e.g. the consolidation
// driver) checks before running.
func (m *Monitor) AnyActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, t := range m.lastSeen {
		if now.Sub(t) < m.idleThreshold {
			return true
		}
	}
	return false
}
