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

// Package conversationlog appends every conversation turn to a durable,
// append-only JSONL trail under conversation-log/ — the input the
// consolidation driver reads back to compact memories, independent of the
// volatile in-process convmemory window.
package conversationlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rockbot/rockbot/pkg/convmemory"
)

// Record is one logged turn.
type Record struct {
	SessionID string         `json:"sessionId"`
	Role      convmemory.Role `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log appends turns to one JSONL file per UTC day under base.
type Log struct {
	base string
	mu   sync.Mutex
}

// New builds a Log rooted at base.
func New(base string) *Log {
	return &Log{base: base}
}

// Append writes one record. Errors are returned, not swallowed: the caller
// (the dispatcher's turn-recording step) decides whether a log-write
// failure should affect the handler's outcome.
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.base, 0o755); err != nil {
		return fmt.Errorf("conversationlog: create dir: %w", err)
	}
	path := filepath.Join(l.base, r.Timestamp.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("conversationlog: open: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(r); err != nil {
		return fmt.Errorf("conversationlog: encode: %w", err)
	}
	return w.Flush()
}

// ReadSince returns every record logged on or after since, across however
// many daily files that spans. Malformed lines are skipped with no error:
// the log is a best-effort consolidation input, not a correctness-critical
// read path.
func (l *Log) ReadSince(since time.Time) ([]Record, error) {
	entries, err := os.ReadDir(l.base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversationlog: read dir: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		day, err := time.Parse("2006-01-02", e.Name()[:len(e.Name())-len(".jsonl")])
		if err == nil && day.Before(since.Truncate(24*time.Hour)) {
			continue
		}
		f, err := os.Open(filepath.Join(l.base, e.Name()))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var r Record
			if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
				continue
			}
			if r.Timestamp.Before(since) {
				continue
			}
			out = append(out, r)
		}
		f.Close()
	}
	return out, nil
}
