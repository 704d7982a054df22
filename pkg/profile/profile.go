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

// Package profile loads the ordered personality/directive documents that
// make up an agent's identity and composes them into one LLM system prompt.
// A fsnotify watcher optionally keeps the composed prompt fresh as the
// author edits the underlying markdown files, without a host restart.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Profile holds the raw content of each document. Style and MemoryRules are
// optional; Soul and Directives are required.
type Profile struct {
	Soul        string
	Directives  string
	Style       string
	MemoryRules string
}

// Load reads soul.md, directives.md, and (if present) style.md and
// memory-rules.md from dir.
func Load(dir string) (Profile, error) {
	soul, err := readRequired(dir, "soul.md")
	if err != nil {
		return Profile{}, err
	}
	directives, err := readRequired(dir, "directives.md")
	if err != nil {
		return Profile{}, err
	}
	style, _ := readOptional(dir, "style.md")
	memoryRules, _ := readOptional(dir, "memory-rules.md")

	return Profile{Soul: soul, Directives: directives, Style: style, MemoryRules: memoryRules}, nil
}

func readRequired(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("profile: read %s: %w", name, err)
	}
	return string(data), nil
}

func readOptional(dir, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Compose builds the system prompt: "You are {name}.\n\n{soul}\n\n{directives}\n\n{memoryRules?}\n\n{style?}".
func Compose(name string, p Profile) string {
	out := fmt.Sprintf("You are %s.\n\n%s\n\n%s", name, p.Soul, p.Directives)
	if p.MemoryRules != "" {
		out += "\n\n" + p.MemoryRules
	}
	if p.Style != "" {
		out += "\n\n" + p.Style
	}
	return out
}

// Watcher keeps a composed system prompt in sync with the on-disk profile
// documents, recomposing on any fsnotify write event under dir.
type Watcher struct {
	name   string
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	current string

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  atomic.Bool
}

// NewWatcher loads the profile at dir, composes the initial prompt, and
// starts watching dir for changes. Call Close to stop watching.
func NewWatcher(name, dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p, err := Load(dir)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("profile: create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("profile: watch %s: %w", dir, err)
	}

	w := &Watcher{
		name:    name,
		dir:     dir,
		logger:  logger,
		current: Compose(name, p),
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p, err := Load(w.dir)
			if err != nil {
				w.logger.Warn("profile: reload failed, keeping prior prompt", "error", err)
				continue
			}
			w.mu.Lock()
			w.current = Compose(w.name, p)
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("profile: watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Prompt returns the most recently composed system prompt.
func (w *Watcher) Prompt() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}
