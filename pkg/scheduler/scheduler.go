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

// Package scheduler arms cron-driven timers that publish a synthetic
// ScheduledTaskMessage envelope into the local dispatch pipeline when they
// fire. Persisted tasks survive a restart; missed firings during downtime are
// never back-filled, matching the teacher's cron engine from
// teradata-labs/loom but swapped onto rockbot's envelope/transport layer
// instead of a gRPC-facing workflow store.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/transport"
)

// Task is one persisted scheduled entry.
type Task struct {
	Name           string     `json:"name"`
	CronExpression string     `json:"cronExpression"`
	Description    string     `json:"description"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastFiredAt    *time.Time `json:"lastFiredAt,omitempty"`
}

var (
	fiveFieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sixFieldParser  = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// parseSchedule sniffs the field count before parsing: six space-separated
// fields means the leading field is seconds; five is the standard
// minute-leading layout. A leading "@" descriptor ("@every 5m") is always
// five-field-compatible.
func parseSchedule(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "@") {
		return fiveFieldParser.Parse(trimmed)
	}
	switch len(strings.Fields(trimmed)) {
	case 5:
		return fiveFieldParser.Parse(trimmed)
	case 6:
		return sixFieldParser.Parse(trimmed)
	default:
		return nil, fmt.Errorf("scheduler: cron expression %q must have 5 or 6 fields", expr)
	}
}

// Scheduler owns one cron engine per process, a persisted task list, and the
// envelope publication that re-enters the dispatch pipeline on every fire.
type Scheduler struct {
	path      string
	agentName string
	topic     string
	bus       transport.Bus
	logger    *slog.Logger

	engine *cron.Cron

	mu      sync.Mutex
	tasks   map[string]Task
	entries map[string]cron.EntryID
}

// New builds a Scheduler. path is the file scheduled-tasks.json is persisted
// to; loc is the agent's configured timezone (defaults to UTC).
func New(path, agentName, topic string, loc *time.Location, bus transport.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	if topic == "" {
		topic = "agent.scheduled.tick"
	}
	return &Scheduler{
		path:      path,
		agentName: agentName,
		topic:     topic,
		bus:       bus,
		logger:    logger,
		engine:    cron.New(cron.WithLocation(loc)),
		tasks:     make(map[string]Task),
		entries:   make(map[string]cron.EntryID),
	}
}

// Topic returns the topic this scheduler publishes ticks to, so the host can
// subscribe its own handler.
func (s *Scheduler) Topic() string { return s.topic }

// Load reads the persisted task list (a no-op, not an error, if the file
// does not exist yet) and arms a timer for each entry.
func (s *Scheduler) Load(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: read %s: %w", s.path, err)
	}

	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		s.logger.Warn("scheduler: malformed scheduled-tasks.json, starting empty", "error", err)
		return nil
	}

	for _, t := range tasks {
		if err := s.arm(ctx, t); err != nil {
			s.logger.Warn("scheduler: failed to arm persisted task, skipping", "name", t.Name, "error", err)
		}
	}
	return nil
}

// Start begins firing armed timers. Call Load first to restore persisted
// tasks.
func (s *Scheduler) Start() {
	s.engine.Start()
}

// Stop stops accepting new firings and returns a context that is done once
// in-flight fires complete.
func (s *Scheduler) Stop() context.Context {
	return s.engine.Stop()
}

// Schedule upserts a task by name: saving an existing name atomically
// cancels the old timer before arming the new one.
func (s *Scheduler) Schedule(ctx context.Context, t Task) error {
	if t.Name == "" {
		return fmt.Errorf("scheduler: task name is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	if err := s.arm(ctx, t); err != nil {
		return err
	}
	return s.persist()
}

// arm parses the cron expression, replaces any existing timer for t.Name
// with a fresh one, and records the task. Must not hold s.mu on entry.
func (s *Scheduler) arm(ctx context.Context, t Task) error {
	sched, err := parseSchedule(t.CronExpression)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if id, ok := s.entries[t.Name]; ok {
		s.engine.Remove(id)
	}
	id := s.engine.Schedule(sched, cron.FuncJob(func() { s.fire(ctx, t.Name) }))
	s.entries[t.Name] = id
	s.tasks[t.Name] = t
	s.mu.Unlock()
	return nil
}

// fire publishes a ScheduledTaskMessage envelope and records LastFiredAt.
func (s *Scheduler) fire(ctx context.Context, name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	body, err := json.Marshal(messages.ScheduledTaskMessage{TaskName: t.Name, Description: t.Description})
	if err != nil {
		s.logger.Warn("scheduler: marshal tick failed", "name", name, "error", err)
		return
	}
	env := envelope.New(s.agentName, messages.TypeScheduledTaskMessage, body)
	if err := s.bus.Publish(ctx, s.topic, env); err != nil {
		s.logger.Warn("scheduler: publish tick failed", "name", name, "error", err)
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	t.LastFiredAt = &now
	s.tasks[name] = t
	s.mu.Unlock()
	_ = s.persist()
}

// Cancel removes a scheduled task's timer and drops it from the persisted
// list.
func (s *Scheduler) Cancel(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	if ok {
		s.engine.Remove(id)
		delete(s.entries, name)
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: no task named %q", name)
	}
	return s.persist()
}

// List returns every currently scheduled task.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// NextOccurrence reports when t would next fire, independent of whether it
// is currently armed.
func (s *Scheduler) NextOccurrence(t Task) (time.Time, error) {
	sched, err := parseSchedule(t.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(time.Now()), nil
}

func (s *Scheduler) persist() error {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("scheduler: create dir: %w", err)
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal tasks: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("scheduler: write tasks: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("scheduler: rename tasks: %w", err)
	}
	return nil
}
