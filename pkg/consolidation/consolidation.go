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

// Package consolidation runs the periodic "dream" pass: it reads back the
// append-only conversation log, asks the model to distill anything durable
// worth keeping, and saves the result as long-term memory entries. It only
// ever runs in a background work-serializer slot, deferring whenever a user
// is active, and it never touches conversation-memory or skips straight past
// a preemption rather than retrying mid-flight.
package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rockbot/rockbot/pkg/activitymonitor"
	"github.com/rockbot/rockbot/pkg/conversationlog"
	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/workingmemory"
	"github.com/rockbot/rockbot/pkg/workserializer"
)

const consolidatedCategory = "consolidated"

// distillation is the structured shape we ask the model to emit. Providers
// that can't guarantee structured output still work: a response that fails
// to parse is treated as "nothing worth keeping" rather than an error, since
// a skipped consolidation pass is harmless and there's always a next one.
type distillation struct {
	Summaries []summaryItem `json:"summaries"`
}

type summaryItem struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// Config controls pass cadence and how much log history each pass considers.
type Config struct {
	Interval    time.Duration
	LookbackMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.LookbackMax <= 0 {
		c.LookbackMax = 24 * time.Hour
	}
	return c
}

// Driver owns the periodic consolidation loop.
type Driver struct {
	cfg        Config
	agentName  string
	log        *conversationlog.Log
	longTerm   *longtermmemory.Store
	working    *workingmemory.Store
	model      llm.ChatModel
	activity   *activitymonitor.Monitor
	serializer *workserializer.Serializer
	logger     *slog.Logger

	lastRun time.Time
}

// New builds a Driver. model may be nil in deployments that never enable
// consolidation; Start then exits immediately without arming a ticker.
func New(cfg Config, agentName string, log *conversationlog.Log, longTerm *longtermmemory.Store, working *workingmemory.Store, model llm.ChatModel, activity *activitymonitor.Monitor, serializer *workserializer.Serializer, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:        cfg.withDefaults(),
		agentName:  agentName,
		log:        log,
		longTerm:   longTerm,
		working:    working,
		model:      model,
		activity:   activity,
		serializer: serializer,
		logger:     logger,
	}
}

// Start runs the consolidation loop until ctx is cancelled. It is meant to
// run in its own goroutine for the lifetime of the host.
func (d *Driver) Start(ctx context.Context) {
	if d.model == nil {
		d.logger.Info("consolidation: no model configured, driver disabled")
		return
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick defers to an active user and otherwise runs exactly one pass under a
// background work-serializer slot, releasing it unconditionally afterward.
func (d *Driver) tick(ctx context.Context) {
	if d.activity != nil && d.activity.AnyActive() {
		d.logger.Debug("consolidation: skipping pass, a user session is active")
		return
	}

	slot := d.serializer.TryAcquireForScheduled()
	if slot == nil {
		d.logger.Debug("consolidation: skipping pass, work slot already held")
		return
	}
	defer slot.Release()

	if err := d.runOnce(slot.Token()); err != nil {
		if slot.Token().Err() != nil {
			d.logger.Info("consolidation: pass preempted by user activity")
			return
		}
		d.logger.Warn("consolidation: pass failed", "error", err)
	}
}

// runOnce gathers conversation-log records since the last successful pass
// (or the configured lookback, whichever is shorter), asks the model to
// distill them, and saves whatever it returns as durable memory entries.
func (d *Driver) runOnce(ctx context.Context) error {
	since := time.Now().UTC().Add(-d.cfg.LookbackMax)
	if !d.lastRun.IsZero() && d.lastRun.After(since) {
		since = d.lastRun
	}

	records, err := d.log.ReadSince(since)
	if err != nil {
		return fmt.Errorf("consolidation: read log: %w", err)
	}
	if len(records) == 0 {
		d.lastRun = time.Now().UTC()
		return nil
	}

	prompt := buildPrompt(records)
	resp, err := d.model.Generate(ctx, []llm.Message{
		{Role: "system", Content: consolidationSystemPrompt},
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return fmt.Errorf("consolidation: generate: %w", err)
	}

	var parsed distillation
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
		d.logger.Debug("consolidation: model response was not structured, skipping this pass", "error", err)
		d.lastRun = time.Now().UTC()
		return nil
	}

	for _, item := range parsed.Summaries {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		entry := longtermmemory.Entry{
			ID:       uuid.NewString(),
			Content:  content,
			Category: consolidatedCategory,
			Tags:     item.Tags,
			Metadata: map[string]string{"source": "consolidation"},
		}
		if err := d.longTerm.Save(entry); err != nil {
			return fmt.Errorf("consolidation: save entry: %w", err)
		}
	}

	d.lastRun = time.Now().UTC()
	d.logger.Info("consolidation: pass complete", "records", len(records), "entriesSaved", len(parsed.Summaries))
	return nil
}

const consolidationSystemPrompt = `You review a batch of conversation turns and decide what, if anything, is durable enough to remember long past this session: stable facts, preferences, decisions, or commitments. Most turns contain nothing worth keeping. Respond with a JSON object of the shape {"summaries":[{"content":"...","tags":["..."]}]}. Return an empty summaries array if nothing is worth retaining. Never include anything already obviously ephemeral (small talk, one-off requests already completed).`

func buildPrompt(records []conversationlog.Record) string {
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "[%s] %s: %s\n", r.Timestamp.Format(time.RFC3339), r.Role, r.Content)
	}
	return b.String()
}

// extractJSON trims any leading/trailing prose a model wraps structured
// output in, taking the first balanced-looking {...} span.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
