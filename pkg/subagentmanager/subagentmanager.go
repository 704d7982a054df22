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

// Package subagentmanager spawns, tracks, and cancels isolated background
// loop runs. Each subagent gets its own session id, a working-memory
// namespace that its scratch tools write under, and a tool set of its own:
// the primary registry's tools plus a baked report_progress tool and a
// longtermmemory "whiteboard" the primary session folds back in on
// completion. The cloned primary tools are not scoped to that namespace.
package subagentmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/looprunner"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/transport"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

// WhiteboardCategory is the longtermmemory category prefix a subagent's
// whiteboard entries are filed under; the primary session deletes this
// category for a task once it has folded the result in.
func WhiteboardCategory(taskID string) string {
	return "subagent-whiteboards/" + taskID
}

// Deps bundles everything a spawned subagent's own loop run needs.
type Deps struct {
	Bus       transport.Bus
	AgentName string
	Model     llm.ChatModel
	BaseTools *toolregistry.Registry // cloned into every subagent's restricted registry
	Working   *workingmemory.Store
	LongTerm  *longtermmemory.Store
	LoopCfg   looprunner.Config
	Logger    *slog.Logger
}

// Entry describes one active subagent.
type Entry struct {
	TaskID            string
	SubagentSessionID string
	PrimarySessionID  string
	Description       string
	StartedAt         time.Time
	cancel            context.CancelFunc
	done              chan struct{}
}

// Manager bounds and tracks concurrently running subagents.
type Manager struct {
	deps          Deps
	maxConcurrent int

	mu     sync.Mutex
	active map[string]*Entry
}

// New builds a Manager. maxConcurrent <= 0 means unbounded.
func New(deps Deps, maxConcurrent int) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{deps: deps, maxConcurrent: maxConcurrent, active: make(map[string]*Entry)}
}

// Spawn starts a background loop run. It rejects with an error string,
// never a panic or silent drop, once activeCount reaches maxConcurrent.
func (m *Manager) Spawn(ctx context.Context, description string, scratch map[string]string, timeout time.Duration, primarySessionID string) (string, error) {
	m.mu.Lock()
	if m.maxConcurrent > 0 && len(m.active) >= m.maxConcurrent {
		m.mu.Unlock()
		return "", fmt.Errorf("subagentmanager: at capacity (%d active)", m.maxConcurrent)
	}

	taskID := uuid.NewString()[:8]
	subagentSessionID := "subagent-" + taskID

	runCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	}

	entry := &Entry{
		TaskID:            taskID,
		SubagentSessionID: subagentSessionID,
		PrimarySessionID:  primarySessionID,
		Description:       description,
		StartedAt:         time.Now().UTC(),
		cancel:            cancel,
		done:              make(chan struct{}),
	}
	m.active[taskID] = entry
	m.mu.Unlock()

	go m.run(runCtx, entry, description, scratch)
	return taskID, nil
}

// run drives the subagent's own loop and guarantees exactly one
// SubagentResultMessage is published, even if the loop fails to start.
func (m *Manager) run(ctx context.Context, entry *Entry, description string, scratch map[string]string) {
	defer close(entry.done)
	defer func() {
		m.mu.Lock()
		delete(m.active, entry.TaskID)
		m.mu.Unlock()
	}()

	result := m.execute(ctx, entry, description, scratch)
	m.publishResult(entry, result)
}

type outcome struct {
	text string
	err  error
}

func (m *Manager) execute(ctx context.Context, entry *Entry, description string, scratch map[string]string) outcome {
	namespace := "subagent/" + entry.TaskID

	for k, v := range scratch {
		key := namespace + "/" + strings.TrimPrefix(k, "/")
		if err := m.deps.Working.Set(key, v, time.Hour, "subagent-context", nil); err != nil {
			m.deps.Logger.Warn("subagentmanager: seed scratch failed", "task", entry.TaskID, "key", key, "error", err)
		}
	}

	tools := m.restrictedRegistry(entry.TaskID, namespace)
	runner := looprunner.New(m.deps.Model, tools, m.deps.Working, m.deps.LoopCfg, m.deps.Logger)

	messagesIn := []llm.Message{
		{Role: "system", Content: "You are a subagent handling one delegated task. Use report_progress to narrate milestones and working-memory tools under your namespace for scratch state."},
		{Role: "user", Content: description},
	}

	res, err := runner.Run(ctx, namespace, messagesIn, toolDefsFor(tools))
	if err != nil {
		if err == looprunner.ErrCancelled {
			return outcome{err: err}
		}
		return outcome{err: err}
	}
	return outcome{text: res.Text}
}

func (m *Manager) publishResult(entry *Entry, o outcome) {
	result := messages.SubagentResultMessage{
		TaskID:           entry.TaskID,
		PrimarySessionID: entry.PrimarySessionID,
	}
	switch {
	case o.err == looprunner.ErrCancelled:
		result.IsSuccess = false
		result.Error = "cancelled"
	case o.err != nil:
		result.IsSuccess = false
		result.Error = o.err.Error()
	default:
		result.IsSuccess = true
		result.Output = o.text
	}

	body, err := json.Marshal(result)
	if err != nil {
		m.deps.Logger.Error("subagentmanager: marshal result failed", "task", entry.TaskID, "error", err)
		return
	}
	env := envelope.New(m.deps.AgentName, messages.TypeSubagentResultMessage, body, envelope.WithCorrelationID(entry.TaskID))
	if err := m.deps.Bus.Publish(context.Background(), messages.TopicSubagentResult, env); err != nil {
		m.deps.Logger.Error("subagentmanager: publish result failed", "task", entry.TaskID, "error", err)
	}
}

// restrictedRegistry builds the per-subagent tool set: everything in the
// base registry, plus a baked report_progress tool and working-memory
// helpers scoped to namespace, plus whiteboard helpers scoped to
// WhiteboardCategory(taskID).
func (m *Manager) restrictedRegistry(taskID, namespace string) *toolregistry.Registry {
	reg := toolregistry.New()
	for _, d := range m.deps.BaseTools.Descriptors() {
		desc := d
		_ = reg.Add(desc, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
			return m.deps.BaseTools.Call(ctx, inv)
		}))
	}

	_ = reg.Add(toolregistry.Descriptor{
		Name:        "report_progress",
		Description: "Publish a progress update visible to the primary session while this subagent works.",
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"content": map[string]any{"type": "string"}},
			"required":   []string{"content"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		content, _ := inv.Arguments["content"].(string)
		body, _ := json.Marshal(messages.SubagentProgressMessage{TaskID: taskID, Content: content})
		env := envelope.New(m.deps.AgentName, messages.TypeSubagentProgressMessage, body, envelope.WithCorrelationID(taskID))
		if err := m.deps.Bus.Publish(ctx, messages.TopicSubagentProgress, env); err != nil {
			return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, IsError: true, Content: map[string]any{"error": err.Error()}}
		}
		return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: map[string]any{"result": "ok"}}
	}))

	_ = reg.Add(toolregistry.Descriptor{
		Name:        "scratchpad_write",
		Description: "Store a scratch value in this subagent's own working-memory namespace.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{"type": "string"}, "value": map[string]any{"type": "string"},
				"ttlSeconds": map[string]any{"type": "integer"},
			},
			"required": []string{"key", "value"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		key, _ := inv.Arguments["key"].(string)
		value, _ := inv.Arguments["value"].(string)
		ttl := time.Hour
		if secs, ok := inv.Arguments["ttlSeconds"].(float64); ok && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
		full := namespace + "/" + strings.TrimPrefix(key, "/")
		if err := m.deps.Working.Set(full, value, ttl, "subagent-scratch", nil); err != nil {
			return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, IsError: true, Content: map[string]any{"error": err.Error()}}
		}
		return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: map[string]any{"result": "stored at " + full}}
	}))

	_ = reg.Add(toolregistry.Descriptor{
		Name:        "whiteboard_write",
		Description: "Record a durable finding the primary session will see once this task completes.",
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"content": map[string]any{"type": "string"}},
			"required":   []string{"content"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		content, _ := inv.Arguments["content"].(string)
		entry := longtermmemory.Entry{
			ID:       uuid.NewString(),
			Content:  content,
			Category: WhiteboardCategory(taskID),
			Tags:     []string{"subagent-output"},
		}
		if err := m.deps.LongTerm.Save(entry); err != nil {
			return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, IsError: true, Content: map[string]any{"error": err.Error()}}
		}
		return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: map[string]any{"result": "recorded"}}
	}))

	return reg
}

func toolDefsFor(reg *toolregistry.Registry) []llm.ToolDefinition {
	descs := reg.Descriptors()
	out := make([]llm.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		out = append(out, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.ParametersSchema})
	}
	return out
}

// Cancel cancels a running subagent's token and waits briefly for it to
// observe cancellation and publish its result.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	entry, ok := m.active[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()

	select {
	case <-entry.done:
	case <-time.After(2 * time.Second):
	}
	return true
}

// ListActive returns a snapshot of every currently running subagent.
func (m *Manager) ListActive() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, *e)
	}
	return out
}
