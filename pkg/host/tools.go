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

// The baked-in tool set every agent ships with: durable and working memory
// access, skills, scheduling, subagents, peer-agent invocation, and feedback
// recording. registerBakedTools populates h.tools before any MCP source is
// consulted, so a local tool always wins a name collision.
package host

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rockbot/rockbot/pkg/feedback"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/scheduler"
	"github.com/rockbot/rockbot/pkg/skills"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

const (
	defaultSubagentTimeout = 10 * time.Minute
	defaultA2ATimeout      = 2 * time.Minute
	defaultWorkingTTL      = time.Hour
)

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intArg(args map[string]any, key string, def int) int {
	if n, ok := args[key].(float64); ok && n > 0 {
		return int(n)
	}
	return def
}

func durationMinutesArg(args map[string]any, key string, def time.Duration) time.Duration {
	if n, ok := args[key].(float64); ok && n > 0 {
		return time.Duration(n) * time.Minute
	}
	return def
}

func okResult(inv toolregistry.Invocation, content map[string]any) toolregistry.Result {
	return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: content}
}

func errResult(inv toolregistry.Invocation, err error) toolregistry.Result {
	return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, IsError: true, Content: map[string]any{"error": err.Error()}}
}

// registerBakedTools adds every tool this host always ships with to h.tools.
func (h *Host) registerBakedTools() {
	h.addLongTermMemoryTools()
	h.addWorkingMemoryTools()
	h.addSkillTools()
	h.addSchedulerTools()
	h.addSubagentTools()
	h.addA2ATools()
	h.addFeedbackTool()
}

func (h *Host) addLongTermMemoryTools() {
	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "remember",
		Description: "Save a durable fact, preference, or finding to long-term memory.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content":  map[string]any{"type": "string"},
				"category": map[string]any{"type": "string"},
				"tags":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"content"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		entry := longtermmemory.Entry{
			ID:       uuid.NewString(),
			Content:  stringArg(inv.Arguments, "content"),
			Category: stringArg(inv.Arguments, "category"),
			Tags:     stringSliceArg(inv.Arguments, "tags"),
		}
		if err := h.longTerm.Save(entry); err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"id": entry.ID})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "recall",
		Description: "Search long-term memory by relevance, optionally scoped to a category prefix.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string"},
				"category":    map[string]any{"type": "string"},
				"maxResults":  map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		results, err := h.longTerm.Search(longtermmemory.Criteria{
			Query:          stringArg(inv.Arguments, "query"),
			CategoryPrefix: stringArg(inv.Arguments, "category"),
			MaxResults:     intArg(inv.Arguments, "maxResults", 5),
		})
		if err != nil {
			return errResult(inv, err)
		}
		var sb strings.Builder
		for _, e := range results {
			sb.WriteString("- ")
			sb.WriteString(e.Content)
			sb.WriteString("\n")
		}
		return okResult(inv, map[string]any{"results": sb.String()})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "forget",
		Description: "Delete a long-term memory entry by id.",
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "string"}},
			"required":   []string{"id"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		if err := h.longTerm.Delete(stringArg(inv.Arguments, "id")); err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"result": "forgotten"})
	}))
}

func (h *Host) addWorkingMemoryTools() {
	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "working_set",
		Description: "Store a scratch value in working memory for a bounded time.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":        map[string]any{"type": "string"},
				"value":      map[string]any{"type": "string"},
				"ttlSeconds": map[string]any{"type": "integer"},
				"category":   map[string]any{"type": "string"},
				"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"key", "value"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		ttl := defaultWorkingTTL
		if secs, ok := inv.Arguments["ttlSeconds"].(float64); ok && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
		key := stringArg(inv.Arguments, "key")
		if err := h.working.Set(key, stringArg(inv.Arguments, "value"), ttl, stringArg(inv.Arguments, "category"), stringSliceArg(inv.Arguments, "tags")); err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"result": "stored at " + key})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "working_get",
		Description: "Read a working-memory value by key.",
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": map[string]any{"type": "string"}},
			"required":   []string{"key"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		value, ok := h.working.Get(stringArg(inv.Arguments, "key"))
		if !ok {
			return okResult(inv, map[string]any{"found": false})
		}
		return okResult(inv, map[string]any{"found": true, "value": value})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "working_search",
		Description: "Search working memory by relevance, optionally scoped to a category prefix.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":          map[string]any{"type": "string"},
				"categoryPrefix": map[string]any{"type": "string"},
				"maxResults":     map[string]any{"type": "integer"},
			},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		results := h.working.Search(workingmemory.Criteria{
			Query:          stringArg(inv.Arguments, "query"),
			CategoryPrefix: stringArg(inv.Arguments, "categoryPrefix"),
			MaxResults:     intArg(inv.Arguments, "maxResults", 5),
		})
		var sb strings.Builder
		for _, e := range results {
			sb.WriteString("- ")
			sb.WriteString(e.Value)
			sb.WriteString("\n")
		}
		return okResult(inv, map[string]any{"results": sb.String()})
	}))
}

func (h *Host) addSkillTools() {
	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "save_skill",
		Description: "Save a named, reusable procedure as a skill for future recall.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"name", "content"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		sk := skills.Skill{Name: stringArg(inv.Arguments, "name"), Content: stringArg(inv.Arguments, "content")}
		if err := h.skillsStore.Save(sk); err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"result": "saved"})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "search_skills",
		Description: "Search saved skills by relevance.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":      map[string]any{"type": "string"},
				"maxResults": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		results := h.skillsStore.Search(stringArg(inv.Arguments, "query"), intArg(inv.Arguments, "maxResults", 5))
		var sb strings.Builder
		for _, sk := range results {
			sb.WriteString("- ")
			sb.WriteString(sk.Name)
			sb.WriteString(": ")
			sb.WriteString(sk.Content)
			sb.WriteString("\n")
		}
		return okResult(inv, map[string]any{"results": sb.String()})
	}))
}

func (h *Host) addSchedulerTools() {
	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "schedule_task",
		Description: "Arm a cron-triggered task that will run through this same agent later.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":           map[string]any{"type": "string"},
				"cronExpression": map[string]any{"type": "string"},
				"description":    map[string]any{"type": "string"},
			},
			"required": []string{"name", "cronExpression", "description"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		t := scheduler.Task{
			Name:           stringArg(inv.Arguments, "name"),
			CronExpression: stringArg(inv.Arguments, "cronExpression"),
			Description:    stringArg(inv.Arguments, "description"),
		}
		if err := h.sched.Schedule(ctx, t); err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"result": "scheduled"})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "cancel_scheduled_task",
		Description: "Cancel a previously scheduled task by name.",
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []string{"name"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		if err := h.sched.Cancel(stringArg(inv.Arguments, "name")); err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"result": "cancelled"})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:             "list_scheduled_tasks",
		Description:      "List every currently armed scheduled task.",
		ParametersSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Source:           toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		tasks := h.sched.List()
		var sb strings.Builder
		for _, t := range tasks {
			sb.WriteString("- ")
			sb.WriteString(t.Name)
			sb.WriteString(" (")
			sb.WriteString(t.CronExpression)
			sb.WriteString("): ")
			sb.WriteString(t.Description)
			sb.WriteString("\n")
		}
		return okResult(inv, map[string]any{"tasks": sb.String()})
	}))
}

func (h *Host) addSubagentTools() {
	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "spawn_subagent",
		Description: "Spawn a background subagent to work on a description independently, reporting back when done.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description":    map[string]any{"type": "string"},
				"timeoutMinutes": map[string]any{"type": "integer"},
			},
			"required": []string{"description"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		sessionID := sessionIDFromContext(ctx)
		timeout := durationMinutesArg(inv.Arguments, "timeoutMinutes", defaultSubagentTimeout)
		taskID, err := h.subagents.Spawn(ctx, stringArg(inv.Arguments, "description"), nil, timeout, sessionID)
		if err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"taskId": taskID})
	}))

	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "cancel_subagent",
		Description: "Cancel a running subagent task by id.",
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"taskId": map[string]any{"type": "string"}},
			"required":   []string{"taskId"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		ok := h.subagents.Cancel(stringArg(inv.Arguments, "taskId"))
		return okResult(inv, map[string]any{"cancelled": ok})
	}))
}

func (h *Host) addA2ATools() {
	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "invoke_agent",
		Description: "Ask a known peer agent to perform a skill and report back asynchronously.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agentName":      map[string]any{"type": "string"},
				"skill":          map[string]any{"type": "string"},
				"message":        map[string]any{"type": "string"},
				"timeoutMinutes": map[string]any{"type": "integer"},
			},
			"required": []string{"agentName", "message"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		sessionID := sessionIDFromContext(ctx)
		timeout := durationMinutesArg(inv.Arguments, "timeoutMinutes", defaultA2ATimeout)
		taskID, err := h.a2a.InvokeAgent(ctx, sessionID, stringArg(inv.Arguments, "agentName"), stringArg(inv.Arguments, "skill"), stringArg(inv.Arguments, "message"), timeout)
		if err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"taskId": taskID})
	}))
}

func (h *Host) addFeedbackTool() {
	_ = h.tools.Add(toolregistry.Descriptor{
		Name:        "record_feedback",
		Description: "Record a feedback signal about how this session is going (correction, tool failure, session summary, thumbs up/down).",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"signalType": map[string]any{"type": "string"},
				"summary":    map[string]any{"type": "string"},
				"detail":     map[string]any{"type": "string"},
			},
			"required": []string{"signalType", "summary"},
		},
		Source: toolregistry.SourceLocal,
	}, toolregistry.ExecutorFunc(func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
		sessionID := sessionIDFromContext(ctx)
		entry := feedback.Entry{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			SignalType: feedback.SignalType(stringArg(inv.Arguments, "signalType")),
			Summary:    stringArg(inv.Arguments, "summary"),
			Detail:     stringArg(inv.Arguments, "detail"),
			Timestamp:  time.Now().UTC(),
		}
		if err := h.feedbackStore.Append(entry); err != nil {
			return errResult(inv, err)
		}
		return okResult(inv, map[string]any{"result": "recorded"})
	}))
}
