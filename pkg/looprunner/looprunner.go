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

// Package looprunner drives one LLM tool-calling session to a terminal
// assistant message: submit messages, execute any requested tool calls,
// append their results, and repeat until the model stops calling tools, the
// step budget is exhausted, or the context is cancelled.
package looprunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

// ErrCancelled is returned when ctx is cancelled mid-loop; callers must not
// publish a reply for a cancelled run.
var ErrCancelled = errors.New("looprunner: cancelled")

// Config bounds one loop run.
type Config struct {
	MaxSteps    int
	MaxRetries  int
	BaseDelay   time.Duration
	ChunkThreshold int // textual length above which a tool result is chunked to working memory
}

// DefaultConfig mirrors the teacher's reasoning-loop safety defaults.
var DefaultConfig = Config{MaxSteps: 12, MaxRetries: 3, BaseDelay: 2 * time.Second, ChunkThreshold: 10_000}

// Runner executes loop runs against one model, tool registry, and working
// memory namespace.
type Runner struct {
	model    llm.ChatModel
	tools    *toolregistry.Registry
	working  *workingmemory.Store
	cfg      Config
	logger   *slog.Logger
}

// New builds a Runner.
func New(model llm.ChatModel, tools *toolregistry.Registry, working *workingmemory.Store, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{model: model, tools: tools, working: working, cfg: cfg, logger: logger}
}

// Result is what one Run call produces.
type Result struct {
	Text       string
	Incomplete bool // true if the step budget was exhausted before a final answer
	Steps      int
}

// Run submits messages (with toolDefs advertised) and drives tool calls
// until the model returns plain text, the step budget is exhausted, or ctx
// is cancelled. namespace scopes chunked tool-result keys in working memory
// (e.g. "session/{id}" or "subagent/{taskId}").
func (r *Runner) Run(ctx context.Context, namespace string, messages []llm.Message, toolDefs []llm.ToolDefinition) (Result, error) {
	maxSteps := r.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultConfig.MaxSteps
	}

	for step := 0; step < maxSteps; step++ {
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}

		resp, err := r.generateWithRetry(ctx, messages, toolDefs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Result{}, ErrCancelled
			}
			return Result{Text: fmt.Sprintf("I ran into a problem talking to the model: %s", err)}, nil
		}

		if len(resp.ToolCalls) == 0 {
			return Result{Text: resp.Text, Steps: step + 1}, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Text, ToolCalls: toWireToolCalls(resp.ToolCalls)})

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return Result{}, ErrCancelled
			}
			result := r.tools.Call(ctx, toolregistry.Invocation{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Arguments:  call.Arguments,
			})
			messages = append(messages, r.toToolResultMessage(namespace, call.ID, call.Name, result))
		}
	}

	last := lastAssistantText(messages)
	text := fmt.Sprintf("I wasn't able to finish within my step budget. Partial progress: %s", last)
	if looksIncomplete(last) {
		text += "\n\n(Note: the above is not a completed answer.)"
	}
	return Result{Text: text, Incomplete: true, Steps: maxSteps}, nil
}

func (r *Runner) generateWithRetry(ctx context.Context, messages []llm.Message, toolDefs []llm.ToolDefinition) (llm.Response, error) {
	maxRetries := r.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultConfig.MaxRetries
	}
	baseDelay := r.cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultConfig.BaseDelay
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := r.model.Generate(ctx, messages, toolDefs)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		if attempt == maxRetries {
			break
		}
		delay := time.Duration(1<<attempt) * baseDelay
		r.logger.Warn("looprunner: model call failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	return llm.Response{}, lastErr
}

// toToolResultMessage builds a tool-result message, chunking it to working
// memory first when its content exceeds cfg.ChunkThreshold.
func (r *Runner) toToolResultMessage(namespace, callID, toolName string, result toolregistry.Result) llm.Message {
	content := formatToolResult(result)
	threshold := r.cfg.ChunkThreshold
	if threshold <= 0 {
		threshold = DefaultConfig.ChunkThreshold
	}

	if r.working != nil && len(content) > threshold {
		key := workingmemory.ChunkKey(namespace, callID)
		if err := r.working.Set(key, content, time.Hour, "tool-result", []string{"tool-result"}); err != nil {
			r.logger.Warn("looprunner: chunk tool result failed", "key", key, "error", err)
		} else {
			content = fmt.Sprintf("Result too large to inline; read it from working memory at key %q.", key)
		}
	}

	return llm.Message{Role: "tool", Content: content, ToolCallID: callID, Name: toolName}
}

func formatToolResult(result toolregistry.Result) string {
	if result.IsError {
		if msg, ok := result.Content["error"].(string); ok {
			return msg
		}
		return "tool error"
	}
	if v, ok := result.Content["result"].(string); ok {
		return v
	}
	var sb strings.Builder
	for k, v := range result.Content {
		fmt.Fprintf(&sb, "%s: %v\n", k, v)
	}
	return sb.String()
}

func toWireToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	return calls
}

func lastAssistantText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

var incompletePhrase = regexp.MustCompile(`(?i)(:\s*$|now let me\b|next,? i('ll| will)\b)`)

// looksIncomplete heuristically flags assistant text that trails off into a
// setup phrase ("Now let me check the logs:") rather than a finished answer.
func looksIncomplete(text string) bool {
	return incompletePhrase.MatchString(strings.TrimSpace(text))
}
