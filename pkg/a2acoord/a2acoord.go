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

// Package a2acoord is the agent-to-agent task coordinator: it invokes peer
// agents over the bus, tracks correlated replies in a pending-task table,
// and folds terminal results back into the primary session. The server side
// answers inbound task requests by delegating to a caller-supplied task
// handler.
package a2acoord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/transport"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

// TaskHandler answers one inbound AgentTaskRequest. Returning an error
// yields an AgentTaskError(code=ExecutionFailed); otherwise the returned
// text is published as an AgentTaskResult.
type TaskHandler func(ctx context.Context, req messages.AgentTaskRequest, fromAgent string) (string, error)

// SessionFolder is the callback the coordinator uses to re-enter the
// primary session loop after injecting a synthetic user turn: AddTurn
// records the turn, RunAndPublish drives one primary loop run and publishes
// its terminal output as a final AgentReply.
type SessionFolder interface {
	AddSyntheticUserTurn(sessionID, content string)
	RunPrimaryLoopAndPublish(ctx context.Context, sessionID string)
	PublishProgress(sessionID, content string)
}

// PendingTask tracks one outbound invocation awaiting a reply.
type PendingTask struct {
	TaskID           string
	TargetAgent      string
	PrimarySessionID string
	StartedAt        time.Time
	cancel           context.CancelFunc
}

// Coordinator is one agent's A2A client+server. self is this agent's name;
// inbound results and status updates both arrive on ResultTopic(), which the
// host subscribes to.
type Coordinator struct {
	self        string
	bus         transport.Bus
	working     *workingmemory.Store
	folder      SessionFolder
	taskHandler TaskHandler
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingTask
}

// New builds a Coordinator. taskHandler may be nil if this agent never
// answers inbound task requests.
func New(self string, bus transport.Bus, working *workingmemory.Store, folder SessionFolder, taskHandler TaskHandler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		self:        self,
		bus:         bus,
		working:     working,
		folder:      folder,
		taskHandler: taskHandler,
		logger:      logger,
		pending:     make(map[string]*PendingTask),
	}
}

// ResultTopic returns the topic this agent's replies are published to:
// messages.TopicAgentResponseFmt formatted with self.
func (c *Coordinator) ResultTopic() string {
	return fmt.Sprintf(messages.TopicAgentResponseFmt, c.self)
}

// InvokeAgent is the executor behind the invoke_agent tool: it publishes an
// AgentTaskRequest, tracks a PendingTask with a timeout-cancel token, and
// returns the task id synchronously without waiting for a reply.
func (c *Coordinator) InvokeAgent(ctx context.Context, sessionID, targetAgent, skill, message string, timeout time.Duration) (string, error) {
	taskID := uuid.NewString()

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.pending[taskID] = &PendingTask{
		TaskID:           taskID,
		TargetAgent:      targetAgent,
		PrimarySessionID: sessionID,
		StartedAt:        time.Now().UTC(),
		cancel:           cancel,
	}
	c.mu.Unlock()

	if timeout > 0 {
		go c.watchTimeout(runCtx, taskID, timeout)
	}

	body, err := json.Marshal(messages.AgentTaskRequest{TaskID: taskID, Skill: skill, Message: message, TimeoutMillis: timeout.Milliseconds()})
	if err != nil {
		c.removeTracked(taskID)
		return "", fmt.Errorf("a2acoord: marshal request: %w", err)
	}

	env := envelope.New(c.self, messages.TypeAgentTaskRequest, body,
		envelope.WithCorrelationID(taskID),
		envelope.WithDestination(targetAgent),
		envelope.WithReplyTo(c.ResultTopic()))

	if err := c.bus.Publish(ctx, messages.TopicAgentTask, env); err != nil {
		c.removeTracked(taskID)
		return "", fmt.Errorf("a2acoord: publish request: %w", err)
	}

	return taskID, nil
}

// watchTimeout removes the pending entry and logs if no reply arrives
// before timeout. A reply that races in concurrently already removed the
// entry, in which case this is a no-op per the "late result is ignored"
// invariant.
func (c *Coordinator) watchTimeout(ctx context.Context, taskID string, timeout time.Duration) {
	select {
	case <-time.After(timeout):
		if c.removeTracked(taskID) {
			c.logger.Info("a2acoord: task timed out, no synthetic turn injected", "taskId", taskID)
		}
	case <-ctx.Done():
	}
}

func (c *Coordinator) removeTracked(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[taskID]
	if !ok {
		return false
	}
	p.cancel()
	delete(c.pending, taskID)
	return true
}

func (c *Coordinator) tracked(taskID string) (*PendingTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[taskID]
	return p, ok
}

// HandleStatusUpdate processes an inbound AgentTaskStatusUpdate. A Working
// state relays a non-final progress bubble without touching conversation
// memory or invoking the LLM; any other state folds into the session.
// Untracked correlation ids are ignored — they belong to another agent.
func (c *Coordinator) HandleStatusUpdate(ctx context.Context, upd messages.AgentTaskStatusUpdate) {
	p, ok := c.tracked(upd.TaskID)
	if !ok {
		return
	}

	if upd.State == messages.TaskStateWorking {
		c.folder.PublishProgress(p.PrimarySessionID, upd.Detail)
		return
	}

	c.removeTracked(upd.TaskID)
	c.folder.AddSyntheticUserTurn(p.PrimarySessionID, fmt.Sprintf("[A2A task %s state %s]: %s", upd.TaskID, upd.State, upd.Detail))
	c.folder.RunPrimaryLoopAndPublish(ctx, p.PrimarySessionID)
}

// HandleResult processes an inbound AgentTaskResult: the tracker entry is
// removed, its timeout cancelled, the raw text persisted to working memory
// (purging any prior same-agent result first), a truncated preview bubble
// published, a pointer-key synthetic turn injected, and the primary loop run
// once to produce the final reply.
func (c *Coordinator) HandleResult(ctx context.Context, res messages.AgentTaskResult) {
	p, ok := c.tracked(res.TaskID)
	if !ok {
		return
	}
	c.removeTracked(res.TaskID)

	key := fmt.Sprintf("session/%s/a2a/%s/%s/result", p.PrimarySessionID, p.TargetAgent, res.TaskID)
	prefix := fmt.Sprintf("session/%s/a2a/%s/", p.PrimarySessionID, p.TargetAgent)
	c.working.DeletePrefix(prefix)
	if err := c.working.Set(key, res.Output, 24*time.Hour, "a2a-result", []string{"a2a"}); err != nil {
		c.logger.Warn("a2acoord: persist result failed", "taskId", res.TaskID, "error", err)
	}

	c.folder.PublishProgress(p.PrimarySessionID, fmt.Sprintf("[%s] %s", p.TargetAgent, truncate(res.Output, 200)))
	c.folder.AddSyntheticUserTurn(p.PrimarySessionID, fmt.Sprintf("[A2A task %s completed]: read the result from working memory at key %q", res.TaskID, key))
	c.folder.RunPrimaryLoopAndPublish(ctx, p.PrimarySessionID)
}

// HandleError processes an inbound AgentTaskError the same way as a failed
// result: remove the tracker, cancel its timeout, inject a synthetic turn,
// run the primary loop once.
func (c *Coordinator) HandleError(ctx context.Context, taskErr messages.AgentTaskError) {
	p, ok := c.tracked(taskErr.TaskID)
	if !ok {
		return
	}
	c.removeTracked(taskErr.TaskID)

	c.folder.AddSyntheticUserTurn(p.PrimarySessionID, fmt.Sprintf("[A2A task %s failed, code=%s]: %s", taskErr.TaskID, taskErr.Code, taskErr.Message))
	c.folder.RunPrimaryLoopAndPublish(ctx, p.PrimarySessionID)
}

// HandleTaskRequest answers one inbound AgentTaskRequest (server side):
// publishes a Working status, calls the configured TaskHandler, then
// publishes either an AgentTaskResult or an AgentTaskError(ExecutionFailed).
func (c *Coordinator) HandleTaskRequest(ctx context.Context, req messages.AgentTaskRequest, fromAgent, replyTo string) error {
	if c.taskHandler == nil {
		return fmt.Errorf("a2acoord: no task handler configured for inbound requests")
	}

	c.publishStatus(ctx, req.TaskID, replyTo, messages.TaskStateWorking, "")

	output, err := c.taskHandler(ctx, req, fromAgent)
	if err != nil {
		body, merr := json.Marshal(messages.AgentTaskError{TaskID: req.TaskID, Code: messages.ErrorExecutionFailed, Message: err.Error()})
		if merr != nil {
			return merr
		}
		env := envelope.New(c.self, messages.TypeAgentTaskError, body, envelope.WithCorrelationID(req.TaskID))
		return c.bus.Publish(ctx, replyTo, env)
	}

	body, err := json.Marshal(messages.AgentTaskResult{TaskID: req.TaskID, Output: output})
	if err != nil {
		return err
	}
	env := envelope.New(c.self, messages.TypeAgentTaskResult, body, envelope.WithCorrelationID(req.TaskID))
	return c.bus.Publish(ctx, replyTo, env)
}

// HandleCancelRequest replies TaskNotCancelable for any taskID this agent
// is not actively running as a server-side task, since the server side here
// does not track cancelable in-flight handler invocations separately.
func (c *Coordinator) HandleCancelRequest(ctx context.Context, taskID, replyTo string) error {
	c.publishStatus(ctx, taskID, replyTo, messages.TaskStateTaskNotCancelable, "")
	return nil
}

func (c *Coordinator) publishStatus(ctx context.Context, taskID, replyTo string, state messages.TaskState, detail string) {
	body, err := json.Marshal(messages.AgentTaskStatusUpdate{TaskID: taskID, State: state, Detail: detail})
	if err != nil {
		c.logger.Warn("a2acoord: marshal status failed", "taskId", taskID, "error", err)
		return
	}
	env := envelope.New(c.self, messages.TypeAgentTaskStatusUpdate, body, envelope.WithCorrelationID(taskID))
	if err := c.bus.Publish(ctx, replyTo, env); err != nil {
		c.logger.Warn("a2acoord: publish status failed", "taskId", taskID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
