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

// Handlers for every typed message the dispatcher routes, the
// a2acoord.SessionFolder implementation that folds A2A results back into the
// primary session loop, and the small helpers shared between them.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rockbot/rockbot/pkg/contextbuilder"
	"github.com/rockbot/rockbot/pkg/conversationlog"
	"github.com/rockbot/rockbot/pkg/convmemory"
	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/looprunner"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/pipeline"
	"github.com/rockbot/rockbot/pkg/subagentmanager"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/transport"
)

// patrolTTL bounds how long a scheduled task's output lingers in working
// memory under the "patrol" category before the context builder's summary
// section stops seeing it.
const patrolTTL = 24 * time.Hour

type sessionIDKey struct{}

// withSessionID makes sessionID recoverable from ctx inside a tool
// executor, since toolregistry.Invocation.SessionID is never populated by
// the loop runner (a tool call carries no session identity of its own).
func withSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func sessionIDFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(sessionIDKey{}).(string)
	return sessionID
}

// appendTurn records a turn in both the volatile conversation window and the
// durable append-only conversation log.
func (h *Host) appendTurn(sessionID string, role convmemory.Role, content string) {
	now := time.Now().UTC()
	h.conv.Add(sessionID, convmemory.Turn{Role: role, Content: content, Timestamp: now})
	if err := h.convLog.Append(conversationlog.Record{SessionID: sessionID, Role: role, Content: content, Timestamp: now}); err != nil {
		h.logger.Warn("host: append conversation log failed", "session", sessionID, "error", err)
	}
}

// toLLMMessages adapts the context builder's assembled prompt into the wire
// shape the chat model expects.
func toLLMMessages(msgs []contextbuilder.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// toolDefsFor mirrors subagentmanager's unexported helper of the same name;
// Go gives no way to share an unexported identifier across packages.
func toolDefsFor(reg *toolregistry.Registry) []llm.ToolDefinition {
	descs := reg.Descriptors()
	out := make([]llm.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		out = append(out, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.ParametersSchema})
	}
	return out
}

// runTurn assembles context for sessionID's latest turn and drives the loop
// runner to completion. It does not append anything to conversation memory;
// callers decide whether and how to record the turns.
func (h *Host) runTurn(ctx context.Context, sessionID, content string) (looprunner.Result, error) {
	ctx = withSessionID(ctx, sessionID)
	msgs := toLLMMessages(h.builder.Build(sessionID, h.profileWatcher.Prompt(), nil, content))
	return h.runner.Run(ctx, "session/"+sessionID, msgs, toolDefsFor(h.tools))
}

// publishReply publishes one outbound AgentReply.
func (h *Host) publishReply(ctx context.Context, sessionID, content string, isFinal bool) {
	body, err := json.Marshal(messages.AgentReply{SessionID: sessionID, Content: content, IsFinal: isFinal})
	if err != nil {
		h.logger.Error("host: marshal reply failed", "session", sessionID, "error", err)
		return
	}
	env := envelope.New(h.cfg.Agent.Name, messages.TypeAgentReply, body)
	if err := h.bus.Publish(ctx, messages.TopicUserResponse, env); err != nil {
		h.logger.Error("host: publish reply failed", "session", sessionID, "error", err)
	}
}

// handleUserMessage drives one inbound user turn through the primary loop,
// serialized against the user-preemption work slot.
func (h *Host) handleUserMessage(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.UserMessage)
	if !ok {
		return transport.DeadLetter
	}
	h.activity.Touch(msg.SessionID)

	handle, err := h.serializer.AcquireForUser(ctx)
	if err != nil {
		h.logger.Warn("host: acquire work slot failed", "session", msg.SessionID, "error", err)
		return transport.Retry
	}
	defer handle.Release()

	result, err := h.runTurn(ctx, msg.SessionID, msg.Content)
	if err != nil {
		if errors.Is(err, looprunner.ErrCancelled) {
			return transport.Retry
		}
		h.logger.Error("host: user turn failed", "session", msg.SessionID, "error", err)
		return transport.Retry
	}

	h.appendTurn(msg.SessionID, convmemory.RoleUser, msg.Content)
	h.appendTurn(msg.SessionID, convmemory.RoleAssistant, result.Text)
	h.publishReply(ctx, msg.SessionID, result.Text, true)
	return transport.Ack
}

// handleScheduledTask runs a fired cron entry through the primary loop under
// its own synthetic session, but only when no user is actively chatting;
// the scheduled run yields entirely to user-preemption rather than queuing.
func (h *Host) handleScheduledTask(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.ScheduledTaskMessage)
	if !ok {
		return transport.DeadLetter
	}
	sessionID := "patrol-" + msg.TaskName

	slot := h.serializer.TryAcquireForScheduled()
	if slot == nil {
		h.logger.Info("host: skipping scheduled task, user active", "task", msg.TaskName)
		return transport.Ack
	}
	defer slot.Release()

	slotCtx := withSessionID(slot.Token(), sessionID)
	msgs := toLLMMessages(h.builder.Build(sessionID, h.profileWatcher.Prompt(), nil, msg.Description))
	result, err := h.runner.Run(slotCtx, "session/"+sessionID, msgs, toolDefsFor(h.tools))
	if err != nil {
		if errors.Is(err, looprunner.ErrCancelled) {
			h.logger.Info("host: scheduled task preempted by user", "task", msg.TaskName)
			return transport.Ack
		}
		h.logger.Error("host: scheduled task failed", "task", msg.TaskName, "error", err)
		return transport.Ack
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return transport.Ack
	}

	key := "patrol/" + msg.TaskName
	if err := h.working.Set(key, text, patrolTTL, "patrol", []string{msg.TaskName}); err != nil {
		h.logger.Warn("host: persist patrol summary failed", "task", msg.TaskName, "error", err)
	}
	h.publishReply(ctx, sessionID, text, true)
	return transport.Ack
}

// handleSubagentProgress relays a non-final subagent update into its
// parent's session as a non-final AgentReply, without re-invoking the loop;
// that avoids an echo where the relay itself triggers more tool calls.
func (h *Host) handleSubagentProgress(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.SubagentProgressMessage)
	if !ok {
		return transport.DeadLetter
	}
	primarySessionID := ""
	for _, entry := range h.subagents.ListActive() {
		if entry.TaskID == msg.TaskID {
			primarySessionID = entry.PrimarySessionID
			break
		}
	}
	if primarySessionID == "" {
		return transport.Ack
	}
	h.publishReply(ctx, primarySessionID, fmt.Sprintf("[subagent %s] %s", msg.TaskID, msg.Content), false)
	return transport.Ack
}

// handleSubagentResult folds a completed subagent's outcome back into its
// parent session as a synthetic turn, including any whiteboard notes left
// behind, then cleans up the whiteboard category.
func (h *Host) handleSubagentResult(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.SubagentResultMessage)
	if !ok {
		return transport.DeadLetter
	}

	category := subagentmanager.WhiteboardCategory(msg.TaskID)
	hints, err := h.longTerm.Search(longtermmemory.Criteria{CategoryPrefix: category, MaxResults: 20})
	if err != nil {
		h.logger.Warn("host: search subagent whiteboard failed", "task", msg.TaskID, "error", err)
	}

	var turn strings.Builder
	if msg.IsSuccess {
		fmt.Fprintf(&turn, "[Subagent task %s completed]: %s", msg.TaskID, msg.Output)
	} else {
		fmt.Fprintf(&turn, "[Subagent task %s failed]: %s", msg.TaskID, msg.Error)
	}
	if len(hints) > 0 {
		turn.WriteString("\nWhiteboard notes:\n")
		for _, hint := range hints {
			turn.WriteString("- ")
			turn.WriteString(hint.Content)
			turn.WriteString("\n")
		}
	}

	h.AddSyntheticUserTurn(msg.PrimarySessionID, turn.String())
	h.RunPrimaryLoopAndPublish(ctx, msg.PrimarySessionID)

	if err := h.longTerm.DeleteCategory(category); err != nil {
		h.logger.Warn("host: clean up subagent whiteboard failed", "task", msg.TaskID, "error", err)
	}
	return transport.Ack
}

// handleAgentTaskRequest answers an inbound A2A task request from a peer
// agent by routing it through the primary loop under its own session.
func (h *Host) handleAgentTaskRequest(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.AgentTaskRequest)
	if !ok {
		return transport.DeadLetter
	}
	replyTo := mc.Envelope.ReplyTo
	if replyTo == "" {
		replyTo = fmt.Sprintf(messages.TopicAgentResponseFmt, mc.Envelope.Source)
	}
	if err := h.a2a.HandleTaskRequest(ctx, *msg, mc.Envelope.Source, replyTo); err != nil {
		h.logger.Error("host: handle agent task request failed", "task", msg.TaskID, "error", err)
		return transport.Retry
	}
	return transport.Ack
}

// handleAgentTaskCancel always answers with TaskNotCancelable; once a task
// is dispatched to the primary loop it runs to completion.
func (h *Host) handleAgentTaskCancel(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.AgentTaskCancel)
	if !ok {
		return transport.DeadLetter
	}
	replyTo := mc.Envelope.ReplyTo
	if replyTo == "" {
		replyTo = fmt.Sprintf(messages.TopicAgentResponseFmt, mc.Envelope.Source)
	}
	if err := h.a2a.HandleCancelRequest(ctx, msg.TaskID, replyTo); err != nil {
		h.logger.Error("host: handle agent task cancel failed", "task", msg.TaskID, "error", err)
		return transport.Retry
	}
	return transport.Ack
}

func (h *Host) handleAgentTaskStatusUpdate(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.AgentTaskStatusUpdate)
	if !ok {
		return transport.DeadLetter
	}
	h.a2a.HandleStatusUpdate(ctx, *msg)
	return transport.Ack
}

func (h *Host) handleAgentTaskResult(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.AgentTaskResult)
	if !ok {
		return transport.DeadLetter
	}
	h.a2a.HandleResult(ctx, *msg)
	return transport.Ack
}

func (h *Host) handleAgentTaskError(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
	msg, ok := mc.Body.(*messages.AgentTaskError)
	if !ok {
		return transport.DeadLetter
	}
	h.a2a.HandleError(ctx, *msg)
	return transport.Ack
}

// handleInboundA2ATask is the a2acoord.TaskHandler this host answers peer
// task requests with: it runs the request through the primary loop under a
// dedicated per-task session, the same way a user turn would be handled.
func (h *Host) handleInboundA2ATask(ctx context.Context, req messages.AgentTaskRequest, fromAgent string) (string, error) {
	sessionID := "a2a-task-" + req.TaskID
	result, err := h.runTurn(ctx, sessionID, req.Message)
	if err != nil {
		return "", err
	}
	h.appendTurn(sessionID, convmemory.RoleUser, req.Message)
	h.appendTurn(sessionID, convmemory.RoleAssistant, result.Text)
	return result.Text, nil
}

// AddSyntheticUserTurn implements a2acoord.SessionFolder: it records content
// as a user turn without publishing anything, so HandleResult can inject an
// A2A outcome and only then trigger RunPrimaryLoopAndPublish.
func (h *Host) AddSyntheticUserTurn(sessionID, content string) {
	h.appendTurn(sessionID, convmemory.RoleUser, content)
}

// RunPrimaryLoopAndPublish implements a2acoord.SessionFolder: it re-enters
// the primary loop for sessionID using its existing history (the synthetic
// turn just added by AddSyntheticUserTurn stands in for "latest"), and
// publishes whatever the model produces as a final reply.
func (h *Host) RunPrimaryLoopAndPublish(ctx context.Context, sessionID string) {
	ctx = withSessionID(ctx, sessionID)
	msgs := toLLMMessages(h.builder.BuildFromHistory(sessionID, h.profileWatcher.Prompt(), nil))
	result, err := h.runner.Run(ctx, "session/"+sessionID, msgs, toolDefsFor(h.tools))
	if err != nil {
		if errors.Is(err, looprunner.ErrCancelled) {
			h.logger.Info("host: a2a fold-in preempted by user", "session", sessionID)
			return
		}
		h.logger.Error("host: a2a fold-in failed", "session", sessionID, "error", err)
		return
	}
	h.appendTurn(sessionID, convmemory.RoleAssistant, result.Text)
	h.publishReply(context.Background(), sessionID, result.Text, true)
}

// PublishProgress implements a2acoord.SessionFolder: it relays an A2A
// Working-state update as a non-final AgentReply, the same shape a subagent
// progress relay uses.
func (h *Host) PublishProgress(sessionID, content string) {
	h.publishReply(context.Background(), sessionID, content, false)
}
