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

// Package messages defines the concrete payload types carried inside
// envelope bodies, and the type-string constants used to register them with
// a typeregistry.Registry.
package messages

import "time"

// Message type strings, bound to the structs below via typeregistry.
const (
	TypeUserMessage            = "UserMessage"
	TypeAgentReply              = "AgentReply"
	TypeScheduledTaskMessage     = "ScheduledTaskMessage"
	TypeSubagentProgressMessage = "SubagentProgressMessage"
	TypeSubagentResultMessage   = "SubagentResultMessage"
	TypeAgentTaskRequest        = "AgentTaskRequest"
	TypeAgentTaskCancel         = "AgentTaskCancel"
	TypeAgentTaskStatusUpdate   = "AgentTaskStatusUpdate"
	TypeAgentTaskResult         = "AgentTaskResult"
	TypeAgentTaskError          = "AgentTaskError"
	TypeAgentCard               = "AgentCard"
)

// Topic names the host publishes and subscribes to by default.
const (
	TopicAgentTask        = "agent.task"
	TopicAgentTaskCancel  = "agent.task.cancel"
	TopicAgentTaskStatus  = "agent.task.status"
	TopicAgentResponseFmt = "agent.response.%s" // formatted with the agent name

	TopicDiscoveryAnnounce = "discovery.announce"

	TopicSubagentProgress = "subagent.progress"
	TopicSubagentResult   = "subagent.result"

	TopicToolInvokeMCP  = "tool.invoke.mcp"
	TopicToolResultFmt  = "tool.result.%s"
	TopicToolMetaMCPFmt = "tool.meta.mcp.%s"
	TopicToolMetaRefresh = "tool.meta.mcp.refresh"

	TopicUserRequest  = "user.request"
	TopicUserResponse = "user.response"
)

// UserMessage is an inbound user turn destined for the primary session loop.
type UserMessage struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// DispatchSessionID lets the pipeline dispatcher serialize delivery of
// messages sharing a session id.
func (m UserMessage) DispatchSessionID() string { return m.SessionID }

// AgentReply is an outbound assistant turn. IsFinal distinguishes a terminal
// reply from a non-final progress bubble (subagent relay, A2A Working state).
type AgentReply struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	IsFinal   bool   `json:"isFinal"`
}

// ScheduledTaskMessage is the synthetic tick the scheduler dispatches through
// the pipeline when a cron entry fires.
type ScheduledTaskMessage struct {
	TaskName    string `json:"taskName"`
	Description string `json:"description"`
}

// SubagentProgressMessage relays a non-final update from a running subagent.
type SubagentProgressMessage struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

// SubagentResultMessage is published exactly once per spawned subagent,
// regardless of whether it succeeded, failed, or was cancelled.
type SubagentResultMessage struct {
	TaskID           string `json:"taskId"`
	PrimarySessionID string `json:"primarySessionId"`
	IsSuccess        bool   `json:"isSuccess"`
	Output           string `json:"output"`
	Error            string `json:"error,omitempty"`
}

// AgentTaskRequest is published by the A2A coordinator to invoke a peer agent.
type AgentTaskRequest struct {
	TaskID        string `json:"taskId"`
	Skill         string `json:"skill"`
	Message       string `json:"message"`
	TimeoutMillis int64  `json:"timeoutMillis,omitempty"`
}

// AgentTaskCancel requests cancellation of a previously dispatched task.
type AgentTaskCancel struct {
	TaskID string `json:"taskId"`
}

// TaskState enumerates the lifecycle states of an outbound A2A task.
type TaskState string

const (
	TaskStateWorking          TaskState = "working"
	TaskStateCompleted        TaskState = "completed"
	TaskStateFailed           TaskState = "failed"
	TaskStateTaskNotCancelable TaskState = "task-not-cancelable"
)

// AgentTaskStatusUpdate reports an intermediate state change for a task.
type AgentTaskStatusUpdate struct {
	TaskID  string    `json:"taskId"`
	State   TaskState `json:"state"`
	Detail  string    `json:"detail,omitempty"`
}

// AgentTaskResult carries the terminal successful output of a task.
type AgentTaskResult struct {
	TaskID string `json:"taskId"`
	Output string `json:"output"`
}

// ErrorCode enumerates AgentTaskError codes.
type ErrorCode string

const (
	ErrorExecutionFailed ErrorCode = "execution-failed"
	ErrorTimeout         ErrorCode = "timeout"
)

// AgentTaskError carries the terminal failure of a task.
type AgentTaskError struct {
	TaskID  string    `json:"taskId"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// AgentCard is the capability announcement agents broadcast on startup.
type AgentCard struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Skills       []string  `json:"skills,omitempty"`
	AnnouncedAt  time.Time `json:"announcedAt"`
}
