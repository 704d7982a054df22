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

// Package toolregistry is the dynamic, live-editable registry of tool
// descriptors and executors the loop runner dispatches tool calls through.
// Tools can be registered directly (in-process) or sourced from an MCP
// server; either way they land in the same registry under the same
// Descriptor shape.
package toolregistry

import (
	"context"
	"fmt"

	"github.com/rockbot/rockbot/pkg/registry"
)

// Source identifies where a tool's implementation lives.
type Source string

const (
	SourceLocal Source = "local"
	SourceMCP   Source = "mcp"
)

// Invocation is one tool call as dispatched by the loop runner.
type Invocation struct {
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	SessionID  string
}

// Result is what a tool call produces.
type Result struct {
	ToolCallID string
	ToolName   string
	Content    map[string]any
	IsError    bool
}

// Executor runs one tool invocation.
type Executor interface {
	Call(ctx context.Context, inv Invocation) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inv Invocation) Result

func (f ExecutorFunc) Call(ctx context.Context, inv Invocation) Result {
	return f(ctx, inv)
}

// Descriptor is the wire-visible shape of a registered tool: what the
// context builder shows the model and what the dispatcher uses to route a
// call to its Executor.
type Descriptor struct {
	Name             string
	Description      string
	ParametersSchema map[string]any
	Source           Source
	LongRunning      bool
	RequiresApproval bool
}

type entry struct {
	descriptor Descriptor
	executor   Executor
}

// Registry is a copy-on-write, concurrency-safe set of tools. Add/Remove can
// run at any time; in-flight Call lookups always observe the registry state
// from before or after a mutation, never a partial one, because
// registry.BaseRegistry swaps its whole backing map under a single lock.
type Registry struct {
	base *registry.BaseRegistry[entry]
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{base: registry.NewBaseRegistry[entry]()}
}

// Add registers a tool. Returns an error if the name is already taken;
// callers that want overwrite semantics should Remove first.
func (r *Registry) Add(d Descriptor, exec Executor) error {
	return r.base.Register(d.Name, entry{descriptor: d, executor: exec})
}

// Remove unregisters a tool by name. A no-op error if it was never
// registered is surfaced, since callers usually want to know.
func (r *Registry) Remove(name string) error {
	return r.base.Remove(name)
}

// Descriptors lists every registered tool's descriptor, for the context
// builder's tool-index section.
func (r *Registry) Descriptors() []Descriptor {
	items := r.base.List()
	out := make([]Descriptor, 0, len(items))
	for _, e := range items {
		out = append(out, e.descriptor)
	}
	return out
}

// Call dispatches an invocation to its registered executor. Unknown tool
// names produce an error Result rather than an error return, matching the
// wire contract the dispatcher hands back to the model.
func (r *Registry) Call(ctx context.Context, inv Invocation) Result {
	e, ok := r.base.Get(inv.ToolName)
	if !ok {
		return Result{
			ToolCallID: inv.ToolCallID,
			ToolName:   inv.ToolName,
			Content:    map[string]any{"error": fmt.Sprintf("unknown tool %q", inv.ToolName)},
			IsError:    true,
		}
	}
	return e.executor.Call(ctx, inv)
}

// Has reports whether name is currently registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.base.Get(name)
	return ok
}
