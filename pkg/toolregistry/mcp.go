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

package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPSource connects to one MCP stdio server, registers its tools into a
// Registry under SourceMCP, and can be told to refresh that tool list when
// the host observes a tool.meta.mcp.refresh message.
type MCPSource struct {
	name    string
	command string
	args    []string
	env     map[string]string
	logger  *slog.Logger

	mu         sync.Mutex
	mcpClient  *client.Client
	registered []string // tool names currently owned by this source
}

// NewMCPSource describes (without connecting to) one MCP stdio server.
func NewMCPSource(name, command string, args []string, env map[string]string, logger *slog.Logger) *MCPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPSource{name: name, command: command, args: args, env: env, logger: logger}
}

// Refresh connects (if not already connected), lists the server's tools,
// and reconciles them into reg: tools no longer advertised are removed,
// new ones are added, existing ones are left untouched. Safe to call
// repeatedly in response to tool.meta.mcp.refresh.
func (s *MCPSource) Refresh(ctx context.Context, reg *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mcpClient == nil {
		if err := s.connectLocked(ctx); err != nil {
			return fmt.Errorf("toolregistry: connect mcp source %s: %w", s.name, err)
		}
	}

	listResp, err := s.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("toolregistry: list tools from %s: %w", s.name, err)
	}

	seen := make(map[string]bool, len(listResp.Tools))
	for _, t := range listResp.Tools {
		qualified := s.qualify(t.Name)
		seen[qualified] = true
		if reg.Has(qualified) {
			continue
		}
		schema := convertSchema(t.InputSchema)
		client := s.mcpClient
		toolName := t.Name
		exec := ExecutorFunc(func(ctx context.Context, inv Invocation) Result {
			req := mcp.CallToolRequest{}
			req.Params.Name = toolName
			req.Params.Arguments = inv.Arguments
			resp, err := client.CallTool(ctx, req)
			if err != nil {
				return Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, IsError: true, Content: map[string]any{"error": err.Error()}}
			}
			return Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: parseCallResult(resp), IsError: resp.IsError}
		})
		if err := reg.Add(Descriptor{
			Name:             qualified,
			Description:      t.Description,
			ParametersSchema: schema,
			Source:           SourceMCP,
		}, exec); err != nil {
			s.logger.Warn("toolregistry: register mcp tool failed", "tool", qualified, "error", err)
			continue
		}
	}

	for _, prev := range s.registered {
		if !seen[prev] {
			_ = reg.Remove(prev)
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	s.registered = names
	return nil
}

func (s *MCPSource) qualify(toolName string) string {
	return s.name + "/" + toolName
}

func (s *MCPSource) connectLocked(ctx context.Context) error {
	c, err := client.NewStdioMCPClient(s.command, toEnvSlice(s.env), s.args...)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "rockbot", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return err
	}
	s.mcpClient = c
	return nil
}

// Close shuts down the underlying MCP client, if connected.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mcpClient == nil {
		return nil
	}
	err := s.mcpClient.Close()
	s.mcpClient = nil
	return err
}

func toEnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func parseCallResult(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch {
	case resp.IsError && len(texts) > 0:
		result["error"] = texts[0]
	case resp.IsError:
		result["error"] = "unknown error"
	case len(texts) == 1:
		result["result"] = texts[0]
	case len(texts) > 1:
		result["results"] = strings.Join(texts, "\n")
	}
	return result
}
