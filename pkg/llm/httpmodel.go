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

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rockbot/rockbot/pkg/httpclient"
)

// HTTPModel is a ChatModel backed by an OpenAI-compatible chat-completions
// endpoint, using the shared retry/backoff HTTP client for transient
// failures (rate limits, 5xx) rather than surfacing them straight to the
// loop runner.
type HTTPModel struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *httpclient.Client
}

// HTTPModelOption configures NewHTTPModel beyond its required arguments.
type HTTPModelOption func(*httpModelConfig)

type httpModelConfig struct {
	logger    *slog.Logger
	tlsConfig *httpclient.TLSConfig
}

// WithLogger routes the underlying httpclient.Client's retry/backoff log
// lines through logger instead of slog.Default().
func WithLogger(logger *slog.Logger) HTTPModelOption {
	return func(c *httpModelConfig) { c.logger = logger }
}

// WithTLSConfig points the underlying httpclient.Client at a custom CA or
// disables verification, for a chat-completions endpoint behind a
// corporate proxy or a self-signed development deployment.
func WithTLSConfig(tlsConfig *httpclient.TLSConfig) HTTPModelOption {
	return func(c *httpModelConfig) { c.tlsConfig = tlsConfig }
}

// NewHTTPModel builds an HTTPModel. baseURL should not include the trailing
// "/chat/completions" path segment.
func NewHTTPModel(baseURL, apiKey, model string, timeout time.Duration, maxRetries int, opts ...HTTPModelOption) *HTTPModel {
	cfg := httpModelConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientOpts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithBaseDelay(2 * time.Second),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	}
	if cfg.logger != nil {
		clientOpts = append(clientOpts, httpclient.WithLogger(cfg.logger))
	}
	if cfg.tlsConfig != nil {
		clientOpts = append(clientOpts, httpclient.WithTLSConfig(cfg.tlsConfig))
	}

	return &HTTPModel{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: httpclient.New(clientOpts...),
	}
}

type chatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []wireMessage     `json:"messages"`
	Tools    []wireToolWrapper `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []wireCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

type wireCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function wireCallFunc   `json:"function"`
}

type wireCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolWrapper struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends messages and tool definitions to the configured endpoint
// and parses a single non-streaming completion.
func (m *HTTPModel) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (Response, error) {
	reqBody := chatCompletionRequest{Model: m.model, Messages: toWireMessages(messages)}
	for _, t := range tools {
		reqBody.Tools = append(reqBody.Tools, wireToolWrapper{Type: "function", Function: t})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Response{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("llm: provider returned HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("llm: provider returned no choices")
	}

	choice := parsed.Choices[0].Message
	out := Response{Text: choice.Content, Tokens: parsed.Usage.TotalTokens}
	for _, c := range choice.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(c.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: args})
	}
	return out, nil
}

// ModelName returns the configured model identifier.
func (m *HTTPModel) ModelName() string { return m.model }

func toWireMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, msg := range messages {
		wm := wireMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID, Name: msg.Name}
		for _, tc := range msg.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireCall{ID: tc.ID, Type: "function", Function: wireCallFunc{Name: tc.Name, Arguments: string(args)}})
		}
		out[i] = wm
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ ChatModel = (*HTTPModel)(nil)
