package looprunner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rockbot/rockbot/pkg/bm25"
	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

// stubModel replays a fixed sequence of responses, one per Generate call,
// looping on the last entry if the loop keeps calling after the list is
// exhausted.
type stubModel struct {
	responses []llm.Response
	errs      []error
	calls     int32
}

func (m *stubModel) Generate(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (llm.Response, error) {
	i := int(atomic.AddInt32(&m.calls, 1)) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return llm.Response{}, m.errs[i]
	}
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func (m *stubModel) ModelName() string { return "stub" }

func newRunner(t *testing.T, model llm.ChatModel, cfg Config) (*Runner, *toolregistry.Registry, *workingmemory.Store) {
	t.Helper()
	tools := toolregistry.New()
	working := workingmemory.New(t.TempDir(), bm25.DefaultParams, 0, slog.Default())
	return New(model, tools, working, cfg, slog.Default()), tools, working
}

func TestRun_ReturnsPlainTextWithoutToolCalls(t *testing.T) {
	model := &stubModel{responses: []llm.Response{{Text: "hello there"}}}
	r, _, _ := newRunner(t, model, DefaultConfig)

	result, err := r.Run(context.Background(), "session/s1", []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "hello there" {
		t.Fatalf("got text %q", result.Text)
	}
	if result.Incomplete {
		t.Fatal("expected Incomplete=false")
	}
	if result.Steps != 1 {
		t.Fatalf("expected 1 step, got %d", result.Steps)
	}
}

// TestRun_ChunksLargeToolResult exercises spec.md S2: a tool result over the
// configured threshold is stored in working memory under a
// "{namespace}/tool/{callId}" key instead of being inlined, and the final
// text still comes through once the model is done calling tools.
func TestRun_ChunksLargeToolResult(t *testing.T) {
	big := strings.Repeat("x", 50_000)

	tools := toolregistry.New()
	if err := tools.Add(toolregistry.Descriptor{Name: "dump"}, toolregistry.ExecutorFunc(
		func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
			return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: map[string]any{"result": big}}
		},
	)); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	model := &stubModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "dump", Arguments: map[string]any{}}}},
		{Text: "all done"},
	}}

	working := workingmemory.New(t.TempDir(), bm25.DefaultParams, 0, slog.Default())
	r := New(model, tools, working, Config{MaxSteps: 5, ChunkThreshold: 10_000}, slog.Default())

	result, err := r.Run(context.Background(), "session/s1", []llm.Message{{Role: "user", Content: "dump it"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "all done" {
		t.Fatalf("got text %q", result.Text)
	}

	wantKey := workingmemory.ChunkKey("session/s1", "call-1")
	got, ok := working.Get(wantKey)
	if !ok {
		t.Fatalf("expected chunked entry at key %q", wantKey)
	}
	if got != big {
		t.Fatalf("chunked value mismatch: got %d bytes, want %d", len(got), len(big))
	}
}

func TestRun_SmallToolResultNotChunked(t *testing.T) {
	tools := toolregistry.New()
	if err := tools.Add(toolregistry.Descriptor{Name: "echo"}, toolregistry.ExecutorFunc(
		func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
			return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: map[string]any{"result": "small"}}
		},
	)); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	model := &stubModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "echo"}}},
		{Text: "ok"},
	}}

	working := workingmemory.New(t.TempDir(), bm25.DefaultParams, 0, slog.Default())
	r := New(model, tools, working, Config{MaxSteps: 5, ChunkThreshold: 10_000}, slog.Default())

	_, err := r.Run(context.Background(), "session/s1", []llm.Message{{Role: "user", Content: "echo"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := working.Get(workingmemory.ChunkKey("session/s1", "call-1")); ok {
		t.Fatal("did not expect a chunked entry for a small tool result")
	}
}

func TestRun_ToolErrorSurfacesAsErrorResultAndLoopContinues(t *testing.T) {
	tools := toolregistry.New()
	if err := tools.Add(toolregistry.Descriptor{Name: "fail"}, toolregistry.ExecutorFunc(
		func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
			return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, IsError: true, Content: map[string]any{"error": "boom"}}
		},
	)); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	model := &stubModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "fail"}}},
		{Text: "recovered"},
	}}

	r, _, _ := newRunner(t, model, DefaultConfig)
	r.tools = tools

	result, err := r.Run(context.Background(), "session/s1", []llm.Message{{Role: "user", Content: "go"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "recovered" {
		t.Fatalf("expected loop to continue past tool error, got %q", result.Text)
	}
}

func TestRun_StepCapExhaustedMarksIncomplete(t *testing.T) {
	tools := toolregistry.New()
	if err := tools.Add(toolregistry.Descriptor{Name: "noop"}, toolregistry.ExecutorFunc(
		func(ctx context.Context, inv toolregistry.Invocation) toolregistry.Result {
			return toolregistry.Result{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Content: map[string]any{"result": "ok"}}
		},
	)); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	// Every response keeps requesting the tool, so the loop never returns
	// plain text on its own and must hit the step cap.
	model := &stubModel{responses: []llm.Response{
		{Text: "Now let me check that:", ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "noop"}}},
	}}

	working := workingmemory.New(t.TempDir(), bm25.DefaultParams, 0, slog.Default())
	r := New(model, tools, working, Config{MaxSteps: 3, ChunkThreshold: 10_000}, slog.Default())

	result, err := r.Run(context.Background(), "session/s1", []llm.Message{{Role: "user", Content: "go"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Incomplete {
		t.Fatal("expected Incomplete=true once the step cap is hit")
	}
	if result.Steps != 3 {
		t.Fatalf("expected 3 steps, got %d", result.Steps)
	}
	if !strings.Contains(result.Text, "not a completed answer") {
		t.Fatalf("expected incomplete-setup-phrase annotation, got %q", result.Text)
	}
}

func TestRun_CancellationPropagatesWithoutPublishableResult(t *testing.T) {
	model := &stubModel{responses: []llm.Response{{Text: "should not be reached"}}}
	r, _, _ := newRunner(t, model, DefaultConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, "session/s1", []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestGenerateWithRetry_RetriesTransientFailureThenSucceeds(t *testing.T) {
	model := &stubModel{
		errs:      []error{errors.New("transient network error"), nil},
		responses: []llm.Response{{}, {Text: "recovered after retry"}},
	}
	r, _, _ := newRunner(t, model, Config{MaxSteps: 3, MaxRetries: 2, BaseDelay: time.Millisecond})

	result, err := r.Run(context.Background(), "session/s1", []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "recovered after retry" {
		t.Fatalf("got text %q", result.Text)
	}
}

func TestGenerateWithRetry_ExhaustsRetriesAndReturnsTerminalText(t *testing.T) {
	persistent := errors.New("provider unavailable")
	model := &stubModel{errs: []error{persistent, persistent, persistent}}
	r, _, _ := newRunner(t, model, Config{MaxSteps: 3, MaxRetries: 2, BaseDelay: time.Millisecond})

	result, err := r.Run(context.Background(), "session/s1", []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("expected a terminal assistant message, not an error: %v", err)
	}
	if !strings.Contains(result.Text, "problem talking to the model") {
		t.Fatalf("got text %q", result.Text)
	}
}
