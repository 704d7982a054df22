package subagentmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rockbot/rockbot/pkg/bm25"
	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/looprunner"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/transport"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

type stubModel struct{ text string }

func (m stubModel) Generate(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition) (llm.Response, error) {
	return llm.Response{Text: m.text}, nil
}
func (m stubModel) ModelName() string { return "stub" }

type capturingBus struct {
	mu      sync.Mutex
	byTopic map[string][]*envelope.Envelope
}

func newCapturingBus() *capturingBus { return &capturingBus{byTopic: make(map[string][]*envelope.Envelope)} }

func (b *capturingBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byTopic[topic] = append(b.byTopic[topic], env)
	return nil
}
func (b *capturingBus) Subscribe(ctx context.Context, pattern, queue string, h transport.Handler) (transport.Subscription, error) {
	return nil, nil
}
func (b *capturingBus) Close() error { return nil }

func (b *capturingBus) countOn(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byTopic[topic])
}

func newTestDeps(t *testing.T, text string) (Deps, *capturingBus) {
	bus := newCapturingBus()
	deps := Deps{
		Bus:       bus,
		AgentName: "agent-a",
		Model:     stubModel{text: text},
		BaseTools: toolregistry.New(),
		Working:   workingmemory.New(t.TempDir(), bm25.DefaultParams, 0, nil),
		LongTerm:  longtermmemory.New(t.TempDir(), bm25.DefaultParams, nil),
		LoopCfg:   looprunner.Config{MaxSteps: 3},
	}
	return deps, bus
}

func TestSpawn_PublishesExactlyOneResult(t *testing.T) {
	deps, bus := newTestDeps(t, "done")
	mgr := New(deps, 5)

	taskID, err := mgr.Spawn(context.Background(), "do the thing", nil, 0, "primary-session")
	if err != nil {
		t.Fatal(err)
	}
	if taskID == "" {
		t.Fatal("expected non-empty task id")
	}

	waitForResult(t, bus)
	if bus.countOn(messages.TopicSubagentResult) != 1 {
		t.Fatalf("expected exactly one result, got %d", bus.countOn(messages.TopicSubagentResult))
	}
}

func TestSpawn_RejectsAtCapacity(t *testing.T) {
	deps, _ := newTestDeps(t, "done")
	mgr := New(deps, 1)
	mgr.mu.Lock()
	mgr.active["existing"] = &Entry{TaskID: "existing", done: make(chan struct{})}
	mgr.mu.Unlock()

	_, err := mgr.Spawn(context.Background(), "x", nil, 0, "s1")
	if err == nil {
		t.Fatal("expected capacity rejection")
	}
}

func TestCancel_StopsRunningSubagent(t *testing.T) {
	deps, bus := newTestDeps(t, "")
	deps.Model = blockingModel{}
	mgr := New(deps, 5)

	taskID, err := mgr.Spawn(context.Background(), "slow task", nil, 0, "s1")
	if err != nil {
		t.Fatal(err)
	}

	if !mgr.Cancel(taskID) {
		t.Fatal("expected cancel to find the running subagent")
	}

	waitForResult(t, bus)
	if bus.countOn(messages.TopicSubagentResult) != 1 {
		t.Fatalf("expected exactly one result after cancellation, got %d", bus.countOn(messages.TopicSubagentResult))
	}
}

type blockingModel struct{}

func (blockingModel) Generate(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition) (llm.Response, error) {
	<-ctx.Done()
	return llm.Response{}, ctx.Err()
}
func (blockingModel) ModelName() string { return "blocking" }

func waitForResult(t *testing.T, bus *capturingBus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.countOn(messages.TopicSubagentResult) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for subagent result")
}
