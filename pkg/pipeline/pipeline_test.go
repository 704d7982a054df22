package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/transport"
	"github.com/rockbot/rockbot/pkg/typeregistry"
)

func newTestDispatcher(t *testing.T, handler Handler, mws ...Middleware) *Dispatcher {
	t.Helper()
	reg := typeregistry.New()
	reg.Register(messages.TypeUserMessage, func() any { return &messages.UserMessage{} })
	d := New(reg, nil, mws...)
	d.RegisterHandler(messages.TypeUserMessage, handler)
	return d
}

func mustEnvelope(t *testing.T, sessionID, content string) *envelope.Envelope {
	t.Helper()
	body, err := json.Marshal(messages.UserMessage{SessionID: sessionID, Content: content})
	if err != nil {
		t.Fatal(err)
	}
	return envelope.New("test", messages.TypeUserMessage, body)
}

func TestDispatchAsync_InvokesExactlyOneHandler(t *testing.T) {
	var calls int32
	d := newTestDispatcher(t, func(ctx context.Context, mc *MessageContext) transport.Outcome {
		atomic.AddInt32(&calls, 1)
		return transport.Ack
	})

	outcome := d.DispatchAsync(context.Background(), mustEnvelope(t, "s1", "hi"))
	if outcome != transport.Ack {
		t.Fatalf("expected Ack, got %v", outcome)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one invocation, got %d", calls)
	}
}

func TestDispatchAsync_UnknownTypeDeadLetters(t *testing.T) {
	reg := typeregistry.New()
	d := New(reg, nil)
	env := envelope.New("test", "TotallyUnknownType", []byte("{}"))

	outcome := d.DispatchAsync(context.Background(), env)
	if outcome != transport.DeadLetter {
		t.Fatalf("expected DeadLetter, got %v", outcome)
	}
}

func TestDispatchAsync_MiddlewareCanShortCircuit(t *testing.T) {
	var handlerCalled bool
	shortCircuit := func(next Handler) Handler {
		return func(ctx context.Context, mc *MessageContext) transport.Outcome {
			return transport.DeadLetter
		}
	}
	d := newTestDispatcher(t, func(ctx context.Context, mc *MessageContext) transport.Outcome {
		handlerCalled = true
		return transport.Ack
	}, shortCircuit)

	outcome := d.DispatchAsync(context.Background(), mustEnvelope(t, "s1", "hi"))
	if outcome != transport.DeadLetter {
		t.Fatalf("expected DeadLetter from short-circuiting middleware, got %v", outcome)
	}
	if handlerCalled {
		t.Fatal("expected handler not to run after short-circuit")
	}
}

func TestDispatchAsync_SerializesPerSession(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	d := newTestDispatcher(t, func(ctx context.Context, mc *MessageContext) transport.Outcome {
		body := mc.Body.(*messages.UserMessage)
		if body.Content == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, body.Content)
		mu.Unlock()
		return transport.Ack
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.DispatchAsync(context.Background(), mustEnvelope(t, "shared", "first"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		d.DispatchAsync(context.Background(), mustEnvelope(t, "shared", "second"))
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected sequential per-session delivery, got %v", order)
	}
}

func TestDispatchAsync_PreservesEnvelopeIdentity(t *testing.T) {
	var captured *envelope.Envelope
	d := newTestDispatcher(t, func(ctx context.Context, mc *MessageContext) transport.Outcome {
		captured = mc.Envelope
		return transport.Ack
	})

	env := mustEnvelope(t, "s1", "hi")
	env.CorrelationID = "corr-1"
	env.ReplyTo = "reply.topic"

	d.DispatchAsync(context.Background(), env)

	if captured.MessageID != env.MessageID || captured.CorrelationID != "corr-1" || captured.ReplyTo != "reply.topic" {
		t.Fatalf("expected envelope identity preserved through dispatch, got %+v", captured)
	}
}
