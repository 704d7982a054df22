package pipeline

import (
	"context"
	"testing"

	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/ratelimit"
	"github.com/rockbot/rockbot/pkg/transport"
)

func byUserMessageSession(body any) (string, bool) {
	m, ok := body.(messages.UserMessage)
	if !ok {
		return "", false
	}
	return m.SessionID, true
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	limiter, scope, err := ratelimit.NewFromRules(true, "session", []ratelimit.RuleSpec{
		{Type: "count", Window: "minute", Limit: 5},
	})
	if err != nil {
		t.Fatal(err)
	}

	var called bool
	h := RateLimit(limiter, scope, byUserMessageSession)(func(ctx context.Context, mc *MessageContext) transport.Outcome {
		called = true
		return transport.Ack
	})

	outcome := h(context.Background(), &MessageContext{Body: messages.UserMessage{SessionID: "s1"}})
	if outcome != transport.Ack || !called {
		t.Fatalf("expected Ack and handler called, got outcome=%v called=%v", outcome, called)
	}
}

func TestRateLimit_DeadLettersOverLimit(t *testing.T) {
	limiter, scope, err := ratelimit.NewFromRules(true, "session", []ratelimit.RuleSpec{
		{Type: "count", Window: "minute", Limit: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	h := RateLimit(limiter, scope, byUserMessageSession)(func(ctx context.Context, mc *MessageContext) transport.Outcome {
		return transport.Ack
	})

	mc := &MessageContext{Body: messages.UserMessage{SessionID: "s1"}}
	if outcome := h(context.Background(), mc); outcome != transport.Ack {
		t.Fatalf("expected first call to pass, got %v", outcome)
	}
	if outcome := h(context.Background(), mc); outcome != transport.DeadLetter {
		t.Fatalf("expected second call over limit to DeadLetter, got %v", outcome)
	}
}

func TestRateLimit_NilLimiterPassesThrough(t *testing.T) {
	called := false
	h := RateLimit(nil, "", byUserMessageSession)(func(ctx context.Context, mc *MessageContext) transport.Outcome {
		called = true
		return transport.Ack
	})
	h(context.Background(), &MessageContext{Body: messages.UserMessage{SessionID: "s1"}})
	if !called {
		t.Fatal("expected handler to run when limiter is nil")
	}
}

func TestRateLimit_UnclassifiedBodyPassesThrough(t *testing.T) {
	limiter, scope, err := ratelimit.NewFromRules(true, "session", []ratelimit.RuleSpec{
		{Type: "count", Window: "minute", Limit: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	called := false
	h := RateLimit(limiter, scope, byUserMessageSession)(func(ctx context.Context, mc *MessageContext) transport.Outcome {
		called = true
		return transport.Ack
	})
	h(context.Background(), &MessageContext{Body: "not a user message"})
	if !called {
		t.Fatal("expected unclassified body to skip rate limiting")
	}
}
