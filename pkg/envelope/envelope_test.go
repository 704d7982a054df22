package envelope

import "testing"

func TestNew_SetsDefaults(t *testing.T) {
	e := New("rockbot", "UserMessage", []byte(`{"content":"hi"}`))

	if e.MessageID == "" {
		t.Fatal("expected a generated message id")
	}
	if e.Source != "rockbot" {
		t.Errorf("expected source rockbot, got %q", e.Source)
	}
	if e.MessageType != "UserMessage" {
		t.Errorf("expected message type UserMessage, got %q", e.MessageType)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestNew_Options(t *testing.T) {
	e := New("rockbot", "AgentTaskRequest", nil,
		WithCorrelationID("task-1"),
		WithReplyTo("agent.response.rockbot"),
		WithDestination("peer"),
		WithHeader(HeaderTimeoutMS, "60000"),
	)

	if e.CorrelationID != "task-1" {
		t.Errorf("expected correlation id task-1, got %q", e.CorrelationID)
	}
	if e.ReplyTo != "agent.response.rockbot" {
		t.Errorf("unexpected reply-to: %q", e.ReplyTo)
	}
	if e.Destination != "peer" {
		t.Errorf("unexpected destination: %q", e.Destination)
	}
	if v, ok := e.Header(HeaderTimeoutMS); !ok || v != "60000" {
		t.Errorf("expected timeout header 60000, got %q (ok=%v)", v, ok)
	}
}

func TestClone_DoesNotAliasOriginal(t *testing.T) {
	e := New("rockbot", "UserMessage", []byte("payload"), WithHeader("x", "1"))
	c := e.Clone()

	c.Headers["x"] = "2"
	c.Body[0] = 'P'

	if e.Headers["x"] != "1" {
		t.Errorf("mutating clone's headers leaked into original: %q", e.Headers["x"])
	}
	if e.Body[0] != 'p' {
		t.Errorf("mutating clone's body leaked into original: %q", e.Body)
	}
}

func TestRoundTrip_FieldsUnchanged(t *testing.T) {
	e := New("rockbot", "UserMessage", []byte("x"), WithCorrelationID("c1"), WithReplyTo("r1"))
	c := e.Clone()

	if c.MessageID != e.MessageID || c.CorrelationID != e.CorrelationID ||
		c.Source != e.Source || c.ReplyTo != e.ReplyTo {
		t.Error("expected identity fields to survive a round trip unchanged")
	}
}
