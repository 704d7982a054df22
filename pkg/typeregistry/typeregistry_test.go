package typeregistry

import "testing"

type userMessage struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

func TestDecode_RoundTrip(t *testing.T) {
	r := New()
	r.Register("UserMessage", func() any { return &userMessage{} })

	decoded, err := r.Decode("UserMessage", []byte(`{"sessionId":"s1","content":"hello"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	msg, ok := decoded.(*userMessage)
	if !ok {
		t.Fatalf("expected *userMessage, got %T", decoded)
	}
	if msg.SessionID != "s1" || msg.Content != "hello" {
		t.Fatalf("unexpected payload: %+v", msg)
	}
}

func TestDecode_UnregisteredType(t *testing.T) {
	r := New()
	if _, err := r.Decode("Unknown", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unregistered message type")
	}
}

func TestDecode_MalformedBody(t *testing.T) {
	r := New()
	r.Register("UserMessage", func() any { return &userMessage{} })

	if _, err := r.Decode("UserMessage", []byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestRegister_ReplacesPriorBinding(t *testing.T) {
	r := New()
	r.Register("T", func() any { return &userMessage{Content: "first"} })
	r.Register("T", func() any { return &userMessage{Content: "second"} })

	decoded, err := r.Decode("T", []byte(`{}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.(*userMessage).Content != "second" {
		t.Fatalf("expected replaced factory to win, got %+v", decoded)
	}
}

func TestRegistered(t *testing.T) {
	r := New()
	if r.Registered("T") {
		t.Fatal("expected T to be unregistered initially")
	}
	r.Register("T", func() any { return &userMessage{} })
	if !r.Registered("T") {
		t.Fatal("expected T to be registered")
	}
}
