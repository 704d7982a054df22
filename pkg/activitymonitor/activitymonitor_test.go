package activitymonitor

import (
	"testing"
	"time"
)

func TestIsSessionActive_TrueWithinThresholdFalseAfter(t *testing.T) {
	m := New(50 * time.Millisecond)
	m.Touch("s1")

	if !m.IsSessionActive("s1") {
		t.Fatal("expected session to be active immediately after touch")
	}

	time.Sleep(80 * time.Millisecond)
	if m.IsSessionActive("s1") {
		t.Fatal("expected session to go idle after the threshold elapses")
	}
}

func TestIsSessionActive_UnknownSessionIsNotActive(t *testing.T) {
	m := New(time.Second)
	if m.IsSessionActive("never-seen") {
		t.Fatal("expected an unseen session to be inactive")
	}
}

func TestAnyActive_ReflectsAnySession(t *testing.T) {
	m := New(50 * time.Millisecond)
	if m.AnyActive() {
		t.Fatal("expected no active sessions initially")
	}
	m.Touch("s1")
	if !m.AnyActive() {
		t.Fatal("expected at least one active session after touch")
	}
}
