package feedback

import (
	"testing"
)

func TestAppendAndReadSession_RoundTripsInOrder(t *testing.T) {
	s := New(t.TempDir())

	if err := s.Append(Entry{ID: "1", SessionID: "sess-a", SignalType: SignalCorrection, Summary: "fixed a typo"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(Entry{ID: "2", SessionID: "sess-a", SignalType: SignalThumbsUp, Summary: "nice"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(Entry{ID: "3", SessionID: "sess-b", SignalType: SignalToolFailure, Summary: "other session"}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ReadSession("sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for sess-a, got %d", len(entries))
	}
	if entries[0].ID != "1" || entries[1].ID != "2" {
		t.Fatalf("expected append order preserved, got %+v", entries)
	}
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			t.Fatal("expected timestamp to be auto-assigned")
		}
	}
}

func TestReadSession_UnknownSessionReturnsNil(t *testing.T) {
	s := New(t.TempDir())
	entries, err := s.ReadSession("never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Fatalf("expected nil for an unseen session, got %+v", entries)
	}
}
