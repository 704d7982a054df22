package conversationlog

import (
	"testing"
	"time"

	"github.com/rockbot/rockbot/pkg/convmemory"
)

func TestAppendAndReadSince(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	if err := log.Append(Record{SessionID: "s1", Role: convmemory.RoleUser, Content: "hi", Timestamp: old}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := log.Append(Record{SessionID: "s1", Role: convmemory.RoleUser, Content: "recent", Timestamp: now}); err != nil {
		t.Fatalf("append recent: %v", err)
	}
	if err := log.Append(Record{SessionID: "s1", Role: convmemory.RoleAssistant, Content: "reply", Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatalf("append reply: %v", err)
	}

	records, err := log.ReadSince(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("read since: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records since cutoff, got %d: %+v", len(records), records)
	}
	for _, r := range records {
		if r.Content == "hi" {
			t.Fatal("did not expect the old record to be included")
		}
	}
}

func TestReadSince_EmptyDirReturnsNoError(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	records, err := log.ReadSince(time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestReadSince_MissingDirReturnsNoError(t *testing.T) {
	log := New("/nonexistent/path/for/test")

	records, err := log.ReadSince(time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records != nil {
		t.Fatalf("expected nil records, got %v", records)
	}
}
