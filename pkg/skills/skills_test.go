package skills

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rockbot/rockbot/pkg/bm25"
)

func TestSaveGet_RoundTrip(t *testing.T) {
	s := New(t.TempDir(), "", bm25.DefaultParams, nil, nil)

	if err := s.Save(Skill{Name: "ops/restart-service", Content: "steps to restart a service"}); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get("ops/restart-service")
	if !ok {
		t.Fatal("expected skill to be found")
	}
	if got.Content != "steps to restart a service" {
		t.Errorf("unexpected content: %q", got.Content)
	}
}

func TestSave_BackfillsSummaryInBackground(t *testing.T) {
	var mu sync.Mutex
	called := false
	summarize := func(content string) (string, error) {
		mu.Lock()
		called = true
		mu.Unlock()
		return "restart a service safely", nil
	}

	s := New(t.TempDir(), "", bm25.DefaultParams, summarize, nil)
	if err := s.Save(Skill{Name: "ops/restart", Content: "long how-to"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sk, ok := s.Get("ops/restart"); ok && sk.Summary != "" {
			if sk.Summary != "restart a service safely" {
				t.Errorf("unexpected summary: %q", sk.Summary)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("summary was not backfilled in time (summarizer called=%v)", called)
}

func TestSearch_PendingSummaryParticipatesImmediately(t *testing.T) {
	s := New(t.TempDir(), "", bm25.DefaultParams, nil, nil)
	s.Save(Skill{Name: "net/diagnose", Content: "diagnose network connectivity issues"})

	results := s.Search("network connectivity", 5)
	if len(results) != 1 {
		t.Fatalf("expected the pending-summary skill to be searchable, got %v", results)
	}
}

func TestShouldShowIndex_OnlyOncePerSession(t *testing.T) {
	s := New(t.TempDir(), "", bm25.DefaultParams, nil, nil)

	if !s.ShouldShowIndex("sess1") {
		t.Error("expected first call to return true")
	}
	if s.ShouldShowIndex("sess1") {
		t.Error("expected second call for same session to return false")
	}
	if !s.ShouldShowIndex("sess2") {
		t.Error("expected first call for a different session to return true")
	}
}

func TestNewRecalls_DedupesPerSession(t *testing.T) {
	s := New(t.TempDir(), "", bm25.DefaultParams, nil, nil)
	candidates := []Skill{{Name: "a"}, {Name: "b"}}

	first := s.NewRecalls("sess1", candidates)
	if len(first) != 2 {
		t.Fatalf("expected both skills new, got %v", first)
	}

	second := s.NewRecalls("sess1", candidates)
	if len(second) != 0 {
		t.Errorf("expected no repeats within same session, got %v", second)
	}

	third := s.NewRecalls("sess2", candidates)
	if len(third) != 2 {
		t.Errorf("expected a different session to see both again, got %v", third)
	}
}

func TestRecordUsage_AppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	s := New(t.TempDir(), dir, bm25.DefaultParams, nil, nil)
	s.RecordUsage("sess1", "ops/restart", 4.2, time.Now())

	// The ledger file's name is only checked for its .jsonl suffix.
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || !strings.HasSuffix(files[0].Name(), ".jsonl") {
		t.Fatalf("expected one .jsonl ledger file, got %v", files)
	}
	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.HasSuffix(line, "\n") || !strings.Contains(line, `"skillName":"ops/restart"`) {
		t.Errorf("expected one JSON line naming the skill, got %q", line)
	}
}
