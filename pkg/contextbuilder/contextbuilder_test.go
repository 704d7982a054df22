package contextbuilder

import (
	"strings"
	"testing"
	"time"

	"github.com/rockbot/rockbot/pkg/bm25"
	"github.com/rockbot/rockbot/pkg/convmemory"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/skills"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

func fixedNow() time.Time {
	return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
}

func newTestBuilder(t *testing.T) (*Builder, Sources) {
	t.Helper()
	conv := convmemory.New(50, time.Hour)
	ltm := longtermmemory.New(t.TempDir(), bm25.DefaultParams, nil)
	wm := workingmemory.New(t.TempDir(), bm25.DefaultParams, 100, nil)
	sk := skills.New(t.TempDir(), "", bm25.DefaultParams, nil, nil)

	sources := Sources{Conversation: conv, LongTerm: ltm, Working: wm, Skills: sk}
	b := New(sources, Behavior{RecallTopK: 5, NewSkillsTopK: 3, MaxTurnsPerSession: 10}, nil, fixedNow)
	return b, sources
}

func TestBuild_Order(t *testing.T) {
	b, sources := newTestBuilder(t)
	sources.Conversation.Add("s1", convmemory.Turn{Role: convmemory.RoleUser, Content: "hi"})
	sources.Conversation.Add("s1", convmemory.Turn{Role: convmemory.RoleAssistant, Content: "hello"})
	sources.Skills.Save(skills.Skill{Name: "ops/restart", Content: "restart procedure"})

	msgs := b.Build("s1", "You are Rocky.", []string{"be concise"}, "restart the service")

	if msgs[0].Role != convmemory.RoleSystem || !strings.Contains(msgs[0].Content, "You are Rocky.") {
		t.Fatalf("expected profile prompt first, got %+v", msgs[0])
	}
	if !strings.Contains(msgs[1].Content, "be concise") {
		t.Fatalf("expected active rule next, got %+v", msgs[1])
	}

	last := msgs[len(msgs)-1]
	if last.Role != convmemory.RoleUser || last.Content != "restart the service" {
		t.Fatalf("expected new user content last, got %+v", last)
	}

	var sawUser, sawAssistant bool
	for _, m := range msgs {
		if m.Role == convmemory.RoleUser && m.Content == "hi" {
			sawUser = true
		}
		if m.Role == convmemory.RoleAssistant && m.Content == "hello" {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Fatalf("expected prior history turns included, got %+v", msgs)
	}
}

func TestBuild_SkillIndexOnlyOnFirstTurn(t *testing.T) {
	b, sources := newTestBuilder(t)
	sources.Skills.Save(skills.Skill{Name: "ops/restart", Content: "restart procedure"})

	first := b.Build("s1", "prompt", nil, "hello")
	second := b.Build("s1", "prompt", nil, "hello again")

	foundFirst := containsSubstring(first, "Skill index:")
	foundSecond := containsSubstring(second, "Skill index:")

	if !foundFirst {
		t.Fatal("expected skill index on first turn")
	}
	if foundSecond {
		t.Fatal("expected skill index omitted on second turn")
	}
}

func TestBuild_MaxTurnsPerSessionCaps(t *testing.T) {
	b, sources := newTestBuilder(t)
	for i := 0; i < 20; i++ {
		sources.Conversation.Add("s1", convmemory.Turn{Role: convmemory.RoleUser, Content: "turn"})
	}
	b.behavior.MaxTurnsPerSession = 3

	msgs := b.Build("s1", "prompt", nil, "new")
	var historyCount int
	for _, m := range msgs {
		if m.Content == "turn" {
			historyCount++
		}
	}
	if historyCount != 3 {
		t.Fatalf("expected 3 history turns, got %d", historyCount)
	}
}

func containsSubstring(msgs []Message, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Content, substr) {
			return true
		}
	}
	return false
}
