package bm25

import "testing"

func TestTokenize_LowercasesAndDropsStopwords(t *testing.T) {
	got := Tokenize("The Quick-Brown Fox, and the Lazy Dog!")
	want := []string{"quick", "brown", "fox", "lazy", "dog"}

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func doc(id, text string, createdAt int64) Document {
	return Document{ID: id, Tokens: Tokenize(text), CreatedAt: createdAt}
}

func TestRank_PrefersMoreRelevantDocument(t *testing.T) {
	corpus := []Document{
		doc("a", "the cat sat on the mat", 1),
		doc("b", "cat cat cat cat dog", 2),
		doc("c", "completely unrelated content about boats", 3),
	}

	results := Rank("cat", corpus, DefaultParams, 10)
	if len(results) < 2 {
		t.Fatalf("expected at least 2 results, got %d", len(results))
	}
	if results[0].ID != "b" {
		t.Errorf("expected doc b (higher term frequency) to rank first, got %q", results[0].ID)
	}
	for _, r := range results {
		if r.ID == "c" {
			t.Errorf("unrelated document %q should not match query 'cat'", r.ID)
		}
	}
}

func TestRank_DeterministicTiebreak(t *testing.T) {
	corpus := []Document{
		{ID: "z", Tokens: []string{"widget"}, CreatedAt: 100, UpdatedAt: 0},
		{ID: "a", Tokens: []string{"widget"}, CreatedAt: 100, UpdatedAt: 0},
		{ID: "m", Tokens: []string{"widget"}, CreatedAt: 100, UpdatedAt: 0},
	}

	first := Rank("widget", corpus, DefaultParams, 0)
	second := Rank("widget", corpus, DefaultParams, 0)

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 results each run, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("ranking not deterministic at position %d: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
	// Equal scores and equal createdAt/updatedAt fall back to id ascending.
	if first[0].ID != "a" || first[1].ID != "m" || first[2].ID != "z" {
		t.Errorf("expected id-ascending tiebreak order a,m,z; got %v", first)
	}
}

func TestRank_MaxResults(t *testing.T) {
	corpus := []Document{
		doc("a", "widget widget widget", 1),
		doc("b", "widget widget", 2),
		doc("c", "widget", 3),
	}
	results := Rank("widget", corpus, DefaultParams, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestRank_EmptyQueryOrCorpus(t *testing.T) {
	if got := Rank("", []Document{doc("a", "anything", 1)}, DefaultParams, 10); got != nil {
		t.Errorf("expected nil for empty query, got %v", got)
	}
	if got := Rank("anything", nil, DefaultParams, 10); got != nil {
		t.Errorf("expected nil for empty corpus, got %v", got)
	}
}
