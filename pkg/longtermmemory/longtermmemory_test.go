package longtermmemory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rockbot/rockbot/pkg/bm25"
)

func TestSaveGet_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, bm25.DefaultParams, nil)

	err := store.Save(Entry{ID: "e1", Content: "the cat sat on the mat", Category: "notes"})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, ok := store.Get("e1")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got.Content != "the cat sat on the mat" {
		t.Errorf("unexpected content: %q", got.Content)
	}

	if _, err := os.Stat(filepath.Join(dir, "notes", "e1.json")); err != nil {
		t.Errorf("expected file on disk: %v", err)
	}
}

func TestSave_UpsertPreservesCreatedAt(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, bm25.DefaultParams, nil)

	if err := store.Save(Entry{ID: "e1", Content: "v1"}); err != nil {
		t.Fatal(err)
	}
	first, _ := store.Get("e1")

	time.Sleep(5 * time.Millisecond)
	if err := store.Save(Entry{ID: "e1", Content: "v2"}); err != nil {
		t.Fatal(err)
	}
	second, _ := store.Get("e1")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected createdAt preserved across upsert, got %v vs %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) && !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("expected updatedAt to advance")
	}
	if second.Content != "v2" {
		t.Errorf("expected content updated, got %q", second.Content)
	}
}

func TestDeleteThenGet(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, bm25.DefaultParams, nil)
	store.Save(Entry{ID: "e1", Content: "x"})

	if err := store.Delete("e1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get("e1"); ok {
		t.Error("expected entry gone after delete")
	}

	store.Save(Entry{ID: "e1", Content: "restored"})
	if got, ok := store.Get("e1"); !ok || got.Content != "restored" {
		t.Error("expected re-save to restore entry")
	}
}

func TestSearch_CategoryPrefix(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, bm25.DefaultParams, nil)
	store.Save(Entry{ID: "a", Content: "likes pizza", Category: "user-preferences/food"})
	store.Save(Entry{ID: "b", Content: "likes hiking", Category: "user-preferences/hobbies"})
	store.Save(Entry{ID: "c", Content: "likes pizza too", Category: "other"})

	results, err := store.Search(Criteria{Query: "likes", CategoryPrefix: "user-preferences"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results under prefix, got %d", len(results))
	}
	for _, r := range results {
		if r.ID == "c" {
			t.Error("expected entry outside category prefix to be excluded")
		}
	}
}

func TestSearch_TagIntersection(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, bm25.DefaultParams, nil)
	store.Save(Entry{ID: "a", Content: "red widget", Tags: []string{"Color", "Widget"}})
	store.Save(Entry{ID: "b", Content: "blue widget", Tags: []string{"widget"}})

	results, err := store.Search(Criteria{Query: "widget", Tags: []string{"color"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("expected only entry a to match tag filter, got %v", results)
	}
}

func TestSanitizeCategory_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, bm25.DefaultParams, nil)

	if err := store.Save(Entry{ID: "e1", Content: "x", Category: "../escape"}); err == nil {
		t.Error("expected traversal category to be rejected")
	}
	if err := store.Save(Entry{ID: "e1", Content: "x", Category: "/abs"}); err == nil {
		t.Error("expected leading-slash category to be rejected")
	}
}

func TestListCategoriesAndTags(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, bm25.DefaultParams, nil)
	store.Save(Entry{ID: "a", Content: "x", Category: "notes", Tags: []string{"Foo"}})
	store.Save(Entry{ID: "b", Content: "y", Category: "notes/sub", Tags: []string{"bar"}})

	cats := store.ListCategories()
	if len(cats) != 2 {
		t.Errorf("expected 2 categories, got %v", cats)
	}
	tags := store.ListTags()
	if len(tags) != 2 || tags[0] != "bar" || tags[1] != "foo" {
		t.Errorf("expected lowercased sorted tags [bar foo], got %v", tags)
	}
}
