package docindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/storage"
)

func testVault(t *testing.T) storage.Provider {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func writeFile(t *testing.T, store storage.Provider, path, content string) {
	t.Helper()
	if err := store.Write(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

func TestBuild_LinksAndBacklinks(t *testing.T) {
	store := testVault(t)
	writeFile(t, store, "knowledge/a.md", "# A\nsee [[b]]")
	writeFile(t, store, "knowledge/b.md", "# B")

	idx := New(store, nil, nil)
	defer idx.Close()
	if err := idx.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	a, ok := idx.Get("knowledge/a.md")
	if !ok {
		t.Fatal("a.md not indexed")
	}
	if len(a.Links) != 1 || a.Links[0] != "b" {
		t.Errorf("a.Links = %v", a.Links)
	}

	b, ok := idx.Get("knowledge/b.md")
	if !ok {
		t.Fatal("b.md not indexed")
	}
	if len(b.Backlinks) != 1 || b.Backlinks[0] != "knowledge/a.md" {
		t.Errorf("b.Backlinks = %v", b.Backlinks)
	}

	g := idx.Graph()
	if len(g.Links) != 1 || g.Links[0].Source != "knowledge/a.md" || g.Links[0].Target != "knowledge/b.md" {
		t.Errorf("graph links = %v", g.Links)
	}
}

func TestBuild_ExcludesNodeModulesAndHidden(t *testing.T) {
	store := testVault(t)
	writeFile(t, store, "node_modules/pkg/readme.md", "ignored")
	writeFile(t, store, ".hidden/x.md", "ignored")
	writeFile(t, store, "knowledge/a.md", "kept")

	idx := New(store, nil, nil)
	defer idx.Close()
	if err := idx.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	paths := idx.AllPaths()
	if _, ok := paths["knowledge/a.md"]; !ok {
		t.Error("expected knowledge/a.md indexed")
	}
	if len(paths) != 1 {
		t.Errorf("expected exactly 1 indexed doc, got %d: %v", len(paths), paths)
	}
}

func TestBuild_ProjectsTwoFileRule(t *testing.T) {
	store := testVault(t)
	writeFile(t, store, "projects/demo/CLAUDE.md", "kept")
	writeFile(t, store, "projects/demo/README.md", "kept")
	writeFile(t, store, "projects/demo/notes.md", "ignored")

	idx := New(store, nil, nil)
	defer idx.Close()
	if err := idx.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	paths := idx.AllPaths()
	if len(paths) != 2 {
		t.Errorf("expected 2 docs, got %d: %v", len(paths), paths)
	}
	if _, ok := paths["projects/demo/notes.md"]; ok {
		t.Error("notes.md should have been excluded")
	}
}

func TestUpdateAndRemove(t *testing.T) {
	store := testVault(t)
	writeFile(t, store, "a.md", "# A\nsee [[b]]")
	writeFile(t, store, "b.md", "# B")

	idx := New(store, nil, nil)
	defer idx.Close()
	if err := idx.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := idx.Remove("b.md"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	a, _ := idx.Get("a.md")
	if len(a.Backlinks) != 0 {
		t.Errorf("expected no backlinks after removing target, got %v", a.Backlinks)
	}

	abs := filepath.Join(store.Root(), "b.md")
	if err := os.WriteFile(abs, []byte("# B reborn"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := idx.Update("b.md"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	b, ok := idx.Get("b.md")
	if !ok || b.Title != "B reborn" {
		t.Errorf("Update did not reparse: %+v", b)
	}
}

func TestSearch_WeightsTitleOverContent(t *testing.T) {
	store := testVault(t)
	writeFile(t, store, "a.md", "---\ntitle: zephyr\n---\nbody text")
	writeFile(t, store, "b.md", "---\ntitle: other\n---\nzephyr mentioned in body")

	idx := New(store, nil, nil)
	defer idx.Close()
	if err := idx.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	results := idx.Search("zephyr", SearchOptions{Limit: 10})
	if len(results) < 2 {
		t.Fatalf("expected at least 2 results, got %d", len(results))
	}
	if results[0].Document.Path != "a.md" {
		t.Errorf("expected title match to rank first, got %s", results[0].Document.Path)
	}
}

func TestSearch_TypeFilter(t *testing.T) {
	store := testVault(t)
	writeFile(t, store, "tasks/x.md", "zephyr task")
	writeFile(t, store, "knowledge/y.md", "zephyr note")

	idx := New(store, nil, nil)
	defer idx.Close()
	if err := idx.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	results := idx.Search("zephyr", SearchOptions{Type: models.DocTypeTask, Limit: 10})
	for _, r := range results {
		if r.Document.Type != models.DocTypeTask {
			t.Errorf("unexpected type in filtered results: %v", r.Document.Type)
		}
	}
}
