package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/vitrum/internal/bus"
	"github.com/starford/vitrum/internal/docindex"
	"github.com/starford/vitrum/internal/federation"
	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/peers"
	"github.com/starford/vitrum/internal/storage"
	"github.com/starford/vitrum/internal/syncsvc"
)

func testEnv(t *testing.T, authEnabled bool, token string) (*Handler, storage.Provider, string, http.Handler) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	idx := docindex.New(store, nil, nil)
	t.Cleanup(idx.Close)

	reg, err := peers.New(dir, nil, nil)
	if err != nil {
		t.Fatalf("peers.New: %v", err)
	}
	b := bus.New(nil)
	t.Cleanup(b.Close)

	sync := syncsvc.New(store, idx, reg, b, nil)
	h := NewHandler(idx, sync, reg, store, time.Now(), nil)

	fed := federation.NewHandler(idx, reg, sync, nil)
	router := NewRouter(h, fed.Router(), NewWebSocketHandler(b, nil), authEnabled, token)
	return h, store, dir, router
}

func writeDoc(t *testing.T, store storage.Provider, path, content string) {
	t.Helper()
	if err := store.Write(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	_, _, _, router := testEnv(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestStatus_ReportsDocumentCount(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "a.md", "---\ntitle: A\n---\nbody")
	if err := h.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DocumentCount != 1 {
		t.Errorf("documentCount = %d, want 1", resp.DocumentCount)
	}
}

func TestStatusReindex(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "a.md", "---\ntitle: A\n---\nbody")

	req := httptest.NewRequest(http.MethodPost, "/api/status/reindex", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reindex = %d", w.Code)
	}
	if _, ok := h.index.Get("a.md"); !ok {
		t.Error("expected a.md to be indexed after reindex")
	}
}

func TestListAndGetFile(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "a.md", "---\ntitle: A\n---\nbody")
	if err := h.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list FileListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/files/a.md", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
}

func TestGetFile_NotFound(t *testing.T) {
	_, _, _, router := testEnv(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/api/files/nope.md", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing file = %d, want 404", w.Code)
	}
}

func TestPutFile_NoOpOnNotFound(t *testing.T) {
	_, _, _, router := testEnv(t, false, "")

	body, _ := json.Marshal(PutFileRequest{Content: "x"})
	req := httptest.NewRequest(http.MethodPut, "/api/files/ghost.md", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("put missing = %d, want 200", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["updated"] != false {
		t.Errorf("updated = %v, want false", resp["updated"])
	}
}

func TestPutFile_Replaces(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "a.md", "---\ntitle: A\n---\nold")
	if err := h.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(PutFileRequest{
		Frontmatter: map[string]interface{}{"title": "A"},
		Content:     "new body",
	})
	req := httptest.NewRequest(http.MethodPut, "/api/files/a.md", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d, body = %s", w.Code, w.Body.String())
	}

	data, err := store.Read("a.md")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("new body")) {
		t.Errorf("content not replaced: %s", data)
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	_, _, _, router := testEnv(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestSearch_FindsDocument(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "a.md", "---\ntitle: uniquetoken\n---\nbody")
	if err := h.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=uniquetoken", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 {
		t.Errorf("results = %d, want 1", len(resp.Results))
	}
}

func TestGraph(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "a.md", "---\ntitle: A\n---\nlinks to [[b]]")
	writeDoc(t, store, "b.md", "---\ntitle: B\n---\nlinks to [[a]]")
	if err := h.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/graph", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("graph = %d", w.Code)
	}
	var g models.Graph
	_ = json.Unmarshal(w.Body.Bytes(), &g)
	if len(g.Nodes) < 2 || len(g.Links) < 2 {
		t.Errorf("graph = %+v", g)
	}
}

func TestGraph_FilteredByFolder(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "knowledge/a.md", "---\ntitle: A\n---\nbody")
	writeDoc(t, store, "projects/p1/CLAUDE.md", "---\ntitle: P1\n---\nbody")
	if err := h.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/graph?folder=knowledge", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var g models.Graph
	_ = json.Unmarshal(w.Body.Bytes(), &g)
	for _, n := range g.Nodes {
		if n.ID != "knowledge/a.md" {
			t.Errorf("unexpected node outside folder filter: %s", n.ID)
		}
	}
}

func TestGraphNeighbors_NotFound(t *testing.T) {
	_, _, _, router := testEnv(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/api/graph/neighbors/nope.md", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("neighbors missing = %d, want 404", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	_, _, _, router := testEnv(t, true, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	_, _, _, router := testEnv(t, true, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed = %d, want 200", w.Code)
	}
}

func TestAuth_FederationExempt(t *testing.T) {
	_, _, _, router := testEnv(t, true, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/api/federation/hello", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("federation routes must not require the bearer token")
	}
}

// Projects.

func TestListProjects(t *testing.T) {
	_, store, dir, router := testEnv(t, false, "")
	_ = store
	if err := os.MkdirAll(filepath.Join(dir, "projects", "demo"), 0o755); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list projects = %d", w.Code)
	}
	var resp ProjectListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Projects) != 1 || resp.Projects[0] != "demo" {
		t.Errorf("projects = %v", resp.Projects)
	}
}

func TestProjectTree(t *testing.T) {
	_, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "projects/demo/CLAUDE.md", "---\ntitle: Demo\n---\nbody")
	writeDoc(t, store, "projects/demo/src/main.go", "package main")

	req := httptest.NewRequest(http.MethodGet, "/api/projects/demo/tree", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("tree = %d, body = %s", w.Code, w.Body.String())
	}
	var tree models.TreeNode
	_ = json.Unmarshal(w.Body.Bytes(), &tree)
	if len(tree.Children) != 2 {
		t.Errorf("children = %d, want 2", len(tree.Children))
	}
}

func TestProjectFile_GetAndPut(t *testing.T) {
	h, store, _, router := testEnv(t, false, "")
	writeDoc(t, store, "projects/demo/CLAUDE.md", "---\ntitle: Demo\n---\nold")
	if err := h.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects/demo/file/CLAUDE.md", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get project file = %d", w.Code)
	}

	body, _ := json.Marshal(PutProjectFileRequest{Content: "---\ntitle: Demo\n---\nnew"})
	req = httptest.NewRequest(http.MethodPut, "/api/projects/demo/file/CLAUDE.md", bytes.NewReader(body))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("put project file = %d, body = %s", w.Code, w.Body.String())
	}

	doc, ok := h.index.Get("projects/demo/CLAUDE.md")
	if !ok {
		t.Fatal("expected CLAUDE.md to remain indexed")
	}
	if doc.Title != "Demo" {
		t.Errorf("title = %q", doc.Title)
	}
}

func TestProjectFile_TraversalRejected(t *testing.T) {
	_, _, _, router := testEnv(t, false, "")
	req := httptest.NewRequest(http.MethodGet, "/api/projects/..%2f..%2fetc/tree", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusOK {
		t.Error("traversal in project name should not succeed")
	}
}

func TestWebSocket_Mounted(t *testing.T) {
	_, _, _, router := testEnv(t, true, "secret123")
	// /ws sits outside /api and carries no bearer-token requirement; a plain
	// (non-upgrade) GET still reaches the handler rather than 401ing.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("/ws must not require the bearer token")
	}
}
