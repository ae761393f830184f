package syncsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/starford/vitrum/internal/bus"
	"github.com/starford/vitrum/internal/docindex"
	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/peers"
	"github.com/starford/vitrum/internal/storage"
)

func testService(t *testing.T, onTransition peers.TransitionFunc) (*Service, storage.Provider, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx := docindex.New(store, nil, nil)
	t.Cleanup(idx.Close)

	reg, err := peers.New(dir, nil, onTransition)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(nil)
	t.Cleanup(b.Close)

	return New(store, idx, reg, b, nil), store, dir
}

func mustHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}

func TestAdopt_WritesFederationFrontmatter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := peerFileResponse{
			Content:     "# Remote Doc\n\nBody text.",
			Checksum:    "sha256:deadbeef",
			Frontmatter: map[string]interface{}{"type": "knowledge", "tags": []interface{}{"a", "b"}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	host, port := mustHostPort(t, srv.URL)

	svc, store, _ := testService(t, nil)

	localPath, sum, err := svc.Adopt(context.Background(), "peer-1", host, port, "http", "Peer One", "knowledge/remote.md", "")
	if err != nil {
		t.Fatal(err)
	}
	if localPath != "knowledge/remote.md" {
		t.Errorf("expected localPath to default to sourcePath, got %q", localPath)
	}
	if sum != "sha256:deadbeef" {
		t.Errorf("expected peer checksum to be used, got %q", sum)
	}

	data, err := store.Read(localPath)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "origin-peer: 'peer-1'") {
		t.Errorf("expected federation block, got:\n%s", content)
	}
	if !strings.Contains(content, "sync-status: 'synced'") {
		t.Error("expected synced status in adopted document")
	}
}

func TestWriteIncoming_CreatesInboxEntry(t *testing.T) {
	svc, store, _ := testService(t, nil)

	path, err := svc.WriteIncoming("inst-1", "Friend", "host:1", "Shared Note", "some content", []string{"x"}, "knowledge/note.md", "check this out")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(path, "inbox/") {
		t.Errorf("expected inbox path, got %q", path)
	}
	data, err := store.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "type: inbox") || !strings.Contains(content, "from-name: Friend") {
		t.Errorf("unexpected inbox content:\n%s", content)
	}
	if !strings.Contains(content, "check this out") {
		t.Error("expected message to be included in body")
	}
}

func TestHandleLocalChange_TransitionsToLocalModified(t *testing.T) {
	svc, store, dir := testService(t, nil)

	content := "---\ntype: knowledge\nfederation:\n  origin-peer: 'peer-1'\n  origin-name: 'Peer One'\n  origin-host: 'localhost:9000'\n  origin-path: 'x.md'\n  adopted-at: '2026-01-01T00:00:00Z'\n  origin-checksum: 'sha256:aaa'\n  local-checksum: 'sha256:aaa'\n  sync-status: 'synced'\n  last-sync-check: '2026-01-01T00:00:00Z'\n---\nChanged body.\n"
	if err := os.MkdirAll(filepath.Join(dir, "knowledge"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("knowledge/x.md", []byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := svc.index.Update("knowledge/x.md"); err != nil {
		t.Fatal(err)
	}

	svc.HandleLocalChange("knowledge/x.md")

	doc, ok := svc.index.Get("knowledge/x.md")
	if !ok {
		t.Fatal("expected document in index")
	}
	if doc.Federation.SyncStatus != models.SyncStatusLocalModified {
		t.Errorf("expected local-modified status, got %q", doc.Federation.SyncStatus)
	}
}

func TestResolveConflict_KeepLocalMarksSynced(t *testing.T) {
	svc, store, dir := testService(t, nil)

	content := "---\ntype: knowledge\nfederation:\n  origin-peer: 'peer-1'\n  origin-name: 'Peer One'\n  origin-host: 'localhost:9000'\n  origin-path: 'x.md'\n  adopted-at: '2026-01-01T00:00:00Z'\n  origin-checksum: 'sha256:aaa'\n  local-checksum: 'sha256:bbb'\n  sync-status: 'conflict'\n  last-sync-check: '2026-01-01T00:00:00Z'\n---\nBody.\n"
	if err := os.MkdirAll(filepath.Join(dir, "knowledge"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("knowledge/x.md", []byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := svc.index.Update("knowledge/x.md"); err != nil {
		t.Fatal(err)
	}

	if err := svc.ResolveConflict(context.Background(), "knowledge/x.md", "keep-local", nil, nil); err != nil {
		t.Fatal(err)
	}

	doc, _ := svc.index.Get("knowledge/x.md")
	if doc.Federation.SyncStatus != models.SyncStatusSynced {
		t.Errorf("expected synced status after keep-local, got %q", doc.Federation.SyncStatus)
	}
}

func TestSharedDocuments_FiltersNonFederated(t *testing.T) {
	svc, store, dir := testService(t, nil)

	plain := "# Plain note\n\nno federation here.\n"
	if err := os.MkdirAll(filepath.Join(dir, "knowledge"), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = store.Write("knowledge/plain.md", []byte(plain))

	fed := "---\nfederation:\n  origin-peer: 'peer-1'\n  origin-name: 'Peer'\n  origin-host: 'h:1'\n  origin-path: 'p.md'\n  adopted-at: '2026-01-01T00:00:00Z'\n  origin-checksum: 'sha256:a'\n  local-checksum: 'sha256:a'\n  sync-status: 'synced'\n  last-sync-check: '2026-01-01T00:00:00Z'\n---\nBody.\n"
	_ = store.Write("knowledge/fed.md", []byte(fed))

	if err := svc.index.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	shared := svc.SharedDocuments()
	if len(shared) != 1 || shared[0].Path != "knowledge/fed.md" {
		t.Errorf("expected exactly one shared document, got %+v", shared)
	}
}

func TestSplitOriginHost(t *testing.T) {
	host, port := splitOriginHost("example.com:9001")
	if host != "example.com" || port != 9001 {
		t.Errorf("got host=%q port=%d", host, port)
	}
	host, port = splitOriginHost("example.com")
	if host != "example.com" || port != defaultPeerPort {
		t.Errorf("expected default port fallback, got host=%q port=%d", host, port)
	}
}
