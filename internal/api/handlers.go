package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/starford/vitrum/internal/docindex"
	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/peers"
	"github.com/starford/vitrum/internal/storage"
	"github.com/starford/vitrum/internal/syncsvc"
)

const projectsRoot = "projects"

// Handler holds the Local HTTP/JSON API's route handlers. It is a thin
// layer: every handler decodes its request, calls into the Document Index,
// Sync Service, or Peer Registry, and encodes the result. No domain logic
// lives here.
type Handler struct {
	index     *docindex.Index
	sync      *syncsvc.Service
	registry  *peers.Registry
	store     storage.Provider
	startTime time.Time
	logger    *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(index *docindex.Index, sync *syncsvc.Service, registry *peers.Registry, store storage.Provider, startTime time.Time, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{index: index, sync: sync, registry: registry, store: store, startTime: startTime, logger: logger}
}

// wildcardPath extracts a chi "*" wildcard path parameter, decoding
// percent-escaped slashes so clients can address paths containing them.
func wildcardPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Health handles GET /api/health.
//
//	@Summary	Liveness probe
//	@Tags		status
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Router		/health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status.
//
//	@Summary	Report index size and federation liveness
//	@Tags		status
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Security	BearerAuth
//	@Router		/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	self := h.registry.Self()
	peerList := h.registry.Peers()
	online := h.registry.Online()
	shared := h.sync.SharedDocuments()

	writeJSON(w, http.StatusOK, StatusResponse{
		DocumentCount: len(h.index.List()),
		PeerCount:     len(peerList),
		OnlinePeers:   len(online),
		SharedCount:   len(shared),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		InstanceID:    self.InstanceID,
		DisplayName:   self.DisplayName,
	})
}

// StatusReindex handles POST /api/status/reindex, forcing a full rebuild of
// the Document Index.
//
//	@Summary	Force a full Document Index rebuild
//	@Tags		status
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Failure	500	{object}	errResponse
//	@Security	BearerAuth
//	@Router		/status/reindex [post]
func (h *Handler) StatusReindex(w http.ResponseWriter, r *http.Request) {
	if err := h.index.Build(r.Context()); err != nil {
		h.logger.Error("reindex failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("reindex failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentCount": len(h.index.List())})
}

// ListFiles handles GET /api/files.
//
//	@Summary	List documents, optionally filtered
//	@Tags		files
//	@Produce	json
//	@Param		type	query		string	false	"Document type"
//	@Param		tag		query		string	false	"Tag filter"
//	@Param		folder	query		string	false	"Path prefix filter"
//	@Success	200		{object}	FileListResponse
//	@Security	BearerAuth
//	@Router		/files [get]
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docType := models.DocType(q.Get("type"))
	tag := q.Get("tag")
	folder := q.Get("folder")

	docs := h.index.List()
	out := make([]models.DocumentMetadata, 0, len(docs))
	for _, d := range docs {
		if docType != "" && d.Type != docType {
			continue
		}
		if tag != "" && !hasTag(d.Tags, tag) {
			continue
		}
		if folder != "" && !strings.HasPrefix(d.Path, folder) {
			continue
		}
		out = append(out, models.DocumentMetadata{Path: d.Path, Checksum: d.Checksum, UpdatedAt: d.Updated})
	}
	writeJSON(w, http.StatusOK, FileListResponse{Files: out, Count: len(out)})
}

func hasTag(tags []string, needle string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, needle) {
			return true
		}
	}
	return false
}

// GetFile handles GET /api/files/*.
//
//	@Summary	Fetch a document and its resolved backlinks
//	@Tags		files
//	@Produce	json
//	@Param		path	path		string	true	"Document path"
//	@Success	200		{object}	models.Document
//	@Failure	404		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/files/{path} [get]
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	p := wildcardPath(r)
	doc, ok := h.index.Get(p)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PutFile handles PUT /api/files/*. It replaces the document's frontmatter
// and content in place; a path with no existing document is a no-op (spec's
// "no-op on not found" contract — this endpoint replaces, it never creates).
//
//	@Summary	Replace a document's frontmatter and content
//	@Tags		files
//	@Accept		json
//	@Produce	json
//	@Param		path	path		string			true	"Document path"
//	@Param		body	body		PutFileRequest	true	"Replacement frontmatter and content"
//	@Success	200		{object}	map[string]any
//	@Failure	400		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/files/{path} [put]
func (h *Handler) PutFile(w http.ResponseWriter, r *http.Request) {
	p := wildcardPath(r)
	var req PutFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	if _, ok := h.index.Get(p); !ok {
		writeJSON(w, http.StatusOK, map[string]any{"path": p, "updated": false})
		return
	}

	full, err := renderDocument(req.Frontmatter, req.Content)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to render frontmatter"))
		return
	}
	if err := h.store.Write(p, full); err != nil {
		h.logger.Error("put file failed", slog.String("path", p), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("write failed"))
		return
	}
	if err := h.index.Update(p); err != nil {
		h.logger.Error("index update after put failed", slog.String("path", p), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("index update failed"))
		return
	}
	h.sync.HandleLocalChange(p)

	writeJSON(w, http.StatusOK, map[string]any{"path": p, "updated": true})
}

// renderDocument re-serializes a frontmatter map and body into a single
// "---\n<yaml>\n---\n<body>" file, the shape parser.Parse expects.
func renderDocument(frontmatter map[string]interface{}, content string) ([]byte, error) {
	if len(frontmatter) == 0 {
		return []byte(content), nil
	}
	fm, err := yaml.Marshal(frontmatter)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n")
	b.WriteString(content)
	return []byte(b.String()), nil
}

// Search handles GET /api/search.
//
//	@Summary	Fuzzy search across titles, tags, and content
//	@Tags		search
//	@Produce	json
//	@Param		q		query		string	true	"Search query"
//	@Param		type	query		string	false	"Document type filter"
//	@Param		tag		query		string	false	"Tag filter"
//	@Param		limit	query		int		false	"Max results"
//	@Success	200		{object}	SearchResponse
//	@Failure	400		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	results := h.index.Search(query, docindex.SearchOptions{
		Type:  models.DocType(q.Get("type")),
		Tag:   q.Get("tag"),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Graph handles GET /api/graph.
//
//	@Summary	Get the full document graph, optionally scoped to a folder
//	@Tags		graph
//	@Produce	json
//	@Param		folder	query		string	false	"Path prefix filter"
//	@Success	200		{object}	GraphResponse
//	@Security	BearerAuth
//	@Router		/graph [get]
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	g := h.index.Graph()
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		writeJSON(w, http.StatusOK, g)
		return
	}
	writeJSON(w, http.StatusOK, filterGraphByFolder(g, folder))
}

func filterGraphByFolder(g models.Graph, folder string) models.Graph {
	keep := make(map[string]struct{})
	var out models.Graph
	for _, n := range g.Nodes {
		if strings.HasPrefix(n.ID, folder) {
			keep[n.ID] = struct{}{}
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, l := range g.Links {
		_, sOK := keep[l.Source]
		_, tOK := keep[l.Target]
		if sOK && tOK {
			out.Links = append(out.Links, l)
		}
	}
	return out
}

// GraphNeighbors handles GET /api/graph/neighbors/*.
//
//	@Summary	Get the subgraph centered on one document
//	@Tags		graph
//	@Produce	json
//	@Param		path	path		string	true	"Document path"
//	@Success	200		{object}	GraphResponse
//	@Failure	404		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/graph/neighbors/{path} [get]
func (h *Handler) GraphNeighbors(w http.ResponseWriter, r *http.Request) {
	p := wildcardPath(r)
	g, ok := h.index.Neighbors(p)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// --- Projects: raw file-tree browsing outside the Document Index ---
//
// The projects/ subtree's "2-file rule" (docindex.Build) means only each
// project's CLAUDE.md and README.md are parsed as documents. These handlers
// give a client raw read/write access to the rest of a project's files,
// which never pass through the Index.

var errInvalidProjectName = errors.New("invalid project name")

// safeProjectName rejects a project name carrying path separators or
// traversal, mirroring the teacher's attachments safeName guard.
func safeProjectName(name string) (string, error) {
	if name == "" || name != path.Clean(name) || strings.ContainsAny(name, "/\\") {
		return "", errInvalidProjectName
	}
	return name, nil
}

// ListProjects handles GET /api/projects.
//
//	@Summary	List configured projects
//	@Tags		projects
//	@Produce	json
//	@Success	200	{object}	ProjectListResponse
//	@Security	BearerAuth
//	@Router		/projects [get]
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListDir(projectsRoot)
	if err != nil {
		h.logger.Error("list projects failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, ProjectListResponse{Projects: names})
}

// ProjectTree handles GET /api/projects/{name}/tree.
//
//	@Summary	Get a project's full raw file tree
//	@Tags		projects
//	@Produce	json
//	@Param		name	path		string	true	"Project name"
//	@Success	200		{object}	models.TreeNode
//	@Failure	400		{object}	errResponse
//	@Failure	404		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/projects/{name}/tree [get]
func (h *Handler) ProjectTree(w http.ResponseWriter, r *http.Request) {
	name, err := safeProjectName(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	tree, err := h.store.Tree(path.Join(projectsRoot, name))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("project not found"))
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// ProjectFile handles GET /api/projects/{name}/file/*.
//
//	@Summary	Read a raw file from a project's subtree
//	@Tags		projects
//	@Produce	json
//	@Param		name	path		string	true	"Project name"
//	@Param		path	path		string	true	"File path within the project"
//	@Success	200		{object}	ProjectFileResponse
//	@Failure	400		{object}	errResponse
//	@Failure	404		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/projects/{name}/file/{path} [get]
func (h *Handler) ProjectFile(w http.ResponseWriter, r *http.Request) {
	name, err := safeProjectName(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	rel := wildcardPath(r)
	if rel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	full := path.Join(projectsRoot, name, rel)
	data, err := h.store.Read(full)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, ProjectFileResponse{Path: full, Content: string(data)})
}

// PutProjectFile handles PUT /api/projects/{name}/file/*.
//
//	@Summary	Replace a raw file's content within a project's subtree
//	@Tags		projects
//	@Accept		json
//	@Produce	json
//	@Param		name	path		string					true	"Project name"
//	@Param		path	path		string					true	"File path within the project"
//	@Param		body	body		PutProjectFileRequest	true	"Replacement content"
//	@Success	200		{object}	map[string]any
//	@Failure	400		{object}	errResponse
//	@Security	BearerAuth
//	@Router		/projects/{name}/file/{path} [put]
func (h *Handler) PutProjectFile(w http.ResponseWriter, r *http.Request) {
	name, err := safeProjectName(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	rel := wildcardPath(r)
	if rel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req PutProjectFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	full := path.Join(projectsRoot, name, rel)
	if err := h.store.Write(full, []byte(req.Content)); err != nil {
		h.logger.Error("put project file failed", slog.String("path", full), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("write failed"))
		return
	}
	// Only CLAUDE.md/README.md at a project's root are indexed; reparsing
	// every write would be wasted work for the common case of deeper files.
	if projectsAllowedIndexFile(rel) {
		_ = h.index.Update(full)
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": full, "updated": true})
}

func projectsAllowedIndexFile(rel string) bool {
	return !strings.Contains(rel, "/") && (rel == "CLAUDE.md" || rel == "README.md")
}
