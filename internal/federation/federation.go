// Package federation implements the Federation Query Surface: peer-facing
// endpoints answered from the local Index, and client-facing fan-out
// endpoints that call those same endpoints on other peers.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/starford/vitrum/internal/apperr"
	"github.com/starford/vitrum/internal/checksum"
	"github.com/starford/vitrum/internal/docindex"
	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/peers"
	"github.com/starford/vitrum/internal/syncsvc"
	"golang.org/x/sync/errgroup"
)

const fanOutTimeout = 5 * time.Second

// Handler serves /api/federation/*.
type Handler struct {
	index      *docindex.Index
	registry   *peers.Registry
	sync       *syncsvc.Service
	logger     *slog.Logger
	httpClient *http.Client
	startTime  time.Time

	mu        sync.RWMutex
	localHost string
	localPort int
}

// NewHandler constructs a federation Handler.
func NewHandler(index *docindex.Index, registry *peers.Registry, sync *syncsvc.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		index:      index,
		registry:   registry,
		sync:       sync,
		logger:     logger,
		httpClient: &http.Client{},
		startTime:  time.Now(),
	}
}

// SetLocalHost records this instance's externally-reachable host:port,
// surfaced in /peers and used in the "from" block of outbound send bodies.
func (h *Handler) SetLocalHost(host string, port int) {
	h.mu.Lock()
	h.localHost, h.localPort = host, port
	h.mu.Unlock()
}

func (h *Handler) localHostPort() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.localHost == "" {
		return "localhost", 3847
	}
	return h.localHost, h.localPort
}

// Router builds the chi router mounted at /api/federation.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/hello", h.hello)
	r.Get("/peers", h.peersStatus)
	r.Get("/search", h.search)
	r.Get("/files", h.listFiles)
	r.Get("/files/*", h.getFile)
	r.Get("/cross-search", h.crossSearch)
	r.Get("/cross-files", h.crossFiles)
	r.Get("/cross-file/*", h.crossFile)
	r.Post("/adopt", h.adopt)
	r.Post("/send", h.send)
	r.Post("/receive", h.receive)
	r.Get("/shared", h.shared)
	r.Get("/shared/diff", h.sharedDiff)
	r.Post("/shared/resolve", h.sharedResolve)
	r.Post("/shared/respond", h.sharedRespond)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func wildcardPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// --- Peer-facing handlers ---

func (h *Handler) hello(w http.ResponseWriter, r *http.Request) {
	self := h.registry.Self()
	docs := h.index.List()

	var knowledgeCount, taskCount int
	for _, d := range docs {
		switch d.Type {
		case models.DocTypeKnowledge:
			knowledgeCount++
		case models.DocTypeTask:
			taskCount++
		}
	}

	writeJSON(w, http.StatusOK, models.PeerHelloResponse{
		InstanceID:    self.InstanceID,
		DisplayName:   self.DisplayName,
		SharedFolders: self.SharedFolders,
		SharedTags:    self.SharedTags,
		Stats: models.PeerHelloStats{
			DocumentCount:  len(docs),
			KnowledgeCount: knowledgeCount,
			TaskCount:      taskCount,
		},
		Online:        true,
		APIVersion:    "1",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

func (h *Handler) peersStatus(w http.ResponseWriter, r *http.Request) {
	self := h.registry.Self()
	host, port := h.localHostPort()
	writeJSON(w, http.StatusOK, map[string]any{
		"self": map[string]any{
			"instanceId":  self.InstanceID,
			"displayName": self.DisplayName,
			"host":        host,
			"port":        port,
		},
		"peers": h.registry.Status(),
	})
}

type searchItem struct {
	Path    string   `json:"path"`
	Title   string   `json:"title"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
	Score   float64  `json:"score"`
	Snippet string   `json:"snippet"`
}

func inSharedFolders(path string, folders []string) bool {
	for _, f := range folders {
		if strings.HasPrefix(path, f) {
			return true
		}
	}
	return false
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q")
		return
	}
	self := h.registry.Self()
	limit := 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	results := h.index.Search(q, docindex.SearchOptions{
		Type:  models.DocType(r.URL.Query().Get("type")),
		Tag:   r.URL.Query().Get("tag"),
		Limit: 0,
	})

	items := make([]searchItem, 0, limit)
	for _, res := range results {
		if !inSharedFolders(res.Document.Path, self.SharedFolders) {
			continue
		}
		if len(items) >= limit {
			break
		}
		items = append(items, searchItem{
			Path:    res.Document.Path,
			Title:   res.Document.Title,
			Type:    string(res.Document.Type),
			Tags:    res.Document.Tags,
			Score:   res.Score,
			Snippet: snippet(res.Document.Content, q, 100),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId":  self.InstanceID,
		"displayName": self.DisplayName,
		"query":       q,
		"count":       len(items),
		"items":       items,
	})
}

func snippet(content, query string, contextLen int) string {
	lowerContent := strings.ToLower(content)
	lowerQuery := strings.ToLower(query)
	idx := strings.Index(lowerContent, lowerQuery)
	if idx < 0 {
		end := contextLen * 2
		if end > len(content) {
			end = len(content)
		}
		s := content[:end]
		if end < len(content) {
			s += "..."
		}
		return s
	}
	start := idx - contextLen
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + contextLen
	if end > len(content) {
		end = len(content)
	}
	s := content[start:end]
	if start > 0 {
		s = "..." + s
	}
	if end < len(content) {
		s += "..."
	}
	return s
}

type fileListItem struct {
	Path    string    `json:"path"`
	Title   string    `json:"title"`
	Type    string    `json:"type"`
	Tags    []string  `json:"tags"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	self := h.registry.Self()
	folder := r.URL.Query().Get("folder")
	tag := r.URL.Query().Get("tag")

	docs := h.index.List()
	items := make([]fileListItem, 0)
	for _, d := range docs {
		if !inSharedFolders(d.Path, self.SharedFolders) {
			continue
		}
		if folder != "" && !strings.HasPrefix(d.Path, folder) {
			continue
		}
		if tag != "" && !containsStr(d.Tags, tag) {
			continue
		}
		items = append(items, fileListItem{
			Path: d.Path, Title: d.Title, Type: string(d.Type), Tags: d.Tags,
			Created: d.Created, Updated: d.Updated,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId":  self.InstanceID,
		"displayName": self.DisplayName,
		"count":       len(items),
		"items":       items,
	})
}

func containsStr(hay []string, needle string) bool {
	for _, s := range hay {
		if s == needle {
			return true
		}
	}
	return false
}

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	self := h.registry.Self()
	if !inSharedFolders(path, self.SharedFolders) {
		writeError(w, http.StatusForbidden, "path outside shared subtree")
		return
	}

	doc, ok := h.index.Get(path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	sum := checksum.Sum([]byte(doc.Content))

	if r.URL.Query().Get("checksumOnly") == "true" {
		writeJSON(w, http.StatusOK, map[string]any{
			"checksum": sum,
			"updated":  doc.Updated,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"path":        doc.Path,
		"title":       doc.Title,
		"type":        doc.Type,
		"tags":        doc.Tags,
		"content":     doc.Content,
		"frontmatter": doc.Frontmatter,
		"created":     doc.Created,
		"updated":     doc.Updated,
		"links":       doc.Links,
		"backlinks":   doc.Backlinks,
		"checksum":    sum,
	})
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From struct {
			InstanceID  string `json:"instanceId"`
			DisplayName string `json:"displayName"`
			Host        string `json:"host"`
		} `json:"from"`
		Document struct {
			Title      string   `json:"title"`
			Content    string   `json:"content"`
			Tags       []string `json:"tags"`
			SourcePath string   `json:"sourcePath"`
		} `json:"document"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inboxPath, err := h.sync.WriteIncoming(body.From.InstanceID, body.From.DisplayName, body.From.Host,
		body.Document.Title, body.Document.Content, body.Document.Tags, body.Document.SourcePath, body.Message)
	if err != nil {
		h.logger.Error("federation: receive failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to write incoming document")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "inboxPath": inboxPath})
}

func (h *Handler) sharedRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From struct {
			InstanceID  string `json:"instanceId"`
			DisplayName string `json:"displayName"`
			Host        string `json:"host"`
		} `json:"from"`
		Action       string `json:"action"`
		OriginalPath string `json:"originalPath"`
		Comment      string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.Action == "rejected" && body.Comment != "" {
		title := fmt.Sprintf("Federation: %s %s your update", body.From.DisplayName, body.Action)
		content := fmt.Sprintf("**Document**: %s\n**Action**: %s\n**Comment**: %s", body.OriginalPath, body.Action, body.Comment)
		_, _ = h.sync.WriteIncoming(body.From.InstanceID, body.From.DisplayName, body.From.Host,
			title, content, []string{"federation", "resolution"}, body.OriginalPath, body.Comment)
	}

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

// --- Client-facing fan-out handlers ---

type crossSearchResult struct {
	Peer     string   `json:"peer"`
	PeerID   string   `json:"peerId"`
	PeerHost string   `json:"peerHost"`
	Path     string   `json:"path"`
	Title    string   `json:"title"`
	Type     string   `json:"type"`
	Tags     []string `json:"tags"`
	Score    float64  `json:"score"`
	Snippet  string   `json:"snippet"`
}

type peerSearchStats struct {
	Count int   `json:"count"`
	Took  int64 `json:"took"`
}

func (h *Handler) crossSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q")
		return
	}
	limit := 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	docType := r.URL.Query().Get("type")
	tag := r.URL.Query().Get("tag")

	online := h.registry.Online()

	var g errgroup.Group
	outcomes := make([]searchOutcome, len(online))
	for i, p := range online {
		i, p := i, p
		g.Go(func() error {
			outcomes[i] = h.fanOutSearch(r.Context(), p, q, docType, tag, limit)
			return nil
		})
	}
	_ = g.Wait() // each goroutine always returns nil; failures are carried in searchOutcome.ok

	var allResults []crossSearchResult
	peerResults := make(map[string]peerSearchStats)
	responded := 0
	for _, o := range outcomes {
		peerResults[o.name] = peerSearchStats{Count: o.count, Took: o.took.Milliseconds()}
		if o.ok {
			responded++
		}
		allResults = append(allResults, o.results...)
	}

	sort.SliceStable(allResults, func(i, j int) bool { return allResults[i].Score < allResults[j].Score })
	if len(allResults) > limit {
		allResults = allResults[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":               q,
		"results":             allResults,
		"totalPeersQueried":   len(online),
		"totalPeersResponded": responded,
		"peerResults":         peerResults,
	})
}

type searchOutcome struct {
	name    string
	results []crossSearchResult
	count   int
	took    time.Duration
	ok      bool
}

func (h *Handler) fanOutSearch(ctx context.Context, p models.PeerLiveStatus, q, docType, tag string, limit int) searchOutcome {
	values := url.Values{}
	values.Set("q", q)
	values.Set("limit", strconv.Itoa(limit))
	if docType != "" {
		values.Set("type", docType)
	}
	if tag != "" {
		values.Set("tag", tag)
	}

	reqURL := fmt.Sprintf("%s://%s:%d/api/federation/search?%s", p.Protocol, p.Host, p.Port, values.Encode())

	callCtx, cancel := context.WithTimeout(ctx, fanOutTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return searchOutcome{name: p.Name, ok: false}
	}
	resp, err := h.httpClient.Do(req)
	took := time.Since(start)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return searchOutcome{name: p.Name, took: took, ok: false}
	}
	defer resp.Body.Close()

	var data struct {
		InstanceID  string       `json:"instanceId"`
		DisplayName string       `json:"displayName"`
		Items       []searchItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return searchOutcome{name: p.Name, took: took, ok: false}
	}

	display := data.DisplayName
	if display == "" {
		display = p.Name
	}
	peerHost := fmt.Sprintf("%s:%d", p.Host, p.Port)

	out := make([]crossSearchResult, 0, len(data.Items))
	for _, item := range data.Items {
		out = append(out, crossSearchResult{
			Peer: display, PeerID: data.InstanceID, PeerHost: peerHost,
			Path: item.Path, Title: item.Title, Type: item.Type, Tags: item.Tags,
			Score: item.Score, Snippet: item.Snippet,
		})
	}

	return searchOutcome{name: p.Name, results: out, count: len(out), took: took, ok: true}
}

func (h *Handler) resolvePeerHostPort(hostPort string) (models.PeerLiveStatus, bool) {
	host, port := splitHostPortDefault(hostPort)
	status, ok := h.registry.StatusFor(host + ":" + strconv.Itoa(port))
	if !ok || status.Status != "online" {
		return models.PeerLiveStatus{}, false
	}
	return status, true
}

func splitHostPortDefault(hostPort string) (string, int) {
	host, portStr, found := strings.Cut(hostPort, ":")
	if !found {
		return hostPort, 3847
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 3847
	}
	return host, port
}

func (h *Handler) crossFiles(w http.ResponseWriter, r *http.Request) {
	peerHost := r.URL.Query().Get("peer")
	if peerHost == "" {
		writeError(w, http.StatusBadRequest, "missing peer")
		return
	}
	status, ok := h.resolvePeerHostPort(peerHost)
	if !ok {
		writeError(w, http.StatusNotFound, "peer not found or offline")
		return
	}

	values := url.Values{}
	if f := r.URL.Query().Get("folder"); f != "" {
		values.Set("folder", f)
	}
	if t := r.URL.Query().Get("tag"); t != "" {
		values.Set("tag", t)
	}

	reqURL := fmt.Sprintf("%s://%s:%d/api/federation/files?%s", status.Protocol, status.Host, status.Port, values.Encode())
	h.proxy(w, r.Context(), reqURL)
}

func (h *Handler) crossFile(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	peerHost := r.URL.Query().Get("peer")
	if peerHost == "" {
		writeError(w, http.StatusBadRequest, "missing peer")
		return
	}
	status, ok := h.resolvePeerHostPort(peerHost)
	if !ok {
		writeError(w, http.StatusNotFound, "peer not found or offline")
		return
	}

	values := url.Values{}
	if r.URL.Query().Get("checksumOnly") == "true" {
		values.Set("checksumOnly", "true")
	}

	reqURL := fmt.Sprintf("%s://%s:%d/api/federation/files/%s?%s", status.Protocol, status.Host, status.Port, path, values.Encode())
	h.proxy(w, r.Context(), reqURL)
}

func (h *Handler) proxy(w http.ResponseWriter, ctx context.Context, targetURL string) {
	callCtx, cancel := context.WithTimeout(ctx, fanOutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "peer timeout")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		writeError(w, resp.StatusCode, "peer upstream error")
		return
	}

	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadGateway, "bad peer response")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// --- Locally-triggered adoption / send / shared endpoints ---

func (h *Handler) adopt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID     string `json:"peerId"`
		PeerHost   string `json:"peerHost"`
		SourcePath string `json:"sourcePath"`
		TargetPath string `json:"targetPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, ok := h.resolvePeerHostPort(body.PeerHost)
	if !ok {
		writeError(w, http.StatusNotFound, "peer not found or offline")
		return
	}

	displayName := status.DisplayName
	if displayName == "" {
		displayName = status.Name
	}

	localPath, sum, err := h.sync.Adopt(r.Context(), body.PeerID, status.Host, status.Port, status.Protocol, displayName, body.SourcePath, body.TargetPath)
	if err != nil {
		h.logger.Error("federation: adopt failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "adoption failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "localPath": localPath, "checksum": sum})
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerHost   string `json:"peerHost"`
		SourcePath string `json:"sourcePath"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	doc, ok := h.index.Get(body.SourcePath)
	if !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	status, ok := h.resolvePeerHostPort(body.PeerHost)
	if !ok {
		writeError(w, http.StatusNotFound, "peer not found or offline")
		return
	}

	self := h.registry.Self()
	host, port := h.localHostPort()
	payload := map[string]any{
		"from": map[string]string{
			"instanceId":  self.InstanceID,
			"displayName": self.DisplayName,
			"host":        fmt.Sprintf("%s:%d", host, port),
		},
		"document": map[string]any{
			"title":      doc.Title,
			"content":    doc.Content,
			"tags":       doc.Tags,
			"sourcePath": doc.Path,
		},
		"message": body.Message,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	reqURL := fmt.Sprintf("%s://%s:%d/api/federation/receive", status.Protocol, status.Host, status.Port)
	callCtx, cancel := context.WithTimeout(r.Context(), fanOutTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, reqURL, strings.NewReader(string(data)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.httpClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusBadGateway, "peer did not accept document")
		return
	}
	defer resp.Body.Close()

	sentTo := status.DisplayName
	if sentTo == "" {
		sentTo = status.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sentTo": sentTo})
}

func (h *Handler) shared(w http.ResponseWriter, r *http.Request) {
	items := h.sync.SharedDocuments()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (h *Handler) sharedDiff(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	diff, err := h.sync.GetConflictDiff(r.Context(), path)
	if err != nil {
		mapSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *Handler) sharedResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path          string  `json:"path"`
		Action        string  `json:"action"`
		MergedContent *string `json:"mergedContent"`
		Comment       *string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Path == "" || body.Action == "" {
		writeError(w, http.StatusBadRequest, "missing path or action")
		return
	}
	switch body.Action {
	case "accept-origin", "keep-local", "merge", "reject":
	default:
		writeError(w, http.StatusBadRequest, "invalid action")
		return
	}
	if body.Action == "merge" && body.MergedContent == nil {
		writeError(w, http.StatusBadRequest, "merge requires mergedContent")
		return
	}

	if err := h.sync.ResolveConflict(r.Context(), body.Path, body.Action, body.MergedContent, body.Comment); err != nil {
		mapSyncError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": body.Path, "action": body.Action})
}

func mapSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, apperr.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad request")
	case errors.Is(err, apperr.ErrPeerOffline):
		writeError(w, http.StatusNotFound, "peer offline")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
