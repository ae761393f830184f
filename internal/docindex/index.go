// Package docindex owns the authoritative in-memory path -> Document map,
// wiki-link resolution, backlinks, fuzzy search, and graph queries.
//
// The map is owned by a single goroutine (the "owner"); every read and
// write is a closure submitted over a channel, which is the Go rendering
// of spec's "one writer task draining a queue of Watcher events" --
// see SPEC_FULL.md §5.
package docindex

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/starford/vitrum/internal/checksum"
	"github.com/starford/vitrum/internal/indexcache"
	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/parser"
	"github.com/starford/vitrum/internal/storage"
)

// excludedDirs are skipped entirely during a full build, per spec §4.B.
var excludedDirs = map[string]struct{}{
	"node_modules": {},
	"scratchpad":   {},
	"dist":         {},
	"build":        {},
	".git":         {},
}

const projectsDir = "projects"

var projectsAllowedFiles = map[string]struct{}{
	"CLAUDE.md": {},
	"README.md": {},
}

// Index is the live Document Index.
type Index struct {
	store  storage.Provider
	cache  *indexcache.DB // may be nil: cache is advisory
	logger *slog.Logger

	cmds chan func(*state)
	done chan struct{}
}

type state struct {
	docs map[string]*models.Document // path -> Document
}

// New constructs an Index. cache may be nil to run without the persisted
// incremental cache.
func New(store storage.Provider, cache *indexcache.DB, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{
		store:  store,
		cache:  cache,
		logger: logger,
		cmds:   make(chan func(*state), 64),
		done:   make(chan struct{}),
	}
	go idx.run()
	return idx
}

func (idx *Index) run() {
	st := &state{docs: make(map[string]*models.Document)}
	for {
		select {
		case fn := <-idx.cmds:
			fn(st)
		case <-idx.done:
			return
		}
	}
}

// Close stops the owner goroutine.
func (idx *Index) Close() {
	close(idx.done)
}

// submit runs fn on the owner goroutine and blocks until it completes.
func (idx *Index) submit(fn func(*state)) {
	reply := make(chan struct{})
	idx.cmds <- func(st *state) {
		fn(st)
		close(reply)
	}
	<-reply
}

// Build performs a full recursive scan of the workspace, replacing the
// entire in-memory index. Parse failures on individual files are logged
// and skipped; they never fail the whole build.
func (idx *Index) Build(ctx context.Context) error {
	root := idx.store.Root()
	docs := make(map[string]*models.Document)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		name := d.Name()

		if d.IsDir() {
			if strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			if _, excluded := excludedDirs[name]; excluded {
				return fs.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			return nil
		}
		if inProjectsSubtree(rel) && !projectsAllowed(rel) {
			return nil
		}

		doc, ok := idx.parseOne(rel, p)
		if !ok {
			return nil
		}
		docs[rel] = doc
		return nil
	})
	if err != nil {
		return fmt.Errorf("docindex: build: %w", err)
	}

	rebuildBacklinks(docs)

	idx.submit(func(st *state) {
		st.docs = docs
	})
	return nil
}

// inProjectsSubtree reports whether rel is under the top-level "projects/"
// directory (but is not "projects/" itself).
func inProjectsSubtree(rel string) bool {
	return strings.HasPrefix(rel, projectsDir+"/")
}

// projectsAllowed reports whether rel, known to be under projects/, is one
// of the two files ingested per spec's "projects/ 2-file rule": only the
// immediate child's CLAUDE.md or README.md, nothing deeper.
func projectsAllowed(rel string) bool {
	trimmed := strings.TrimPrefix(rel, projectsDir+"/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		return false
	}
	_, ok := projectsAllowedFiles[parts[1]]
	return ok
}

// parseOne reads and parses a single file and records it in the incremental
// cache on a cache miss. A fresh cache entry does not spare the read or the
// parse: the file is read and parsed either way, and no cached field is
// reused. Returns ok=false (never an error) on any failure -- spec
// requires per-file failures to be logged and skipped, not fatal.
func (idx *Index) parseOne(rel, absPath string) (*models.Document, bool) {
	info, err := os.Stat(absPath)
	if err != nil {
		idx.logger.Warn("docindex: stat failed", "path", rel, "error", err)
		return nil, false
	}

	if idx.cache != nil {
		if entry, ok, _ := idx.cache.Get(rel); ok && indexcache.Fresh(entry, info.ModTime()) {
			data, err := idx.store.Read(rel)
			if err == nil {
				doc, perr := parser.Parse(rel, data, info.ModTime())
				if perr == nil {
					return doc, true
				}
			}
		}
	}

	data, err := idx.store.Read(rel)
	if err != nil {
		idx.logger.Warn("docindex: read failed", "path", rel, "error", err)
		return nil, false
	}
	doc, err := parser.Parse(rel, data, info.ModTime())
	if err != nil {
		idx.logger.Warn("docindex: parse failed", "path", rel, "error", err)
		return nil, false
	}

	if idx.cache != nil {
		_ = idx.cache.Put(indexcache.Entry{
			Path:       rel,
			MtimeNanos: info.ModTime().UnixNano(),
			Checksum:   checksum.Sum(data),
			Title:      doc.Title,
			DocType:    string(doc.Type),
			Tags:       doc.Tags,
			Links:      doc.Links,
		})
	}
	return doc, true
}

// Update reparses one file and triggers a full backlink + search
// invalidation, per spec's "single-file updates are incremental except for
// the derived structures, which are cheap to rebuild at this scale."
func (idx *Index) Update(rel string) error {
	absPath := filepath.Join(idx.store.Root(), filepath.FromSlash(rel))
	doc, ok := idx.parseOne(rel, absPath)
	if !ok {
		return fmt.Errorf("docindex: update: parse failed for %s", rel)
	}
	idx.submit(func(st *state) {
		st.docs[rel] = doc
		rebuildBacklinks(st.docs)
	})
	return nil
}

// Remove deletes a document and triggers a full backlink recompute.
func (idx *Index) Remove(rel string) error {
	if idx.cache != nil {
		_ = idx.cache.Delete(rel)
	}
	idx.submit(func(st *state) {
		delete(st.docs, rel)
		rebuildBacklinks(st.docs)
	})
	return nil
}

// Get returns a copy of the Document at path, if present.
func (idx *Index) Get(path string) (models.Document, bool) {
	var out models.Document
	var found bool
	idx.submit(func(st *state) {
		if d, ok := st.docs[path]; ok {
			out = *d
			found = true
		}
	})
	return out, found
}

// List returns every Document, sorted by path for determinism.
func (idx *Index) List() []models.Document {
	var out []models.Document
	idx.submit(func(st *state) {
		out = make([]models.Document, 0, len(st.docs))
		for _, d := range st.docs {
			out = append(out, *d)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// AllPaths returns every indexed path.
func (idx *Index) AllPaths() map[string]struct{} {
	out := make(map[string]struct{})
	idx.submit(func(st *state) {
		for p := range st.docs {
			out[p] = struct{}{}
		}
	})
	return out
}

// Backlinks returns the inbound references to target.
func (idx *Index) Backlinks(target string) []string {
	var out []string
	idx.submit(func(st *state) {
		if d, ok := st.docs[target]; ok {
			out = append(out, d.Backlinks...)
		}
	})
	return out
}

// resolveLink implements spec §4.B's 4-step link resolution algorithm
// against the given document set. Returns ("", false) if unresolved.
func resolveLink(docs map[string]*models.Document, raw string) (string, bool) {
	if _, ok := docs[raw]; ok {
		return raw, true
	}
	withExt := raw + ".md"
	if _, ok := docs[withExt]; ok {
		return withExt, true
	}

	lower := strings.ToLower(raw)
	// Iteration order over a Go map is randomized, so stabilize by sorting
	// paths first -- "stable for a given build" only requires determinism
	// within one build, which a sorted scan provides.
	paths := make([]string, 0, len(docs))
	for p := range docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		stem := p
		if i := strings.LastIndex(stem, "/"); i >= 0 {
			stem = stem[i+1:]
		}
		stem = strings.TrimSuffix(stem, ".md")
		if strings.ToLower(stem) == lower {
			return p, true
		}
	}
	for _, p := range paths {
		if strings.ToLower(docs[p].Title) == lower {
			return p, true
		}
	}
	return "", false
}

// rebuildBacklinks recomputes every Document's Backlinks field from its
// Links field, from scratch, per spec §4.B.
func rebuildBacklinks(docs map[string]*models.Document) {
	for _, d := range docs {
		d.Backlinks = nil
	}
	paths := make([]string, 0, len(docs))
	for p := range docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		d := docs[p]
		for _, raw := range d.Links {
			target, ok := resolveLink(docs, raw)
			if !ok {
				continue
			}
			docs[target].Backlinks = append(docs[target].Backlinks, d.Path)
		}
	}
}

// SearchOptions filters search results after ranking.
type SearchOptions struct {
	Type  models.DocType
	Tag   string
	Limit int
}

// Search runs a fuzzy match over {title (2x), tags (1.5x), content (1x)}
// and returns results with a normalized [0,1] score, lower is better.
func (idx *Index) Search(query string, opts SearchOptions) []models.SearchResult {
	docs := idx.List()
	type scored struct {
		doc   models.Document
		score float64
	}
	var hits []scored

	for _, d := range docs {
		if opts.Type != "" && d.Type != opts.Type {
			continue
		}
		if opts.Tag != "" && !containsFold(d.Tags, opts.Tag) {
			continue
		}
		best, matched := bestScore(query, d)
		if !matched {
			continue
		}
		hits = append(hits, scored{doc: d, score: best})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score < hits[j].score })

	limit := opts.Limit
	if limit <= 0 || limit > len(hits) {
		limit = len(hits)
	}
	out := make([]models.SearchResult, 0, limit)
	for _, h := range hits[:limit] {
		out = append(out, models.SearchResult{Document: h.doc, Score: h.score})
	}
	return out
}

// bestScore computes the weighted normalized distance across title/tags/
// content, taking the best (lowest) weighted field score. Each field's raw
// Levenshtein-family distance from fuzzy.RankMatchNormalizedFold is divided
// by one more than the longer of the two strings' lengths, then by the
// field's weight, and the result is clamped to at most 1. Matches may occur
// anywhere in a field, since RankMatchNormalizedFold is location-agnostic.
func bestScore(query string, d models.Document) (float64, bool) {
	type field struct {
		text   string
		weight float64
	}
	fields := []field{
		{d.Title, 2.0},
		{strings.Join(d.Tags, " "), 1.5},
		{d.Content, 1.0},
	}

	best := -1.0
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		rank := fuzzy.RankMatchNormalizedFold(query, f.text)
		if rank < 0 {
			continue
		}
		norm := float64(rank) / float64(maxLen(query, f.text)+1)
		weighted := norm / f.weight
		if best < 0 || weighted < best {
			best = weighted
		}
	}
	if best < 0 {
		return 0, false
	}
	if best > 1 {
		best = 1
	}
	return best, true
}

func maxLen(a, b string) int {
	if len(a) > len(b) {
		return len(a)
	}
	return len(b)
}

func containsFold(hay []string, needle string) bool {
	for _, h := range hay {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// Graph returns the full document graph: one node per Document, one edge
// per outgoing link that resolves to a known Document.
func (idx *Index) Graph() models.Graph {
	docs := idx.List()
	byPath := make(map[string]*models.Document, len(docs))
	for i := range docs {
		byPath[docs[i].Path] = &docs[i]
	}

	g := models.Graph{}
	for _, d := range docs {
		g.Nodes = append(g.Nodes, models.GraphNode{
			ID:        d.Path,
			Label:     d.Title,
			Type:      d.Type,
			Status:    d.Status,
			LinkCount: len(d.Links) + len(d.Backlinks),
		})
		for _, raw := range d.Links {
			if target, ok := resolveLink(byPath, raw); ok {
				g.Links = append(g.Links, models.Link{Source: d.Path, Target: target})
			}
		}
	}
	return g
}

// Neighbors returns the subgraph centered on path: itself, every resolved
// outgoing target, every incoming backlink source, and the induced edges.
func (idx *Index) Neighbors(path string) (models.Graph, bool) {
	full := idx.Graph()
	center, found := idx.Get(path)
	if !found {
		return models.Graph{}, false
	}

	keep := map[string]struct{}{path: {}}
	for _, l := range full.Links {
		if l.Source == path {
			keep[l.Target] = struct{}{}
		}
		if l.Target == path {
			keep[l.Source] = struct{}{}
		}
	}

	var g models.Graph
	for _, n := range full.Nodes {
		if _, ok := keep[n.ID]; ok {
			g.Nodes = append(g.Nodes, n)
		}
	}
	for _, l := range full.Links {
		_, sOK := keep[l.Source]
		_, tOK := keep[l.Target]
		if sOK && tOK {
			g.Links = append(g.Links, l)
		}
	}
	_ = center
	return g, true
}
