// Package parser turns a document's raw bytes into a models.Document.
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/starford/vitrum/internal/checksum"
	"github.com/starford/vitrum/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	wikilinkRe   = regexp.MustCompile(`\[\[([^\]|]+)(?:\|[^\]]+)?\]\]`)
	headingRe    = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	fenceRe      = regexp.MustCompile("(?s)```.*?```")
	mdLinkRe     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	anyHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	emphasisRe   = regexp.MustCompile("[*_~`]")
	wsRe         = regexp.MustCompile(`\s+`)
)

// firstSegmentType maps the first path segment under the vault root to a
// DocType, per spec §3/§4.A.
var firstSegmentType = map[string]models.DocType{
	"tasks":     models.DocTypeTask,
	"knowledge": models.DocTypeKnowledge,
	"inbox":     models.DocTypeInbox,
	"reminders": models.DocTypeReminder,
	"projects":  models.DocTypeProject,
	"tags":      models.DocTypeTag,
}

// frontmatterType maps a front-matter "type" value (lowercased) to a
// DocType; "tag-index" aliases to "tag".
var frontmatterType = map[string]models.DocType{
	"task":      models.DocTypeTask,
	"knowledge": models.DocTypeKnowledge,
	"inbox":     models.DocTypeInbox,
	"reminder":  models.DocTypeReminder,
	"project":   models.DocTypeProject,
	"tag":       models.DocTypeTag,
	"tag-index": models.DocTypeTag,
}

// ErrKind identifies why Parse failed.
type ErrKind string

const (
	ErrUnreadable           ErrKind = "unreadable"
	ErrMalformedFrontmatter ErrKind = "malformed-frontmatter"
)

// ParseError wraps a parse failure with its kind.
type ParseError struct {
	Kind ErrKind
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return string(e.Kind) + ": " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse turns raw file bytes into a Document. relPath is workspace-relative,
// forward-slash normalized, and is used for title/type fallback derivation.
// mtime is the file's on-disk modification time, used as Document.Updated.
func Parse(relPath string, data []byte, mtime time.Time) (*models.Document, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, &ParseError{Kind: ErrMalformedFrontmatter, Path: relPath, Err: err}
	}

	links := extractLinks(body)
	title := deriveTitle(fm, relPath, body)
	docType := inferType(fm, relPath)
	tags := extractTags(fm)
	status, _ := fm["status"].(string)
	created := deriveCreated(fm, mtime)

	doc := &models.Document{
		Path:        relPath,
		Title:       title,
		Type:        docType,
		Status:      status,
		Tags:        tags,
		Created:     created,
		Updated:     mtime,
		Excerpt:     deriveExcerpt(body),
		Frontmatter: fm,
		Content:     body,
		Links:       links,
		Backlinks:   nil,
		Checksum:    checksum.Sum(data),
		Federation:  extractFederation(fm),
	}
	return doc, nil
}

// extractFederation decodes the front-matter "federation" block, present
// iff the document was adopted from a peer (spec §4.F). A block with no
// origin-peer, or one that doesn't parse as the expected shape, yields nil.
func extractFederation(fm map[string]interface{}) *models.FederationMeta {
	raw, ok := fm["federation"]
	if !ok {
		return nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil
	}
	var fed models.FederationMeta
	if err := yaml.Unmarshal(data, &fed); err != nil {
		return nil
	}
	if fed.OriginPeer == "" {
		return nil
	}
	return &fed
}

// splitFrontmatter separates a leading "---"-delimited YAML block from the
// body. Absence of a recognizable block yields empty front-matter and the
// full content as body (never an error — the spec's "absence yields empty
// front-matter" contract).
func splitFrontmatter(data []byte) (map[string]interface{}, string, error) {
	const delim = "---"
	s := strings.TrimLeft(string(data), "\n\r")

	if !strings.HasPrefix(s, delim) {
		return map[string]interface{}{}, s, nil
	}

	rest := s[len(delim):]
	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return map[string]interface{}{}, s, nil
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(afterDelim, "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		// Spec: absence/invalid frontmatter falls back to treating the whole
		// file as body rather than failing the build.
		return map[string]interface{}{}, s, nil
	}
	if fm == nil {
		fm = map[string]interface{}{}
	}
	return fm, body, nil
}

// extractLinks returns deduplicated wikilink targets in first-seen order;
// alias text after "|" is discarded.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		target := strings.TrimSpace(m[1])
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// extractTags reads the front-matter "tags" sequence, preserving order.
func extractTags(fm map[string]interface{}) []string {
	raw, ok := fm["tags"]
	if !ok {
		return nil
	}
	seq, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(seq))
	for _, item := range seq {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// deriveTitle resolves: front-matter title, then first level-1 heading,
// then the filename stem with hyphens turned to spaces and title-cased.
func deriveTitle(fm map[string]interface{}, relPath, body string) string {
	if t, ok := fm["title"].(string); ok && strings.TrimSpace(t) != "" {
		return t
	}
	if m := headingRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	stem := relPath
	if i := strings.LastIndex(stem, "/"); i >= 0 {
		stem = stem[i+1:]
	}
	stem = strings.TrimSuffix(stem, ".md")
	stem = strings.ReplaceAll(stem, "-", " ")
	return titleCase(stem)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			r[0] = toUpperRune(r[0])
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func toUpperRune(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}

// inferType checks front-matter "type" first, then the first path segment.
func inferType(fm map[string]interface{}, relPath string) models.DocType {
	if t, ok := fm["type"].(string); ok {
		if dt, ok := frontmatterType[strings.ToLower(strings.TrimSpace(t))]; ok {
			return dt
		}
	}
	first := relPath
	if i := strings.Index(first, "/"); i >= 0 {
		first = first[:i]
	}
	if dt, ok := firstSegmentType[first]; ok {
		return dt
	}
	return models.DocTypeOther
}

// deriveCreated resolves front-matter "created" if parseable as RFC3339 or
// a bare date, else falls back to mtime as a best-effort "birth time"
// proxy (the engine has no reliable cross-platform birth time).
func deriveCreated(fm map[string]interface{}, mtime time.Time) time.Time {
	if raw, ok := fm["created"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			return t
		}
	}
	return mtime
}

// deriveExcerpt strips markdown structure and truncates on a word boundary
// at up to 200 characters, per spec §4.A.
func deriveExcerpt(body string) string {
	s := fenceRe.ReplaceAllString(body, "")
	s = anyHeadingRe.ReplaceAllString(s, "")
	s = wikilinkRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = emphasisRe.ReplaceAllString(s, "")
	s = wsRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	const maxLen = 200
	if len(s) <= maxLen {
		return s
	}
	cut := strings.LastIndexByte(s[:maxLen], ' ')
	if cut <= 0 {
		cut = maxLen
	}
	return strings.TrimSpace(s[:cut]) + "…"
}
