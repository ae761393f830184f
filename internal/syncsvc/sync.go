// Package syncsvc implements the Sync Service: document adoption, inbox
// delivery, local/origin change classification, and conflict resolution
// for documents carrying federation front-matter.
package syncsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/starford/vitrum/internal/apperr"
	"github.com/starford/vitrum/internal/bus"
	"github.com/starford/vitrum/internal/checksum"
	"github.com/starford/vitrum/internal/docindex"
	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/peers"
	"github.com/starford/vitrum/internal/storage"
)

// PollInterval is how often adopted documents are re-checked against their
// origin, per spec §4.F.
const PollInterval = 60 * time.Second

const (
	adoptTimeout      = 10 * time.Second
	checksumTimeout   = 5 * time.Second
	defaultPeerPort   = 3847
)

// peerFileResponse is the shape returned by a peer's
// GET /api/federation/files/<path>.
type peerFileResponse struct {
	Content     string                 `json:"content"`
	Checksum    string                 `json:"checksum"`
	Frontmatter map[string]interface{} `json:"frontmatter"`
}

// ConflictDiff is the three-way comparison surfaced to a client resolving a
// conflict. BaseContent is always empty: no common-ancestor snapshot is
// retained between adoption and the next divergence.
type ConflictDiff struct {
	LocalContent   string `json:"localContent"`
	OriginContent  string `json:"originContent"`
	BaseContent    string `json:"baseContent"`
	LocalChecksum  string `json:"localChecksum"`
	OriginChecksum string `json:"originChecksum"`
}

// Service owns document adoption, inbox delivery, and sync-status
// reconciliation against peers.
type Service struct {
	store      storage.Provider
	index      *docindex.Index
	registry   *peers.Registry
	bus        *bus.Bus
	httpClient *http.Client
	logger     *slog.Logger
	localHost  string
}

// New constructs a Service.
func New(store storage.Provider, index *docindex.Index, registry *peers.Registry, b *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		index:      index,
		registry:   registry,
		bus:        b,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// SetLocalHost records this instance's externally-reachable host:port, used
// when notifying an origin of a rejection.
func (s *Service) SetLocalHost(host string, port int) {
	s.localHost = fmt.Sprintf("%s:%d", host, port)
}

// Adopt fetches sourcePath from a peer and writes it locally with
// federation front-matter, per spec §4.F. targetPath defaults to
// sourcePath when empty.
func (s *Service) Adopt(ctx context.Context, peerID, peerHost string, peerPort int, peerProtocol, peerName, sourcePath, targetPath string) (localPath, docChecksum string, err error) {
	url := fmt.Sprintf("%s://%s:%d/api/federation/files/%s", peerProtocol, peerHost, peerPort, sourcePath)

	callCtx, cancel := context.WithTimeout(ctx, adoptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("syncsvc: build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", apperr.ErrPeerOffline
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", apperr.NewPeerUpstreamError(resp.StatusCode, "")
	}

	var peerDoc peerFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&peerDoc); err != nil {
		return "", "", fmt.Errorf("syncsvc: decode peer response: %w", err)
	}
	if peerDoc.Content == "" {
		return "", "", fmt.Errorf("syncsvc: peer response missing content")
	}

	localPath = sourcePath
	if targetPath != "" {
		localPath = targetPath
	}
	if existing, ok := s.index.Get(localPath); ok && existing.Federation != nil && existing.Federation.SyncStatus == models.SyncStatusRejected {
		return "", "", apperr.ErrAlreadyExists
	}

	now := time.Now().UTC()
	computedChecksum := peerDoc.Checksum
	if computedChecksum == "" {
		computedChecksum = checksum.Sum([]byte(peerDoc.Content))
	}

	fmLines := []string{"---"}
	if t, ok := peerDoc.Frontmatter["type"].(string); ok && t != "" {
		fmLines = append(fmLines, "type: "+t)
	}
	if status, ok := peerDoc.Frontmatter["status"].(string); ok && status != "" {
		fmLines = append(fmLines, "status: "+status)
	}
	if created, ok := peerDoc.Frontmatter["created"].(string); ok && created != "" {
		fmLines = append(fmLines, "created: "+created)
	}
	if tagsRaw, ok := peerDoc.Frontmatter["tags"].([]interface{}); ok {
		fmLines = append(fmLines, "tags: "+formatTagList(tagsRaw))
	}

	fmLines = append(fmLines,
		"federation:",
		"  origin-peer: '"+peerID+"'",
		"  origin-name: '"+peerName+"'",
		fmt.Sprintf("  origin-host: '%s:%d'", peerHost, peerPort),
		"  origin-path: '"+sourcePath+"'",
		"  adopted-at: '"+now.Format(time.RFC3339)+"'",
		"  origin-checksum: '"+computedChecksum+"'",
		"  local-checksum: '"+computedChecksum+"'",
		"  sync-status: 'synced'",
		"  last-sync-check: '"+now.Format(time.RFC3339)+"'",
		"---",
	)

	fullContent := strings.Join(fmLines, "\n") + "\n" + peerDoc.Content
	if err := s.store.Write(localPath, []byte(fullContent)); err != nil {
		return "", "", fmt.Errorf("syncsvc: write adopted document: %w", err)
	}
	if err := s.index.Update(localPath); err != nil {
		s.logger.Warn("syncsvc: index update after adopt failed", "path", localPath, "error", err.Error())
	}

	s.logger.Info("syncsvc: adopted document", "source", sourcePath, "local", localPath, "peer", peerName)
	return localPath, computedChecksum, nil
}

func formatTagList(raw []interface{}) string {
	tags := make([]string, 0, len(raw))
	for _, v := range raw {
		if t, ok := v.(string); ok {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return "[]"
	}
	return "[" + strings.Join(tags, ", ") + "]"
}

// WriteIncoming writes a document pushed by a peer into the inbox, per
// spec §4.F's inbox delivery shape.
func (s *Service) WriteIncoming(fromInstanceID, fromDisplayName, fromHost, title, content string, tags []string, sourcePath, message string) (string, error) {
	now := time.Now().UTC()
	timestamp := now.Format("2006-01-02T15-04-05")
	slug := slugify(title, 50)
	fromSlug := slugify(fromDisplayName, -1)

	filename := fmt.Sprintf("%s-from-%s-%s.md", timestamp, fromSlug, slug)
	inboxPath := "inbox/" + filename

	tagsStr := "[]"
	if len(tags) > 0 {
		quoted := make([]string, len(tags))
		for i, t := range tags {
			quoted[i] = `"` + t + `"`
		}
		tagsStr = "[" + strings.Join(quoted, ", ") + "]"
	}

	frontmatter := fmt.Sprintf(
		"---\ntype: inbox\ncreated: '%s'\nsource: peer\nfrom-name: %s\nfrom-instance: %s\nfrom-host: %s\noriginal-path: %s\ntags: %s\n---",
		now.Format("2006-01-02"), fromDisplayName, fromInstanceID, fromHost, sourcePath, tagsStr,
	)

	var body strings.Builder
	fmt.Fprintf(&body, "# %s\n\n", title)
	if message != "" {
		fmt.Fprintf(&body, "> **Message from %s**: %s\n\n", fromDisplayName, message)
	}
	fmt.Fprintf(&body, "*Shared from %s (%s)*\n\n---\n\n%s", fromDisplayName, sourcePath, content)

	full := frontmatter + "\n" + body.String()
	if err := s.store.Write(inboxPath, []byte(full)); err != nil {
		return "", fmt.Errorf("syncsvc: write inbox document: %w", err)
	}
	if err := s.index.Update(inboxPath); err != nil {
		s.logger.Warn("syncsvc: index update after inbox write failed", "path", inboxPath, "error", err.Error())
	}
	if s.bus != nil {
		s.bus.PeerDocumentReceived(inboxPath)
	}
	s.logger.Info("syncsvc: received document", "from", fromDisplayName, "path", inboxPath)
	return inboxPath, nil
}

var nonAlphanumRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string, maxLen int) string {
	lower := strings.ToLower(s)
	slug := nonAlphanumRe.ReplaceAllString(lower, "-")
	if maxLen >= 0 && len(slug) > maxLen {
		slug = slug[:maxLen]
	}
	return slug
}

// SharedDocuments returns every document currently carrying federation
// front-matter, i.e. every adopted document.
func (s *Service) SharedDocuments() []models.Document {
	all := s.index.List()
	out := make([]models.Document, 0)
	for _, d := range all {
		if d.Federation != nil && d.Federation.OriginPeer != "" {
			out = append(out, d)
		}
	}
	return out
}

// HandleLocalChange inspects a changed path's federation state and, if its
// body checksum diverges from the last recorded local-checksum, transitions
// its sync-status to local-modified (or conflict, if already
// origin-modified), per spec §4.F.
func (s *Service) HandleLocalChange(path string) {
	doc, ok := s.index.Get(path)
	if !ok || doc.Federation == nil || doc.Federation.OriginPeer == "" {
		return
	}
	fed := doc.Federation
	if fed.SyncStatus == models.SyncStatusRejected {
		return
	}

	currentChecksum := checksum.Sum([]byte(doc.Content))
	if checksum.Equal(currentChecksum, fed.LocalChecksum) {
		return
	}

	oldStatus := fed.SyncStatus
	newStatus := models.SyncStatusLocalModified
	if oldStatus == models.SyncStatusOriginModified {
		newStatus = models.SyncStatusConflict
	}
	if oldStatus == newStatus {
		return
	}

	if err := s.updateFederationField(path, map[string]string{
		"local-checksum": currentChecksum,
		"sync-status":    string(newStatus),
	}); err != nil {
		s.logger.Warn("syncsvc: handleLocalChange update failed", "path", path, "error", err.Error())
		return
	}
	_ = s.index.Update(path)
	s.emitStatusChange(path, string(oldStatus), string(newStatus), fed.OriginName)
}

// Run polls every adopted document's origin on PollInterval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.checkAllOrigins(ctx)
		}
	}
}

func (s *Service) checkAllOrigins(ctx context.Context) {
	shared := s.SharedDocuments()
	for _, doc := range shared {
		if doc.Federation.SyncStatus == models.SyncStatusRejected {
			continue
		}
		s.checkOriginChecksum(ctx, doc.Path, doc.Federation)
	}
}

func (s *Service) checkOriginChecksum(ctx context.Context, localPath string, fed *models.FederationMeta) {
	host, port := splitOriginHost(fed.OriginHost)
	status, ok := s.registry.StatusFor(host + ":" + strconv.Itoa(port))
	if !ok || status.Status != "online" {
		return
	}

	url := fmt.Sprintf("%s://%s:%d/api/federation/files/%s?checksumOnly=true", status.Protocol, status.Host, status.Port, fed.OriginPath)
	callCtx, cancel := context.WithTimeout(ctx, checksumTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var data struct {
		Checksum string `json:"checksum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if data.Checksum == fed.OriginChecksum {
		_ = s.updateFederationField(localPath, map[string]string{"last-sync-check": now})
		return
	}

	oldStatus := fed.SyncStatus
	newStatus := models.SyncStatusOriginModified
	if oldStatus == models.SyncStatusLocalModified {
		newStatus = models.SyncStatusConflict
	}
	if oldStatus == newStatus {
		return
	}

	if err := s.updateFederationField(localPath, map[string]string{
		"origin-checksum": data.Checksum,
		"sync-status":     string(newStatus),
		"last-sync-check": now,
	}); err != nil {
		s.logger.Warn("syncsvc: checkOriginChecksum update failed", "path", localPath, "error", err.Error())
		return
	}
	_ = s.index.Update(localPath)
	s.emitStatusChange(localPath, string(oldStatus), string(newStatus), fed.OriginName)
	s.logger.Info("syncsvc: origin changed", "path", localPath, "newStatus", newStatus)
}

func splitOriginHost(originHost string) (string, int) {
	host, portStr, found := strings.Cut(originHost, ":")
	if !found {
		return originHost, defaultPeerPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPeerPort
	}
	return host, port
}

// GetConflictDiff fetches the origin's current content and pairs it with
// the local body for conflict resolution.
func (s *Service) GetConflictDiff(ctx context.Context, localPath string) (*ConflictDiff, error) {
	doc, ok := s.index.Get(localPath)
	if !ok || doc.Federation == nil {
		return nil, apperr.ErrNotFound
	}
	fed := doc.Federation

	host, port := splitOriginHost(fed.OriginHost)
	status, ok := s.registry.StatusFor(host + ":" + strconv.Itoa(port))
	if !ok || status.Status != "online" {
		return nil, apperr.ErrPeerOffline
	}

	url := fmt.Sprintf("%s://%s:%d/api/federation/files/%s", status.Protocol, status.Host, status.Port, fed.OriginPath)
	callCtx, cancel := context.WithTimeout(ctx, adoptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperr.ErrPeerOffline
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.NewPeerUpstreamError(resp.StatusCode, "")
	}

	var originDoc peerFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&originDoc); err != nil {
		return nil, err
	}

	return &ConflictDiff{
		LocalContent:   doc.Content,
		OriginContent:  originDoc.Content,
		BaseContent:    "",
		LocalChecksum:  checksum.Sum([]byte(doc.Content)),
		OriginChecksum: originDoc.Checksum,
	}, nil
}

// ResolveConflict applies one of the four resolution actions of spec §4.F:
// accept-origin, keep-local, merge, or reject.
func (s *Service) ResolveConflict(ctx context.Context, localPath, action string, mergedContent, comment *string) error {
	doc, ok := s.index.Get(localPath)
	if !ok || doc.Federation == nil {
		return apperr.ErrNotFound
	}
	fed := doc.Federation
	now := time.Now().UTC().Format(time.RFC3339)

	switch action {
	case "accept-origin":
		diff, err := s.GetConflictDiff(ctx, localPath)
		if err != nil {
			return err
		}
		if err := s.replaceBody(localPath, diff.OriginContent); err != nil {
			return err
		}
		return s.updateFederationField(localPath, map[string]string{
			"local-checksum":  diff.OriginChecksum,
			"origin-checksum": diff.OriginChecksum,
			"sync-status":     string(models.SyncStatusSynced),
			"last-sync-check": now,
		})

	case "keep-local":
		return s.updateFederationField(localPath, map[string]string{
			"sync-status":     string(models.SyncStatusSynced),
			"last-sync-check": now,
		})

	case "merge":
		if mergedContent == nil {
			return apperr.ErrBadRequest
		}
		if err := s.replaceBody(localPath, *mergedContent); err != nil {
			return err
		}
		newChecksum := checksum.Sum([]byte(*mergedContent))
		return s.updateFederationField(localPath, map[string]string{
			"local-checksum":  newChecksum,
			"sync-status":     string(models.SyncStatusSynced),
			"last-sync-check": now,
		})

	case "reject":
		if err := s.updateFederationField(localPath, map[string]string{"sync-status": string(models.SyncStatusRejected)}); err != nil {
			return err
		}
		if comment != nil {
			s.notifyRejection(ctx, fed, *comment)
		}
		return nil

	default:
		return apperr.ErrBadRequest
	}
}

func (s *Service) notifyRejection(ctx context.Context, fed *models.FederationMeta, comment string) {
	host, port := splitOriginHost(fed.OriginHost)
	status, ok := s.registry.StatusFor(host + ":" + strconv.Itoa(port))
	if !ok || status.Status != "online" {
		return
	}

	self := s.registry.Self()
	body := map[string]interface{}{
		"from": map[string]string{
			"instanceId":  self.InstanceID,
			"displayName": self.DisplayName,
			"host":        s.localHost,
		},
		"action":       "rejected",
		"originalPath": fed.OriginPath,
		"comment":      comment,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s://%s:%d/api/federation/shared/respond", status.Protocol, status.Host, status.Port)
	callCtx, cancel := context.WithTimeout(ctx, checksumTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, strings.NewReader(string(data)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("syncsvc: rejection notify failed", "error", err.Error())
		return
	}
	resp.Body.Close()
}

// replaceBody overwrites everything after the front-matter block, leaving
// the front-matter block itself untouched.
func (s *Service) replaceBody(path, newBody string) error {
	data, err := s.store.Read(path)
	if err != nil {
		return err
	}
	content := string(data)
	fmEnd := frontmatterEnd(content)
	newContent := content[:fmEnd] + "\n" + newBody
	if err := s.store.Write(path, []byte(newContent)); err != nil {
		return err
	}
	return s.index.Update(path)
}

func frontmatterEnd(content string) int {
	const delim = "---"
	if !strings.HasPrefix(content, delim) {
		return 0
	}
	rest := content[len(delim):]
	idx := strings.Index(rest, delim)
	if idx < 0 {
		return 0
	}
	return len(delim) + idx + len(delim)
}

// federationFieldRe matches a `key: 'value'` line within the federation
// YAML block, used to update individual fields without a full frontmatter
// re-render (which would reorder or reformat sibling keys).
func federationFieldRe(key string) *regexp.Regexp {
	return regexp.MustCompile(`(` + regexp.QuoteMeta(key) + `:)\s*'[^']*'`)
}

func (s *Service) updateFederationField(path string, updates map[string]string) error {
	data, err := s.store.Read(path)
	if err != nil {
		return err
	}
	result := string(data)
	for key, value := range updates {
		escaped := strings.ReplaceAll(value, "'", "''")
		result = federationFieldRe(key).ReplaceAllString(result, "${1} '"+escaped+"'")
	}
	if err := s.store.Write(path, []byte(result)); err != nil {
		return err
	}
	return s.index.Update(path)
}

func (s *Service) emitStatusChange(path, oldStatus, newStatus, peer string) {
	if s.bus == nil {
		return
	}
	s.bus.SyncStatusChanged(path, oldStatus, newStatus, peer)
}
