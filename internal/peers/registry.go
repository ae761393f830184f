// Package peers implements the Peer Registry: loading and hot-reloading
// PeerConfig, periodic liveness probing, and per-peer backoff.
package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/starford/vitrum/internal/models"
)

// Timing constants, per spec §4.E.
const (
	PollInterval     = 30 * time.Second
	BackoffInterval  = 120 * time.Second
	FailureThreshold = 3
	HelloTimeout     = 3 * time.Second
)

// ConfigFileName is the well-known peer config filename under vault root.
const ConfigFileName = ".vitrum-peers.json"

// TransitionFunc is invoked whenever a peer crosses into or out of the
// "online" status, so the caller can fan the change out on the Bus.
type TransitionFunc func(peer models.PeerEntry, online bool)

// Registry owns PeerConfig and live status, hot-reloading the config file
// by polling its mtime at probe time.
type Registry struct {
	configPath string
	logger     *slog.Logger
	onTransition TransitionFunc
	httpClient *http.Client

	mu             sync.RWMutex
	config         models.PeerConfig
	status         map[string]models.PeerLiveStatus
	lastConfigMtime int64
}

// New loads or creates the peer config at <vaultRoot>/.vitrum-peers.json
// and initializes the status table.
func New(vaultRoot string, logger *slog.Logger, onTransition TransitionFunc) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	configPath := filepath.Join(vaultRoot, ConfigFileName)
	cfg, err := loadOrCreate(configPath, logger)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		configPath:   configPath,
		logger:       logger,
		onTransition: onTransition,
		httpClient:   &http.Client{},
		config:       cfg,
		status:       initStatus(cfg),
	}
	return r, nil
}

func initStatus(cfg models.PeerConfig) map[string]models.PeerLiveStatus {
	m := make(map[string]models.PeerLiveStatus, len(cfg.Peers))
	for _, p := range cfg.Peers {
		m[p.Key()] = models.PeerLiveStatus{
			Name: p.Name, Host: p.Host, Port: p.Port, Protocol: p.Protocol,
			Status: "unknown",
		}
	}
	return m
}

func loadOrCreate(configPath string, logger *slog.Logger) (models.PeerConfig, error) {
	if data, err := os.ReadFile(configPath); err == nil {
		var cfg models.PeerConfig
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr == nil {
			return cfg, nil
		}
		logger.Warn("peers: failed to parse config, recreating", "path", configPath)
	}

	cfg := models.PeerConfig{
		Self: models.PeerSelf{
			InstanceID:    uuid.NewString(),
			DisplayName:   "My Vault",
			SharedFolders: []string{"knowledge/"},
			SharedTags:    []string{},
		},
		Peers: []models.PeerEntry{},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return cfg, fmt.Errorf("peers: marshal new config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return cfg, fmt.Errorf("peers: write new config: %w", err)
	}
	logger.Info("peers: created config", "instanceId", cfg.Self.InstanceID)
	return cfg, nil
}

// Self returns this instance's identity.
func (r *Registry) Self() models.PeerSelf {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Self
}

// Peers returns the configured peer list.
func (r *Registry) Peers() []models.PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PeerEntry, len(r.config.Peers))
	copy(out, r.config.Peers)
	return out
}

// Status returns every peer's live status.
func (r *Registry) Status() []models.PeerLiveStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PeerLiveStatus, 0, len(r.status))
	for _, s := range r.status {
		out = append(out, s)
	}
	return out
}

// StatusFor returns the status of one configured peer by host:port key.
func (r *Registry) StatusFor(key string) (models.PeerLiveStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[key]
	return s, ok
}

// Online returns only peers currently in the "online" state.
func (r *Registry) Online() []models.PeerLiveStatus {
	all := r.Status()
	out := all[:0]
	for _, s := range all {
		if s.Status == "online" {
			out = append(out, s)
		}
	}
	return out
}

// Run polls every peer immediately and then on PollInterval until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) error {
	r.pollAll(ctx)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pollAll(ctx)
		}
	}
}

func (r *Registry) pollAll(ctx context.Context) {
	r.checkConfigReload()

	peers := r.Peers()
	var wg sync.WaitGroup
	for _, p := range peers {
		key := p.Key()
		if r.shouldSkip(key) {
			continue
		}
		wg.Add(1)
		go func(p models.PeerEntry) {
			defer wg.Done()
			r.pollOne(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (r *Registry) shouldSkip(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[key]
	if !ok {
		return true
	}
	if s.ConsecutiveFailures < FailureThreshold {
		return false
	}
	return time.Since(s.LastSeen) < BackoffInterval
}

func (r *Registry) pollOne(ctx context.Context, p models.PeerEntry) {
	key := p.Key()
	url := fmt.Sprintf("%s://%s:%d/api/federation/hello", p.Protocol, p.Host, p.Port)

	callCtx, cancel := context.WithTimeout(ctx, HelloTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		r.recordFailure(p)
		return
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.recordFailure(p)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.recordFailure(p)
		return
	}
	var hello models.PeerHelloResponse
	if err := json.NewDecoder(resp.Body).Decode(&hello); err != nil {
		r.recordFailure(p)
		return
	}
	latency := time.Since(start)

	r.mu.Lock()
	wasOnline := r.status[key].Status == "online"
	r.status[key] = models.PeerLiveStatus{
		Name: p.Name, Host: p.Host, Port: p.Port, Protocol: p.Protocol,
		Status:              "online",
		InstanceID:          hello.InstanceID,
		DisplayName:         hello.DisplayName,
		SharedFolders:       hello.SharedFolders,
		SharedTags:          hello.SharedTags,
		DocumentCount:       hello.Stats.DocumentCount,
		LastSeen:            time.Now(),
		LatencyMs:           latency.Milliseconds(),
		ConsecutiveFailures: 0,
	}
	r.mu.Unlock()

	if !wasOnline && r.onTransition != nil {
		r.onTransition(p, true)
	}
}

func (r *Registry) recordFailure(p models.PeerEntry) {
	key := p.Key()
	r.mu.Lock()
	s := r.status[key]
	wasOnline := s.Status == "online"
	s.Name, s.Host, s.Port, s.Protocol = p.Name, p.Host, p.Port, p.Protocol
	s.ConsecutiveFailures++
	s.Status = "offline"
	s.LastSeen = time.Now()
	r.status[key] = s
	r.mu.Unlock()

	if wasOnline && r.onTransition != nil {
		r.onTransition(p, false)
	}
}

// checkConfigReload detects edits to the peer config file by mtime and
// reconciles the status table: new peers enter "unknown", removed peers
// are dropped, existing peers keep their state.
func (r *Registry) checkConfigReload() {
	info, err := os.Stat(r.configPath)
	if err != nil {
		return
	}
	mtime := info.ModTime().Unix()

	r.mu.Lock()
	last := r.lastConfigMtime
	if mtime <= last {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if last == 0 {
		r.mu.Lock()
		r.lastConfigMtime = mtime
		r.mu.Unlock()
		return
	}

	newCfg, err := loadOrCreate(r.configPath, r.logger)
	if err != nil {
		r.logger.Warn("peers: reload failed", "error", err.Error())
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	oldCount := len(r.config.Peers)
	newKeys := make(map[string]struct{}, len(newCfg.Peers))
	for _, p := range newCfg.Peers {
		key := p.Key()
		newKeys[key] = struct{}{}
		if _, ok := r.status[key]; !ok {
			r.status[key] = models.PeerLiveStatus{
				Name: p.Name, Host: p.Host, Port: p.Port, Protocol: p.Protocol,
				Status: "unknown",
			}
		}
	}
	for key := range r.status {
		if _, ok := newKeys[key]; !ok {
			delete(r.status, key)
		}
	}
	r.config = newCfg
	r.lastConfigMtime = mtime
	if oldCount != len(newCfg.Peers) {
		r.logger.Info("peers: config hot-reloaded", "oldCount", oldCount, "newCount", len(newCfg.Peers))
	}
}
