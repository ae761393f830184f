// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/vitrum/internal/api"
	"github.com/starford/vitrum/internal/bus"
	"github.com/starford/vitrum/internal/docindex"
	"github.com/starford/vitrum/internal/federation"
	"github.com/starford/vitrum/internal/indexcache"
	"github.com/starford/vitrum/internal/mcpserver"
	"github.com/starford/vitrum/internal/models"
	"github.com/starford/vitrum/internal/peers"
	"github.com/starford/vitrum/internal/storage"
	"github.com/starford/vitrum/internal/syncsvc"
	"github.com/starford/vitrum/internal/watcher"
)

// shared wraps the components every mode (serve, mcp) builds identically:
// storage, the incremental cache, and the Document Index.
type shared struct {
	logger *slog.Logger
	store  storage.Provider
	cache  *indexcache.DB
	index  *docindex.Index
}

func newLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

func buildShared(ctx context.Context, cfg *Config, logger *slog.Logger) (*shared, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	cache, err := indexcache.Open(cfg.Cache.DSN)
	if err != nil {
		return nil, fmt.Errorf("init index cache: %w", err)
	}

	idx := docindex.New(store, cache, logger)
	if err := idx.Build(ctx); err != nil {
		logger.Warn("initial index build failed", slog.String("error", err.Error()))
	}

	return &shared{logger: logger, store: store, cache: cache, index: idx}, nil
}

func (s *shared) Close() {
	s.index.Close()
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// Run boots the primary server: HTTP/JSON API + WebSocket (§4.H), the File
// Watcher (§4.C), the Peer Registry (§4.E), and the Sync Service (§4.F),
// coordinated with a shared errgroup, matching the teacher's entry.go.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config
	logger := newLogger(cfg)

	logger.Info("configuration loaded",
		slog.String("http_address", cfg.App.HTTP.ListenAddress()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("cache_dsn", cfg.Cache.DSN),
		slog.String("log_level", cfg.App.LogLevel.String()))

	sh, err := buildShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sh.Close()

	b := bus.New(logger)
	defer b.Close()

	registry, err := peers.New(cfg.Vault.Path, logger, func(peer models.PeerEntry, online bool) {
		if online {
			b.PeerOnline(peer.Name, peer.Host)
		} else {
			b.PeerOffline(peer.Name, peer.Host)
		}
	})
	if err != nil {
		return fmt.Errorf("init peer registry: %w", err)
	}

	syncService := syncsvc.New(sh.store, sh.index, registry, b, logger)
	syncService.SetLocalHost(cfg.App.HTTP.Host, cfg.App.HTTP.Port)

	startTime := time.Now()
	handler := api.NewHandler(sh.index, syncService, registry, sh.store, startTime, logger)
	fedHandler := federation.NewHandler(sh.index, registry, syncService, logger)
	wsHandler := api.NewWebSocketHandler(b, logger)
	router := api.NewRouter(handler, fedHandler.Router(), wsHandler, cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.ListenAddress(),
		Handler: router,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// The Watcher fires last in the sense that every other component it can
	// notify (Index, Bus, Sync Service) already exists by the time it starts.
	w := watcher.New(cfg.Vault.Path, logger, func(path string) bool {
		_, ok := sh.index.Get(path)
		return ok
	}, func(kind watcher.EventKind, path string) {
		switch kind {
		case watcher.EventRemove:
			if err := sh.index.Remove(path); err != nil {
				logger.Debug("index remove failed", slog.String("path", path), slog.String("error", err.Error()))
			}
			b.Remove(path)
		default:
			if err := sh.index.Update(path); err != nil {
				logger.Debug("index update failed", slog.String("path", path), slog.String("error", err.Error()))
				return
			}
			syncService.HandleLocalChange(path)
			b.Update(path)
		}
	})

	g.Go(func() error { return w.Run(gCtx) })
	g.Go(func() error { return registry.Run(gCtx) })
	g.Go(func() error { return syncService.Run(gCtx) })

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("address", cfg.App.HTTP.ListenAddress()))
		var err error
		if cfg.App.HTTP.TLSEnabled() {
			err = httpServer.ListenAndServeTLS(cfg.App.HTTP.TLSCertFile, cfg.App.HTTP.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("server stopped successfully")
	return nil
}

// RunMCP boots only the MCP server (§4.I) over stdio, against the same
// vault the primary server would use -- writes still land through storage
// and get picked up by whichever `serve` process is (or isn't) watching it.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config
	logger := newLogger(cfg)

	sh, err := buildShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sh.Close()

	srv := mcpserver.New(sh.store, sh.index)
	logger.Info("mcp server starting", slog.String("vault_path", cfg.Vault.Path))
	return srv.ServeStdio()
}
