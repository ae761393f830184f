package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/vitrum/internal"
	pkgconfig "github.com/starford/vitrum/pkg/config"
)

var configFlag = &cli.StringFlag{
	Name:        "config",
	Aliases:     []string{"c"},
	Usage:       "Path to config file",
	DefaultText: "vitrum.yaml",
	Value:       "vitrum.yaml",
	Sources:     cli.EnvVars("VITRUM_CONFIG"),
}

var overrideFlags = []cli.Flag{
	&cli.IntFlag{
		Name:    "port",
		Usage:   "HTTP listen port (overrides config)",
		Sources: cli.EnvVars("PORT"),
	},
	&cli.StringFlag{
		Name:    "org-root",
		Usage:   "Vault root directory (overrides config)",
		Sources: cli.EnvVars("ORG_ROOT"),
	},
	&cli.StringFlag{
		Name:    "auth-token",
		Usage:   "Bearer token for the local HTTP API (overrides config)",
		Sources: cli.EnvVars("VITRUM_AUTH_TOKEN"),
	},
	&cli.StringFlag{
		Name:    "cache-dsn",
		Usage:   "SQLite DSN for the incremental index cache (overrides config)",
		Sources: cli.EnvVars("VITRUM_CACHE_DSN"),
	},
}

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	configPath := cmd.String("config")
	if _, err := os.Stat(configPath); err == nil {
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := cmd.Int("port"); v != 0 {
		cfg.App.HTTP.Port = int(v)
	}
	if v := cmd.String("org-root"); v != "" {
		cfg.Vault.Path = v
	}
	if v := cmd.String("auth-token"); v != "" {
		cfg.Auth.Mode = internal.AuthModeToken
		cfg.Auth.Token = v
	}
	if v := cmd.String("cache-dsn"); v != "" {
		cfg.Cache.DSN = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("serve error: %w", err)
	}
	return nil
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("mcp error: %w", err)
	}
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "vitrum",
		Usage: "Local-first knowledge vault engine: Markdown storage, full-text search, graph, and peer federation",
		Flags: append([]cli.Flag{configFlag}, overrideFlags...),
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP/JSON API, WebSocket, Watcher, Peer Registry, and Sync Service",
				Flags:  append([]cli.Flag{configFlag}, overrideFlags...),
				Action: runServe,
			},
			{
				Name:   "mcp",
				Usage:  "Run the MCP server over stdio against the same vault",
				Flags:  append([]cli.Flag{configFlag}, overrideFlags...),
				Action: runMCP,
			},
		},
		// serve is the default when no subcommand is given.
		Action: runServe,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
