// ABOUTME: Entry point for the zencelium relay server.
// ABOUTME: Subcommands: serve, init, account create/delete, health.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/zencelium/zencelium/internal/auth"
	"github.com/zencelium/zencelium/internal/broker"
	"github.com/zencelium/zencelium/internal/bus"
	"github.com/zencelium/zencelium/internal/config"
	"github.com/zencelium/zencelium/internal/store"
	"github.com/zencelium/zencelium/internal/web"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
 _____ ___ _ __   ___ ___| (_)_   _ _ __ ___
|_  / / _ \ '_ \ / __/ _ \ | | | | | '_ ` + "`" + ` _ \
 / / |  __/ | | | (_|  __/ | | |_| | | | | | |
/___| \___|_| |_|\___\___|_|_|\__,_|_| |_| |_|
`

const defaultConfigYAML = `server:
  http_addr: "0.0.0.0:7302"

database:
  path: "./zencelium.db"

redis:
  enabled: false
  url: "redis://localhost:6379/0"

auth:
  jwt_secret: "${ZENCELIUM_JWT_SECRET}"

logging:
  level: "info"
  format: "console"
`

// getConfigPath returns the path to the server config file.
// Priority: ZENCELIUM_CONFIG env var > XDG_CONFIG_HOME/zencelium/server.yaml
// > ~/.config/zencelium/server.yaml.
func getConfigPath() string {
	if envPath := os.Getenv("ZENCELIUM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "zencelium", "server.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: zencelium <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the relay server")
		fmt.Println("  init                           Write a default config file")
		fmt.Println("  account create NAME PASSWORD   Create an account")
		fmt.Println("  account delete NAME            Delete an account")
		fmt.Println("  health                         Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "account":
		err = runAccount(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	if cfg.Redis.Enabled {
		fmt.Printf("Bus:      redis (%s)\n", cfg.Redis.URL)
	} else {
		fmt.Printf("Bus:      in-process\n")
	}
	fmt.Println()

	logger.Info("starting zencelium",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	catalog, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening catalog store: %w", err)
	}
	defer catalog.Close()

	var b bus.Bus
	if cfg.Redis.Enabled {
		redisBus, err := bus.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisBus.Close()
		b = redisBus
	} else {
		b = bus.NewMemory()
	}

	registry := broker.NewRegistry(b, logger)
	sessions := auth.NewJWTSessions([]byte(cfg.Auth.JWTSecret))
	server := web.NewServer(catalog, registry, b, sessions, logger)

	return server.ListenAndServe(ctx, cfg.Server.HTTPAddr)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Wrote %s\n", configPath)
	fmt.Println("Set ZENCELIUM_JWT_SECRET or edit auth.jwt_secret before serving.")
	return nil
}

// runAccount creates or deletes accounts directly against the catalog store,
// for bootstrapping a fresh deployment without the HTTP API.
func runAccount(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: zencelium account create NAME PASSWORD | delete NAME")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	catalog, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening catalog store: %w", err)
	}
	defer catalog.Close()

	switch args[0] {
	case "create":
		if len(args) < 3 {
			return fmt.Errorf("usage: zencelium account create NAME PASSWORD")
		}
		name, password := args[1], args[2]

		hash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		account, err := catalog.CreateAccount(ctx, name, "", hash)
		if err != nil {
			return fmt.Errorf("creating account: %w", err)
		}

		agent, err := catalog.AccountAgent(ctx, account)
		if err != nil {
			return fmt.Errorf("loading account agent: %w", err)
		}

		fmt.Printf("Account:     %s (%s)\n", account.Name, account.UUID)
		fmt.Printf("Agent token: %s\n", agent.Token)
		return nil

	case "delete":
		name := args[1]
		if err := catalog.DeleteAccount(ctx, name); err != nil {
			return fmt.Errorf("deleting account: %w", err)
		}
		fmt.Printf("Deleted account %s\n", name)
		return nil

	default:
		return fmt.Errorf("unknown account subcommand: %s", args[0])
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
