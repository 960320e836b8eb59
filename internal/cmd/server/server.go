// Package server parses gateway command flags and composes the serving
// entrypoint: storage, script runner, join-grant verification and the
// websocket gateway.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/crucible-live/crucible/internal/mission/effect/luarunner"
	entrypoint "github.com/crucible-live/crucible/internal/platform/cmd"
	gateway "github.com/crucible-live/crucible/internal/server"
	"github.com/crucible-live/crucible/internal/storage/sqlite"
	"github.com/crucible-live/crucible/internal/telemetry"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr    string `env:"CRUCIBLE_HTTP_ADDR"    envDefault:":8080"`
	GRPCAddr    string `env:"CRUCIBLE_GRPC_ADDR"    envDefault:":8081"`
	StoragePath string `env:"CRUCIBLE_STORAGE_PATH" envDefault:"crucible.db"`
	// ScriptsDir holds .lua external-effect scripts, keyed by file stem.
	ScriptsDir     string `env:"CRUCIBLE_SCRIPTS_DIR"`
	GrantIssuer    string `env:"CRUCIBLE_JOIN_GRANT_ISSUER"     envDefault:"crucible-auth"`
	GrantAudience  string `env:"CRUCIBLE_JOIN_GRANT_AUDIENCE"   envDefault:"crucible-gateway"`
	GrantPublicKey string `env:"CRUCIBLE_JOIN_GRANT_PUBLIC_KEY"`
	// EnvironmentWebhookURL receives outbound script calls; empty disables
	// them.
	EnvironmentWebhookURL string `env:"CRUCIBLE_ENVIRONMENT_WEBHOOK_URL"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "gateway HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "health gRPC listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "sqlite storage path")
	fs.StringVar(&cfg.ScriptsDir, "scripts-dir", cfg.ScriptsDir, "external-effect scripts directory")
	fs.StringVar(&cfg.GrantIssuer, "grant-issuer", cfg.GrantIssuer, "join grant issuer")
	fs.StringVar(&cfg.GrantAudience, "grant-audience", cfg.GrantAudience, "join grant audience")
	fs.StringVar(&cfg.GrantPublicKey, "grant-public-key", cfg.GrantPublicKey, "base64 ed25519 join grant public key")
	fs.StringVar(&cfg.EnvironmentWebhookURL, "environment-webhook-url", cfg.EnvironmentWebhookURL, "outbound environment call endpoint")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the gateway and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		key, err := gateway.ParseGrantPublicKey(cfg.GrantPublicKey)
		if err != nil {
			return fmt.Errorf("grant public key: %w", err)
		}
		verifier, err := gateway.NewGrantVerifier(cfg.GrantIssuer, cfg.GrantAudience, key)
		if err != nil {
			return fmt.Errorf("grant verifier: %w", err)
		}

		store, err := sqlite.Open(cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		scripts, err := loadScripts(cfg.ScriptsDir)
		if err != nil {
			return fmt.Errorf("load scripts: %w", err)
		}

		hub, err := gateway.NewHub(gateway.HubOptions{
			Missions:        store,
			Journal:         store,
			Runner:          luarunner.New(scripts),
			CallEnvironment: environmentCaller(cfg.EnvironmentWebhookURL),
			Emitter:         telemetry.NewEmitter(store),
		})
		if err != nil {
			return fmt.Errorf("session hub: %w", err)
		}

		if err := gateway.Run(ctx, gateway.Config{
			HTTPAddr: cfg.HTTPAddr,
			GRPCAddr: cfg.GRPCAddr,
		}, hub, verifier); err != nil {
			return fmt.Errorf("serve gateway: %w", err)
		}
		return nil
	})
}

// loadScripts reads .lua files from dir into a source map keyed by file
// stem. An empty dir yields an empty map.
func loadScripts(dir string) (luarunner.SourceMap, error) {
	scripts := luarunner.SourceMap{}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return scripts, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".lua") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", name, err)
		}
		scripts[strings.TrimSuffix(name, ".lua")] = string(content)
	}
	log.Printf("loaded %d external-effect scripts from %s", len(scripts), dir)
	return scripts, nil
}

// environmentCaller posts outbound script calls to the webhook endpoint.
func environmentCaller(webhookURL string) func(ctx context.Context, environmentID string, payload map[string]any) error {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil
	}

	client := &http.Client{}
	return func(ctx context.Context, environmentID string, payload map[string]any) error {
		body, err := json.Marshal(map[string]any{
			"environment_id": environmentID,
			"payload":        payload,
		})
		if err != nil {
			return fmt.Errorf("encode environment call: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build environment call: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("call environment %s: %w", environmentID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("environment %s returned status %d", environmentID, resp.StatusCode)
		}
		return nil
	}
}
