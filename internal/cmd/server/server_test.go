package server

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":8081" {
		t.Fatalf("expected default grpc addr, got %q", cfg.GRPCAddr)
	}
	if cfg.StoragePath != "crucible.db" {
		t.Fatalf("expected default storage path, got %q", cfg.StoragePath)
	}
	if cfg.GrantIssuer != "crucible-auth" {
		t.Fatalf("expected default issuer, got %q", cfg.GrantIssuer)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("CRUCIBLE_HTTP_ADDR", "env-http")
	t.Setenv("CRUCIBLE_STORAGE_PATH", "env-db")

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-http",
		"-grant-issuer", "flag-issuer",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("flags should win over env, got %q", cfg.HTTPAddr)
	}
	if cfg.StoragePath != "env-db" {
		t.Fatalf("env should win over defaults, got %q", cfg.StoragePath)
	}
	if cfg.GrantIssuer != "flag-issuer" {
		t.Fatalf("expected flag issuer, got %q", cfg.GrantIssuer)
	}
}

func TestLoadScripts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alarm.lua"), []byte(`mission.post_output("text")`), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write note: %v", err)
	}

	scripts, err := loadScripts(dir)
	if err != nil {
		t.Fatalf("load scripts: %v", err)
	}
	if len(scripts) != 1 {
		t.Fatalf("scripts len = %d, want only .lua files", len(scripts))
	}
	if _, ok := scripts["alarm"]; !ok {
		t.Fatal("script should be keyed by file stem")
	}

	empty, err := loadScripts("")
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatal("empty dir config should yield no scripts")
	}
}
