package config

import (
	"os"
	"path/filepath"
	"testing"

	"Agora-Substrate/internal/ledger"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"address":":9000"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("explicit value lost: %s", cfg.Server.Address)
	}
	if cfg.Storage.EventStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("driver defaults missing: %+v", cfg)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir default wrong: %s", cfg.Runtime.DataDir)
	}
	if cfg.Runtime.SnapshotInterval != 100 {
		t.Fatalf("snapshot interval default wrong: %d", cfg.Runtime.SnapshotInterval)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(EnvConfigPath, "/from/env.json")
	if got := Resolve("/from/flag.json"); got != "/from/flag.json" {
		t.Fatalf("flag should win: %s", got)
	}
	if got := Resolve(""); got != "/from/env.json" {
		t.Fatalf("env should be second: %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := Resolve(""); got != "configs/config.json" {
		t.Fatalf("default path wrong: %s", got)
	}
}

func TestLoadResourceDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resources.yaml")
	payload := `resources:
  - name: compute
    kind: flow
    rate: 25
    capacity: 500
  - name: storage
    kind: stock
    quota: 4096
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	defs, err := LoadResourceDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(defs.Resources))
	}
	if defs.Resources[0].Kind != ledger.ResourceFlow || defs.Resources[0].Rate != 25 {
		t.Fatalf("flow spec wrong: %+v", defs.Resources[0])
	}
	if defs.Resources[1].Quota != 4096 {
		t.Fatalf("stock spec wrong: %+v", defs.Resources[1])
	}
}

func TestResourceDefinitionsFallBackToDefaults(t *testing.T) {
	defs, err := LoadResourceDefinitions(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Resources) == 0 {
		t.Fatal("expected built-in defaults")
	}
}
