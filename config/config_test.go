package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:8645" {
		t.Fatalf("rpc address = %q", cfg.RPCAddress)
	}
	if cfg.RecordDeposit != "1000000" {
		t.Fatalf("record deposit = %q", cfg.RecordDeposit)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
}

func TestLoadExistingAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "RPCAddress = \"0.0.0.0:9000\"\nRPCToken = \"secret\"\nEscrowPaused = true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "0.0.0.0:9000" {
		t.Fatalf("explicit value overridden: %q", cfg.RPCAddress)
	}
	if cfg.RPCToken != "secret" || !cfg.EscrowPaused {
		t.Fatalf("fields not decoded: %+v", cfg)
	}
	if cfg.NetworkName != "dealvault-local" {
		t.Fatalf("default not applied: %q", cfg.NetworkName)
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir = %q", cfg.DataDir)
	}
}
