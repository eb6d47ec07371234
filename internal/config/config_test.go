package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.LocalSocket != "/tmp/ejd.sock" {
		t.Errorf("LocalSocket = %q, want /tmp/ejd.sock", cfg.LocalSocket)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if !cfg.Broadcast() {
		t.Errorf("Broadcast() = false, want true by default")
	}
}

func TestParse_ExplicitBroadcastFalseRespected(t *testing.T) {
	cfg, err := Parse([]byte("broadcast_all: false\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broadcast() {
		t.Errorf("Broadcast() = true, want false when explicitly disabled")
	}
}

func TestParse_MySQLRequiresDatabase(t *testing.T) {
	_, err := Parse([]byte("store:\n  driver: mysql\n"))
	if err == nil {
		t.Fatal("expected error for mysql driver without database")
	}
	if !strings.Contains(err.Error(), "store.database is required") {
		t.Errorf("error = %q, want to contain store.database is required", err.Error())
	}
}

func TestParse_InvalidDriver(t *testing.T) {
	_, err := Parse([]byte("store:\n  driver: postgres\n"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain config: read", err.Error())
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http_port: 9090\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
}
