package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "ghostbay.yaml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.Region != "us-east-1" {
		t.Errorf("Region = %q", cfg.Server.Region)
	}
	if cfg.Server.MaxObjectSize != 5*1024*1024*1024 {
		t.Errorf("MaxObjectSize = %d", cfg.Server.MaxObjectSize)
	}
	if cfg.Auth.BootstrapAccessKey != "ghostbay" || cfg.Auth.BootstrapSecretKey != "ghostbay-secret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Catalog.Path != "./data/catalog.db" {
		t.Errorf("Catalog.Path = %q", cfg.Catalog.Path)
	}
	if cfg.Storage.DataDir != "./data/objects" || cfg.Storage.TempDir != "./data/tmp" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Sweeper.Interval != 3600 || cfg.Sweeper.OrphanGrace != 3600 {
		t.Errorf("sweeper = %+v", cfg.Sweeper)
	}
	if cfg.Sweeper.UploadTTL != 7*24*3600 {
		t.Errorf("UploadTTL = %d", cfg.Sweeper.UploadTTL)
	}
	if cfg.TLS.Enabled() {
		t.Error("TLS enabled without cert and key")
	}
	if cfg.TLS.HTTPSPort != 9000 {
		t.Errorf("HTTPSPort = %d, want the server port", cfg.TLS.HTTPSPort)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "ghostbay.yaml", `
server:
  host: 127.0.0.1
  port: 9100
  region: eu-west-1
  max_object_size: 1048576
logging:
  level: debug
  format: json
sweeper:
  interval: 60
  upload_ttl: 3600
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9100 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.Region != "eu-west-1" {
		t.Errorf("Region = %q", cfg.Server.Region)
	}
	if cfg.Server.MaxObjectSize != 1048576 {
		t.Errorf("MaxObjectSize = %d", cfg.Server.MaxObjectSize)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Sweeper.Interval != 60 || cfg.Sweeper.UploadTTL != 3600 {
		t.Errorf("sweeper = %+v", cfg.Sweeper)
	}

	// Unset fields still default.
	if cfg.Server.ShutdownTimeout != 30 {
		t.Errorf("ShutdownTimeout = %d, want 30", cfg.Server.ShutdownTimeout)
	}
	if cfg.Sweeper.OrphanGrace != 3600 {
		t.Errorf("OrphanGrace = %d, want 3600", cfg.Sweeper.OrphanGrace)
	}
}

func TestLoadFallsBackToExample(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "ghostbay.example.yaml", `
server:
  port: 9200
`)

	cfg, err := Load(filepath.Join(dir, "ghostbay.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("Port = %d, want 9200 from the example fallback", cfg.Server.Port)
	}
}

func TestLoadMissingEverywhere(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "ghostbay.yaml")); err == nil {
		t.Error("expected error when no config file exists")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "ghostbay.yaml", "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestTLSEnabled(t *testing.T) {
	tls := TLSConfig{CertPath: "cert.pem", KeyPath: "key.pem"}
	if !tls.Enabled() {
		t.Error("Enabled() = false with cert and key set")
	}
	if (TLSConfig{CertPath: "cert.pem"}).Enabled() {
		t.Error("Enabled() = true with only a cert")
	}
}

func TestDurationHelpers(t *testing.T) {
	sw := SweeperConfig{Interval: 60, OrphanGrace: 120, UploadTTL: 180}
	if sw.IntervalDuration() != time.Minute {
		t.Errorf("IntervalDuration = %v", sw.IntervalDuration())
	}
	if sw.OrphanGraceDuration() != 2*time.Minute {
		t.Errorf("OrphanGraceDuration = %v", sw.OrphanGraceDuration())
	}
	if sw.UploadTTLDuration() != 3*time.Minute {
		t.Errorf("UploadTTLDuration = %v", sw.UploadTTLDuration())
	}

	srv := ServerConfig{ShutdownTimeout: 45}
	if srv.ShutdownTimeoutDuration() != 45*time.Second {
		t.Errorf("ShutdownTimeoutDuration = %v", srv.ShutdownTimeoutDuration())
	}
}
