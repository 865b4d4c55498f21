// Package config handles loading and parsing of GhostBay configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for GhostBay.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	Catalog CatalogConfig `yaml:"catalog"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Sweeper SweeperConfig `yaml:"sweeper"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxObjectSize is the maximum accepted object (or part) size in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// TLSConfig holds optional TLS termination settings. TLS is active when
// both CertPath and KeyPath are set; the security response headers are
// applied whenever TLS is active.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	// HTTPSPort is the TLS listening port. Zero means Server.Port.
	HTTPSPort int `yaml:"https_port"`
	// RedirectHTTP keeps the plain listener up and answers every request
	// on it with a 301 to the HTTPS origin.
	RedirectHTTP bool `yaml:"redirect_http"`
}

// Enabled reports whether TLS termination is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertPath != "" && t.KeyPath != ""
}

// AuthConfig holds the bootstrap credential seeded into the access_keys
// table on startup when absent. Further keys are managed with ghostbay-admin.
type AuthConfig struct {
	BootstrapAccessKey string `yaml:"bootstrap_access_key"`
	BootstrapSecretKey string `yaml:"bootstrap_secret_key"`
}

// CatalogConfig holds catalog store settings.
type CatalogConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// StorageConfig holds storage engine settings.
type StorageConfig struct {
	// DataDir is the root directory for durable object files.
	DataDir string `yaml:"data_dir"`
	// TempDir is the root for in-progress writes and multipart part files.
	TempDir string `yaml:"temp_dir"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SweeperConfig holds background reclamation settings.
type SweeperConfig struct {
	// Interval between sweep passes, in seconds.
	Interval int `yaml:"interval"`
	// OrphanGrace is the minimum age, in seconds, of a blob with no
	// catalog row before the orphan sweeper removes it.
	OrphanGrace int `yaml:"orphan_grace"`
	// UploadTTL is the multipart upload lifetime in seconds. Uploads
	// older than this are aborted by the sweeper.
	UploadTTL int `yaml:"upload_ttl"`
}

// IntervalDuration returns the sweep cadence as a time.Duration.
func (s SweeperConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// OrphanGraceDuration returns the orphan grace window as a time.Duration.
func (s SweeperConfig) OrphanGraceDuration() time.Duration {
	return time.Duration(s.OrphanGrace) * time.Second
}

// UploadTTLDuration returns the multipart upload lifetime as a time.Duration.
func (s SweeperConfig) UploadTTLDuration() time.Duration {
	return time.Duration(s.UploadTTL) * time.Second
}

// ShutdownTimeoutDuration returns the graceful shutdown window as a
// time.Duration.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies defaults for unset values. If the primary
// path fails, it falls back to ghostbay.example.yaml in the same or
// parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "ghostbay.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "ghostbay.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 5 * 1024 * 1024 * 1024 // 5 GiB
	}
	if cfg.Auth.BootstrapAccessKey == "" {
		cfg.Auth.BootstrapAccessKey = "ghostbay"
	}
	if cfg.Auth.BootstrapSecretKey == "" {
		cfg.Auth.BootstrapSecretKey = "ghostbay-secret"
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "./data/catalog.db"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data/objects"
	}
	if cfg.Storage.TempDir == "" {
		cfg.Storage.TempDir = "./data/tmp"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = 3600
	}
	if cfg.Sweeper.OrphanGrace == 0 {
		cfg.Sweeper.OrphanGrace = 3600
	}
	if cfg.Sweeper.UploadTTL == 0 {
		cfg.Sweeper.UploadTTL = 7 * 24 * 3600
	}
	if cfg.TLS.HTTPSPort == 0 {
		cfg.TLS.HTTPSPort = cfg.Server.Port
	}
}
