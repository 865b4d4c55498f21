// Package main is the entry point for the GhostBay S3-compatible object
// storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/CK-Technology/ghostbay/internal/catalog"
	"github.com/CK-Technology/ghostbay/internal/config"
	"github.com/CK-Technology/ghostbay/internal/logging"
	"github.com/CK-Technology/ghostbay/internal/metrics"
	"github.com/CK-Technology/ghostbay/internal/server"
	"github.com/CK-Technology/ghostbay/internal/storage"
	"github.com/CK-Technology/ghostbay/internal/sweeper"
)

func main() {
	configPath := flag.String("config", "ghostbay.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxObjectSize := flag.Int64("max-object-size", 0, "maximum object size in bytes (default: from config or 5368709120)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	// Crash-only design: every startup is recovery. No special recovery
	// mode. Steps that would normally be "recovery" run on every boot:
	// - SQLite WAL auto-recovers on open
	// - scratch file cleanup (below)
	// - expired upload and orphan blob reaping (sweeper, immediately on start)
	// - bootstrap credential seeding (below)

	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create catalog directory: %v\n", err)
		os.Exit(1)
	}
	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open catalog: %v\n", err)
		os.Exit(1)
	}
	defer cat.Close()

	// Seed the bootstrap credential (idempotent).
	if err := cat.SeedAccessKey(context.Background(), cfg.Auth.BootstrapAccessKey, cfg.Auth.BootstrapSecretKey); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed bootstrap credential: %v\n", err)
		os.Exit(1)
	}

	engine, err := storage.NewEngine(cfg.Storage.DataDir, cfg.Storage.TempDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage engine: %v\n", err)
		os.Exit(1)
	}
	// Crash-only recovery: drop scratch files from interrupted writes.
	if err := engine.CleanScratchFiles(); err != nil {
		slog.Warn("Failed to clean scratch files", "error", err)
	}
	slog.Info("Storage engine initialized", "dataDir", cfg.Storage.DataDir, "tempDir", cfg.Storage.TempDir)

	// Background reclamation: orphan blobs, expired uploads, expired keys.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sw := sweeper.New(cat, engine, cfg.Sweeper.IntervalDuration(), cfg.Sweeper.OrphanGraceDuration())
	go sw.Run(sweepCtx)

	srv := server.New(cfg, cat, engine)

	errCh := make(chan error, 1)
	if cfg.TLS.Enabled() {
		tlsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.TLS.HTTPSPort)
		go func() {
			slog.Info("GhostBay listening (TLS)", "addr", tlsAddr)
			if err := srv.ListenAndServeTLS(tlsAddr, cfg.TLS.CertPath, cfg.TLS.KeyPath); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		if cfg.TLS.RedirectHTTP {
			redirectAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			go func() {
				slog.Info("HTTP redirect listener", "addr", redirectAddr)
				err := http.ListenAndServe(redirectAddr, redirectHandler(cfg.TLS.HTTPSPort))
				if err != nil && err != http.ErrServerClosed {
					slog.Error("HTTP redirect listener failed", "error", err)
				}
			}()
		}
	} else {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("GhostBay listening", "addr", addr)
			if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()
	}

	// SIGTERM/SIGINT: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No cleanup, crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		stopSweeper()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// redirectHandler answers every plain-HTTP request with a 301 to the
// HTTPS origin on httpsPort.
func redirectHandler(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if i := lastColon(host); i >= 0 {
			host = host[:i]
		}
		target := fmt.Sprintf("https://%s:%d%s", host, httpsPort, r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// lastColon returns the index of the port separator in a host:port
// string, or -1. IPv6 literals keep their brackets.
func lastColon(host string) int {
	for i := len(host) - 1; i >= 0; i-- {
		switch host[i] {
		case ':':
			return i
		case ']':
			return -1
		}
	}
	return -1
}
