package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/voicelink/voicelink/internal/config"
	"github.com/voicelink/voicelink/internal/httpserver"
	"github.com/voicelink/voicelink/internal/ice"
	"github.com/voicelink/voicelink/internal/match"
	"github.com/voicelink/voicelink/internal/metrics"
	"github.com/voicelink/voicelink/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting voicelink",
		"listen_addr", cfg.ListenAddr,
		"tls", cfg.TLSEnabled(),
		"public_dir", cfg.PublicDir,
		"provider_configured", cfg.ProviderURL != "",
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
	)

	counters := metrics.New()

	engine := match.NewEngine(match.Options{
		Logger: logger.With("component", "match"),
	})

	provider := ice.NewProvider(ice.Config{
		URL:     cfg.ProviderURL,
		ID:      cfg.ProviderID,
		Secret:  cfg.ProviderSecret,
		Timeout: cfg.ProviderTimeout,
		Logger:  logger.With("component", "ice"),
	})

	sig := signaling.NewServer(signaling.Config{
		Engine:               engine,
		Provider:             provider,
		Metrics:              counters,
		Logger:               logger.With("component", "signaling"),
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendBuffer:           cfg.ClientSendBuffer,
		PingInterval:         cfg.PingInterval,
		CredentialTimeout:    cfg.ProviderTimeout,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), engine)
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(counters))

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			errCh <- srv.ServeTLS(ln)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
