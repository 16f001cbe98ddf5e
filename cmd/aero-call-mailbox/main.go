package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/httpserver"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox/backend"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const backendConnectTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		os.Exit(runIssueToken(os.Args[2:], os.Stdout, os.Stderr, time.Now))
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-call-mailbox",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"mailbox_backend", cfg.MailboxBackend,
		"auth_mode", cfg.AuthMode,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)

	openCtx, cancelOpen := context.WithTimeout(context.Background(), backendConnectTimeout)
	store, err := backend.Open(openCtx, cfg, logger)
	cancelOpen()
	if err != nil {
		logger.Error("failed to open mailbox backend", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	mailboxWS, err := signaling.NewWebSocketServer(signaling.Options{
		Config:   cfg,
		Store:    store.Channel,
		Presence: store.Presence,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to configure mailbox websocket server", "err", err)
		os.Exit(2)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(httpserver.Options{
		Config:  cfg,
		Logger:  logger,
		Build:   httpserver.BuildInfo{Commit: commit, BuildTime: built},
		Metrics: m,
		Mailbox: mailboxWS,
		Ready:   store.Ready,
	})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		_ = store.Close()
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

	// Hijacked websocket connections are not tracked by Shutdown; closing the
	// store ends their subscriptions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("mailbox backend close failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
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
	return commit, buildTime
}
