package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/call"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/incoming"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox/backend"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox/wsclient"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation/devices"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/turnrest"
)

const (
	connectTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// endpoint is the agent's view of the mailbox.
type endpoint struct {
	identity string
	channel  mailbox.Channel
	presence mailbox.Presence
	// lost is closed when a remote mailbox connection drops; nil for local
	// stores.
	lost  <-chan struct{}
	cause func() error
	close func() error
}

// openEndpoint dials the remote mailbox when one is configured and opens the
// local store otherwise.
func openEndpoint(ctx context.Context, cfg config.Config, logger *slog.Logger) (*endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if cfg.Agent.MailboxURL != "" {
		c, err := wsclient.Dial(ctx, wsclient.Options{
			URL:      cfg.Agent.MailboxURL,
			Identity: cfg.Agent.Identity,
			Token:    cfg.Agent.Token,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Agent.Identity != "" && c.Identity() != cfg.Agent.Identity {
			_ = c.Close()
			return nil, fmt.Errorf("mailbox authenticated us as %q, want %q", c.Identity(), cfg.Agent.Identity)
		}
		return &endpoint{
			identity: c.Identity(),
			channel:  c,
			presence: c,
			lost:     c.Done(),
			cause:    c.Err,
			close:    c.Close,
		}, nil
	}

	if cfg.Agent.Identity == "" {
		return nil, errors.New("--identity is required without --mailbox-ws-url")
	}
	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &endpoint{
		identity: cfg.Agent.Identity,
		channel:  b.Channel,
		presence: b.Presence,
		close:    b.Close,
	}, nil
}

func mediaSource(cfg config.Config, logger *slog.Logger) (negotiation.MediaSource, error) {
	switch cfg.Agent.MediaSource {
	case config.MediaSourceDevices:
		src, err := devices.NewSource(logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return negotiation.SyntheticSource{}, nil
	}
}

// iceServers returns the configured ICE servers with TURN REST credentials
// minted for identity when a shared secret is set.
func iceServers(cfg config.Config, identity string, now func() time.Time) ([]webrtc.ICEServer, error) {
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(cfg.TURNREST, now)
		if err != nil {
			return nil, err
		}
		creds, err := gen.ForIdentity(identity)
		if err != nil {
			return nil, err
		}
		cfg.ICEServers = turnrest.Apply(cfg.ICEServers, creds)
	}
	return cfg.PeerConnectionICEServers(), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	if err := cfg.ICEConfigError(); err != nil {
		return err
	}

	source, err := mediaSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("media source: %w", err)
	}
	api, err := negotiation.NewAPI(cfg, source, logger)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	ep, err := openEndpoint(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}
	defer func() { err = multierr.Append(err, ep.close()) }()

	logger = logger.With("identity", ep.identity)
	servers, err := iceServers(cfg, ep.identity, time.Now)
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}

	m := metrics.New()
	var watcher *incoming.Watcher
	manager := call.NewManager(call.ManagerOptions{
		Identity:  ep.identity,
		Name:      cfg.Agent.Name,
		Channel:   ep.channel,
		Presence:  ep.presence,
		NewEngine: call.PionEngines(api, source, logger),
		EngineConfig: negotiation.Config{
			ICEServers:           servers,
			ICECandidatePoolSize: cfg.ICECandidatePoolSize,
			BundlePolicy:         cfg.BundlePolicy,
			RTCPMuxPolicy:        cfg.RTCPMuxPolicy,
			ICERestartDelay:      cfg.ICERestartDelay,
		},
		UI: logUI{logger: logger},
		Retry: call.Retry{
			Attempts:  cfg.SignalingWriteAttempts,
			BaseDelay: cfg.SignalingWriteBaseDelay,
		},
		Metrics: m,
		Logger:  logger,
		OnIdle: func() {
			if watcher != nil {
				watcher.Rescan()
			}
		},
	})

	handler := &ringHandler{logger: logger}
	watcher = incoming.New(incoming.Options{
		Identity:   ep.identity,
		Channel:    ep.channel,
		Handler:    handler,
		Acceptor:   manager,
		Busy:       manager.Busy,
		RingWindow: cfg.RingWindow,
		Metrics:    m,
		Logger:     logger,
	})
	defer watcher.Close()
	if cfg.Agent.AutoAccept {
		handler.accept = func(callID string) {
			if err := watcher.Accept(ctx, callID); err != nil {
				logger.Warn("auto-accept failed", "call_id", callID, "err", err)
			}
		}
	}

	if err := ep.presence.SetPresence(ctx, ep.identity, mailbox.PresenceOnline); err != nil {
		logger.Warn("presence update failed", "err", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	logger.Info("agent ready",
		"auto_accept", cfg.Agent.AutoAccept,
		"media_source", cfg.Agent.MediaSource,
		"remote_mailbox", cfg.Agent.MailboxURL != "",
	)

	if cfg.Agent.Call != "" {
		callID, err := manager.StartCall(ctx, cfg.Agent.Call, "")
		if err != nil {
			return fmt.Errorf("call %s: %w", cfg.Agent.Call, err)
		}
		logger.Info("calling", "call_id", callID, "callee_id", cfg.Agent.Call)
	}

	var lostErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-ep.lost:
		lostErr = ep.cause()
		logger.Error("mailbox connection lost", "err", lostErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	watcher.Stop()
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("call teardown did not finish", "err", err)
	}
	if lostErr == nil {
		if err := ep.presence.SetPresence(shutdownCtx, ep.identity, mailbox.PresenceOffline); err != nil {
			logger.Warn("presence update failed", "err", err)
		}
	}
	return lostErr
}
