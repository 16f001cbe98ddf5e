// Package backend opens the mailbox store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox/mongostore"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox/redisstore"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox/sqlitestore"
)

type Backend struct {
	Kind     config.MailboxBackend
	Channel  mailbox.Channel
	Presence mailbox.Presence

	ready func(ctx context.Context) error
	close func() error
}

// Ready reports whether the store is reachable. Backends without a probe are
// always ready.
func (b *Backend) Ready(ctx context.Context) error {
	if b.ready == nil {
		return nil
	}
	return b.ready(ctx)
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to the backend named by cfg.MailboxBackend.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.MailboxBackend {
	case config.MailboxBackendMemory, "":
		mem := mailbox.NewMemory()
		logger.Info("mailbox backend", "backend", config.MailboxBackendMemory)
		return &Backend{
			Kind:     config.MailboxBackendMemory,
			Channel:  mem,
			Presence: mailbox.NewPresenceBook(),
			close:    mem.Close,
		}, nil

	case config.MailboxBackendSQLite:
		s, err := sqlitestore.Open(cfg.MailboxURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite mailbox: %w", err)
		}
		logger.Info("mailbox backend", "backend", cfg.MailboxBackend, "path", cfg.MailboxURL)
		return &Backend{Kind: cfg.MailboxBackend, Channel: s, Presence: s, close: s.Close}, nil

	case config.MailboxBackendRedis:
		s := redisstore.Dial(cfg.MailboxURL, cfg.MailboxPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping redis mailbox: %w", err)
		}
		logger.Info("mailbox backend", "backend", cfg.MailboxBackend, "prefix", cfg.MailboxPrefix)
		return &Backend{Kind: cfg.MailboxBackend, Channel: s, Presence: s, ready: s.Ping, close: s.Close}, nil

	case config.MailboxBackendMongo:
		s, err := mongostore.Connect(ctx, cfg.MailboxURL, cfg.MailboxDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo mailbox: %w", err)
		}
		logger.Info("mailbox backend", "backend", cfg.MailboxBackend, "database", cfg.MailboxDatabase)
		return &Backend{Kind: cfg.MailboxBackend, Channel: s, Presence: s, ready: s.Ping, close: s.Close}, nil

	default:
		return nil, fmt.Errorf("unknown mailbox backend %q", cfg.MailboxBackend)
	}
}
