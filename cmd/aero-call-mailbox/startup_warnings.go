package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client claim any identity",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MailboxBackend == config.MailboxBackendMemory {
		logger.Warn("startup warning: MAILBOX_BACKEND=memory while --mode=prod (calls are lost on restart and not shared between replicas)",
			"warning_code", "memory_backend_in_prod",
			"mailbox_backend", cfg.MailboxBackend,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && cfg.JWTTTL > 7*24*time.Hour {
		logger.Warn("startup security warning: JWT_TTL is very long (issued tokens cannot be revoked)",
			"warning_code", "jwt_ttl_long",
			"jwt_ttl", cfg.JWTTTL,
			"mode", cfg.Mode,
		)
	}

	// SDP bodies with many candidates stay well under this.
	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_max_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: TURN REST credentials are handed to unauthenticated callers",
			"warning_code", "turn_rest_without_auth",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}
}
