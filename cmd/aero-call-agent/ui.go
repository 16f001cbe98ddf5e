package main

import (
	"log/slog"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/call"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/incoming"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
)

// logUI renders a call as log lines.
type logUI struct {
	logger *slog.Logger
}

func (u logUI) OnLocalStream(local *negotiation.LocalMedia) {
	u.logger.Info("local media ready", "tracks", len(local.Tracks))
}

func (u logUI) OnRemoteStream(remote negotiation.RemoteStream) {
	attrs := []any{"stream_id", remote.ID}
	if remote.Track != nil {
		attrs = append(attrs, "kind", remote.Track.Kind().String(), "codec", remote.Track.Codec().MimeType)
	}
	u.logger.Info("remote stream", attrs...)
}

func (u logUI) OnConnectionStatus(text string) {
	u.logger.Info("call status", "status", text)
}

func (u logUI) OnError(kind call.ErrorKind, message string) {
	u.logger.Error("call error", "kind", kind, "message", message)
}

// ringHandler logs incoming calls and accepts them when accept is set.
type ringHandler struct {
	logger *slog.Logger
	accept func(callID string)
}

func (h *ringHandler) Ringing(r incoming.Ring) {
	h.logger.Info("incoming call",
		"call_id", r.Call.ID,
		"caller_id", r.Call.CallerID,
		"caller_name", r.Call.CallerName,
		"expires_at", r.ExpiresAt,
	)
	if h.accept != nil {
		// Accept re-enters the watcher, which is delivering this callback.
		go h.accept(r.Call.ID)
	}
}

func (h *ringHandler) RingCancelled(callID string, reason incoming.CancelReason) {
	h.logger.Info("incoming call gone", "call_id", callID, "reason", reason)
}
