package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/auth"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/turnrest"
)

// iceHandler serves GET /webrtc/ice. With TURN REST enabled every response
// carries freshly minted TURN credentials; in jwt mode those are only handed
// to callers with a valid token.
type iceHandler struct {
	cfg      config.Config
	verifier auth.Verifier
	turn     *turnrest.Generator
}

func newICEHandler(cfg config.Config) (*iceHandler, error) {
	h := &iceHandler{cfg: cfg}
	if cfg.AuthMode != "" {
		v, err := auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		h.verifier = v
	}
	if cfg.TURNREST.Enabled() {
		g, err := turnrest.NewGenerator(cfg.TURNREST, time.Now)
		if err != nil {
			return nil, err
		}
		h.turn = g
	}
	return h, nil
}

func (h *iceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := h.cfg.ICEServers
	resp := map[string]any{}
	if h.turn != nil {
		identity, err := h.identity(r)
		if err != nil {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
			return
		}
		creds, err := h.turn.ForIdentity(identity)
		if err != nil {
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint turn credentials"})
			return
		}
		servers = turnrest.Apply(servers, creds)
		resp["expires"] = creds.Expires
	}
	cfg := h.cfg
	cfg.ICEServers = servers
	resp["iceServers"] = cfg.PeerConnectionICEServers()
	WriteJSON(w, http.StatusOK, resp)
}

// identity resolves the caller from a bearer token or the auth query
// parameter. Anonymous callers are only allowed in auth mode none.
func (h *iceHandler) identity(r *http.Request) (string, error) {
	cred := bearerToken(r)
	if cred == "" && h.verifier != nil {
		c, err := auth.CredentialFromQuery(h.cfg.AuthMode, r.URL.Query())
		if err != nil && !errors.Is(err, auth.ErrMissingCredentials) {
			return "", err
		}
		cred = c
	}
	if cred == "" {
		if h.cfg.AuthMode == config.AuthModeJWT {
			return "", auth.ErrMissingCredentials
		}
		return "", nil
	}
	if h.verifier == nil {
		return "", nil
	}
	return h.verifier.Verify(cred)
}

func bearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
