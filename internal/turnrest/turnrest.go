// Package turnrest mints coturn-compatible TURN REST credentials so call
// endpoints never see the long-lived TURN shared secret.
//
//	username   = <unix_expiry>:<prefix>:<identity or random id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
)

type Generator struct {
	sharedSecret []byte
	ttl          time.Duration
	prefix       string
	now          func() time.Time
}

type Credentials struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	Expires    time.Time `json:"expires"`
}

func NewGenerator(cfg config.TurnRESTConfig, now func() time.Time) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turn rest: shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turn rest: ttl must be > 0")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turn rest: username prefix must be non-empty and must not contain ':'")
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		sharedSecret: []byte(cfg.SharedSecret),
		ttl:          time.Duration(cfg.TTLSeconds) * time.Second,
		prefix:       cfg.UsernamePrefix,
		now:          now,
	}, nil
}

// ForIdentity mints credentials tagged with identity so TURN logs can be
// correlated with calls. An empty identity gets a random tag.
func (g *Generator) ForIdentity(identity string) (Credentials, error) {
	tag := strings.ReplaceAll(strings.TrimSpace(identity), ":", "_")
	if tag == "" {
		tag = uuid.NewString()
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, tag)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers with creds set on every TURN entry.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.HasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
