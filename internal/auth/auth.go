// Package auth maps mailbox connection credentials to a caller identity.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier returns the identity a credential speaks for.
type Verifier interface {
	Verify(credential string) (identity string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// NoneVerifier trusts the identity the client claims. Development only.
type NoneVerifier struct{}

func (NoneVerifier) Verify(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrMissingCredentials
	}
	if !validIdentity(identity) {
		return "", ErrInvalidCredentials
	}
	return identity, nil
}

func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		if identity := q.Get("identity"); identity != "" {
			return identity, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// WireAuthMessage is the first frame a client sends when it did not put its
// credential in the query string.
type WireAuthMessage struct {
	ID       int64  `json:"id,omitempty"`
	Op       string `json:"op"`
	Token    string `json:"token,omitempty"`
	Identity string `json:"identity,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	switch mode {
	case config.AuthModeNone:
		if msg.Identity != "" {
			return msg.Identity, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if msg.Token != "" {
			return msg.Token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// validIdentity rejects identities that cannot round-trip through store keys.
func validIdentity(s string) bool {
	if len(s) > 256 {
		return false
	}
	for _, r := range s {
		if r < 0x21 || r == 0x7f {
			return false
		}
	}
	return true
}
