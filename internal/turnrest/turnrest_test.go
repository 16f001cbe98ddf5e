package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
)

func fixedNow(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0).UTC() }
}

func TestForIdentity_Deterministic(t *testing.T) {
	g, err := NewGenerator(config.TurnRESTConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "aero",
	}, fixedNow(1_700_000_000))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.ForIdentity("alice")
	if err != nil {
		t.Fatalf("ForIdentity: %v", err)
	}
	if want := "1700003600:aero:alice"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}
	if want := time.Unix(1_700_003_600, 0).UTC(); !creds.Expires.Equal(want) {
		t.Fatalf("Expires=%v, want %v", creds.Expires, want)
	}
	if want := expectedCredential([]byte("shared-secret"), creds.Username); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestForIdentity_CredentialIsHMACSHA1(t *testing.T) {
	g, err := NewGenerator(config.TurnRESTConfig{SharedSecret: "secret", TTLSeconds: 1, UsernamePrefix: "pfx"}, fixedNow(0))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.ForIdentity("sid")
	if err != nil {
		t.Fatalf("ForIdentity: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length=%d, want %d", len(decoded), sha1.Size)
	}
}

func TestForIdentity_TagSanitized(t *testing.T) {
	g, err := NewGenerator(config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 10, UsernamePrefix: "aero"}, fixedNow(42))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.ForIdentity("urn:user:7")
	if err != nil {
		t.Fatalf("ForIdentity: %v", err)
	}
	if want := "52:aero:urn_user_7"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}

	anon, err := g.ForIdentity("  ")
	if err != nil {
		t.Fatalf("ForIdentity: %v", err)
	}
	if parts := strings.SplitN(anon.Username, ":", 3); len(parts) != 3 || parts[2] == "" {
		t.Fatalf("anonymous username=%q", anon.Username)
	}
}

func TestNewGenerator_Rejects(t *testing.T) {
	for _, cfg := range []config.TurnRESTConfig{
		{TTLSeconds: 10, UsernamePrefix: "aero"},
		{SharedSecret: "s", UsernamePrefix: "aero"},
		{SharedSecret: "s", TTLSeconds: 10},
		{SharedSecret: "s", TTLSeconds: 10, UsernamePrefix: "a:b"},
	} {
		if _, err := NewGenerator(cfg, nil); err == nil {
			t.Fatalf("NewGenerator(%+v) succeeded", cfg)
		}
	}
}

func TestApply_OnlyTURNEntries(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
	}
	out := Apply(servers, Credentials{Username: "u", Credential: "c"})
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry got credentials: %+v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "c" {
		t.Fatalf("turn entry=%+v, want credentials", out[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("input was modified")
	}
	if got := Apply([]webrtc.ICEServer{}, Credentials{}); got == nil {
		t.Fatalf("Apply(empty)=nil, want empty slice")
	}
}

func expectedCredential(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
