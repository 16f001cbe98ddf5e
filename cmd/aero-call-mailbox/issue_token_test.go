package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/auth"
)

func TestIssueToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("JWT_TTL", "1h")
	now := time.Now()

	var stdout, stderr bytes.Buffer
	code := runIssueToken([]string{"--identity", "alice", "--name", "Alice"}, &stdout, &stderr, func() time.Time { return now })
	if code != 0 {
		t.Fatalf("exit=%d, want 0; stderr=%q", code, stderr.String())
	}

	claims, err := auth.NewJWTVerifier("s3cret").Claims(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.Subject != "alice" || claims.Name != "Alice" {
		t.Fatalf("claims=%+v", claims)
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Fatalf("lifetime=%v, want 1h", got)
	}
}

func TestIssueToken_RequiresSecretAndIdentity(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	var stdout, stderr bytes.Buffer
	if code := runIssueToken([]string{"--identity", "alice"}, &stdout, &stderr, time.Now); code != 2 {
		t.Fatalf("exit without secret=%d, want 2", code)
	}

	t.Setenv("JWT_SECRET", "s3cret")
	stderr.Reset()
	if code := runIssueToken(nil, &stdout, &stderr, time.Now); code != 2 {
		t.Fatalf("exit without identity=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "--identity") {
		t.Fatalf("stderr=%q, want mention of --identity", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout=%q, want empty", stdout.String())
	}
}
