package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
)

func roundTrip(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	rec := callrecord.New("c1", "alice", "bob", "Alice", "Bob", time.Now())
	if _, err := b.Channel.CreateCall(ctx, rec); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	got, err := b.Channel.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.CallerID != "alice" || got.Status != callrecord.StatusInitiated {
		t.Fatalf("got=%+v", got)
	}
	if err := b.Presence.SetPresence(ctx, "alice", mailbox.PresenceOnline); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	if err := b.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), config.Config{MailboxBackend: config.MailboxBackendMemory}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	roundTrip(t, b)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Channel.GetCall(context.Background(), "c1"); !errors.Is(err, mailbox.ErrClosed) {
		t.Fatalf("GetCall after Close err=%v, want ErrClosed", err)
	}
}

func TestOpen_SQLite(t *testing.T) {
	cfg := config.Config{
		MailboxBackend: config.MailboxBackendSQLite,
		MailboxURL:     filepath.Join(t.TempDir(), "db", "mailbox.db"),
	}
	b, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	roundTrip(t, b)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{
		MailboxBackend: config.MailboxBackendRedis,
		MailboxURL:     "redis://" + mr.Addr(),
		MailboxPrefix:  "test:",
	}
	b, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	roundTrip(t, b)
	if !mr.Exists("test:call:c1") {
		t.Fatalf("call key missing; keys=%v", mr.Keys())
	}

	mr.Close()
	if err := b.Ready(context.Background()); err == nil {
		t.Fatalf("Ready succeeded with redis down")
	}
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Open(ctx, config.Config{MailboxBackend: config.MailboxBackendRedis, MailboxURL: addr}, nil)
	if err == nil {
		t.Fatalf("Open succeeded against a closed server")
	}
}

func TestOpen_Unknown(t *testing.T) {
	if _, err := Open(context.Background(), config.Config{MailboxBackend: "etcd"}, nil); err == nil {
		t.Fatalf("Open accepted an unknown backend")
	}
}
