package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox/mailboxtest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := Dial(mr.Addr(), "")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore(t *testing.T) {
	mailboxtest.Run(t, func(t *testing.T) mailbox.Channel {
		s, _ := newTestStore(t)
		return s
	})
}

func TestStore_Keys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateCall(ctx, mailboxtest.NewRecord("c1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if !mr.Exists("aero:call:c1") {
		t.Fatalf("call key missing; keys=%v", mr.Keys())
	}
	members, err := mr.ZMembers("aero:incoming:bob")
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "c1" {
		t.Fatalf("incoming index=%v, want [c1]", members)
	}

	if _, err := s.UpdateCall(ctx, "c1", callrecord.StatusPatch(callrecord.StatusConnected)); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	if mr.Exists("aero:incoming:bob") {
		members, _ := mr.ZMembers("aero:incoming:bob")
		if len(members) != 0 {
			t.Fatalf("incoming index=%v after connect, want empty", members)
		}
	}
}

func TestStore_DialURL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := Dial("redis://"+mr.Addr()+"/0", "test:")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := s.CreateCall(ctx, mailboxtest.NewRecord("c1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if !mr.Exists("test:call:c1") {
		t.Fatalf("prefixed key missing; keys=%v", mr.Keys())
	}
}

func TestStore_SharedBetweenClients(t *testing.T) {
	mr := miniredis.RunT(t)
	a := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer a.rdb.Close()
	defer b.rdb.Close()
	ctx := context.Background()

	snaps := make(chan callrecord.Record, 8)
	unsub, err := b.SubscribeToCall(ctx, "c1", func(rec callrecord.Record, exists bool) {
		if exists {
			snaps <- rec
		}
	})
	if err != nil {
		t.Fatalf("SubscribeToCall: %v", err)
	}
	defer unsub()

	if _, err := a.CreateCall(ctx, mailboxtest.NewRecord("c1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	select {
	case rec := <-snaps:
		if rec.ID != "c1" || rec.Version != 1 {
			t.Fatalf("rec=%+v", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber on another client saw no create")
	}
}

func TestStore_Presence(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.SetPresence(ctx, "alice", mailbox.PresenceInCall); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	if got := mr.HGet("aero:presence", "alice"); got != "incall" {
		t.Fatalf("stored=%q, want incall", got)
	}
	got, err := s.Presence(ctx, "bob")
	if err != nil {
		t.Fatalf("Presence: %v", err)
	}
	if got != mailbox.PresenceOffline {
		t.Fatalf("default=%q, want offline", got)
	}
}
