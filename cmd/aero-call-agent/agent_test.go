package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/incoming"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/signaling"
)

func TestICEServers_TurnREST(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
		},
		TURNREST: config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "aero"},
	}
	now := time.Unix(1000, 0)
	servers, err := iceServers(cfg, "alice", func() time.Time { return now })
	if err != nil {
		t.Fatalf("iceServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%+v, want stun and turn", servers)
	}
	if servers[0].Username != "" {
		t.Fatalf("stun entry got credentials: %+v", servers[0])
	}
	if servers[1].Username != "1060:aero:alice" {
		t.Fatalf("turn username=%q, want 1060:aero:alice", servers[1].Username)
	}
	if cred, _ := servers[1].Credential.(string); cred == "" {
		t.Fatalf("turn credential missing")
	}
}

func TestICEServers_DropsTurnWithoutCredentials(t *testing.T) {
	cfg := config.Config{ICEServers: []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com"}}}}
	servers, err := iceServers(cfg, "alice", time.Now)
	if err != nil {
		t.Fatalf("iceServers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != config.DefaultSTUNURL {
		t.Fatalf("servers=%+v, want default stun", servers)
	}
}

func TestRingHandler_AutoAccept(t *testing.T) {
	accepted := make(chan string, 1)
	h := &ringHandler{logger: slog.Default(), accept: func(id string) { accepted <- id }}
	h.Ringing(incoming.Ring{Call: callrecord.Record{ID: "c1", CallerID: "alice"}})

	select {
	case id := <-accepted:
		if id != "c1" {
			t.Fatalf("accepted %q, want c1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("ring was not accepted")
	}

	quiet := &ringHandler{logger: slog.Default()}
	quiet.Ringing(incoming.Ring{Call: callrecord.Record{ID: "c2"}})
}

func TestOpenEndpoint_LocalRequiresIdentity(t *testing.T) {
	_, err := openEndpoint(context.Background(), config.Config{MailboxBackend: config.MailboxBackendMemory}, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "--identity") {
		t.Fatalf("err=%v, want missing identity", err)
	}
}

func TestOpenEndpoint_Local(t *testing.T) {
	cfg := config.Config{MailboxBackend: config.MailboxBackendMemory}
	cfg.Agent.Identity = "alice"
	ep, err := openEndpoint(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("openEndpoint: %v", err)
	}
	defer ep.close()
	if ep.identity != "alice" || ep.lost != nil {
		t.Fatalf("endpoint=%+v", ep)
	}
	if _, err := ep.channel.CreateCall(context.Background(), callrecord.New("c1", "alice", "bob", "", "", time.Now())); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
}

func TestOpenEndpoint_Remote(t *testing.T) {
	mem := mailbox.NewMemory()
	defer mem.Close()
	srv, err := signaling.NewWebSocketServer(signaling.Options{
		Config: config.Config{
			AuthMode:                      config.AuthModeNone,
			SignalingAuthTimeout:          2 * time.Second,
			SignalingWSIdleTimeout:        30 * time.Second,
			MaxSignalingMessageBytes:      64 * 1024,
			MaxSignalingMessagesPerSecond: 100,
		},
		Store:    mem,
		Presence: mailbox.NewPresenceBook(),
	})
	if err != nil {
		t.Fatalf("NewWebSocketServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := config.Config{}
	cfg.Agent.Identity = "bob"
	cfg.Agent.MailboxURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/mailbox/ws"
	ep, err := openEndpoint(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("openEndpoint: %v", err)
	}
	if ep.identity != "bob" || ep.lost == nil {
		t.Fatalf("endpoint identity=%q lost=%v", ep.identity, ep.lost)
	}
	if err := ep.presence.SetPresence(context.Background(), "bob", mailbox.PresenceOnline); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}

	if err := ep.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-ep.lost:
	case <-time.After(5 * time.Second):
		t.Fatalf("lost not closed after close")
	}
}
