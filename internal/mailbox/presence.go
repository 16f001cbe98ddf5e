package mailbox

import (
	"context"
	"fmt"
	"sync"
)

type PresenceStatus string

const (
	PresenceOnline        PresenceStatus = "online"
	PresenceOffline       PresenceStatus = "offline"
	PresenceInCall        PresenceStatus = "incall"
	PresenceCallInitiated PresenceStatus = "callinitiated"
)

func ParsePresenceStatus(raw string) (PresenceStatus, error) {
	switch s := PresenceStatus(raw); s {
	case PresenceOnline, PresenceOffline, PresenceInCall, PresenceCallInitiated:
		return s, nil
	default:
		return "", fmt.Errorf("invalid presence status %q", raw)
	}
}

// Presence publishes a user's availability to other users.
type Presence interface {
	SetPresence(ctx context.Context, userID string, status PresenceStatus) error
}

// PresenceBook is an in-memory Presence.
type PresenceBook struct {
	mu    sync.Mutex
	users map[string]PresenceStatus
}

func NewPresenceBook() *PresenceBook {
	return &PresenceBook{users: make(map[string]PresenceStatus)}
}

func (b *PresenceBook) SetPresence(ctx context.Context, userID string, status PresenceStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := ParsePresenceStatus(string(status)); err != nil {
		return err
	}
	b.mu.Lock()
	b.users[userID] = status
	b.mu.Unlock()
	return nil
}

// Get returns the last known status, defaulting to offline.
func (b *PresenceBook) Get(userID string) PresenceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.users[userID]; ok {
		return s
	}
	return PresenceOffline
}

func (b *PresenceBook) Snapshot() map[string]PresenceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]PresenceStatus, len(b.users))
	for k, v := range b.users {
		out[k] = v
	}
	return out
}
