// Package sqlitestore is a mailbox.Channel persisted in a SQLite database.
//
// Change notifications are delivered in-process only, so a database file must
// not be shared between mailbox servers.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
)

type Store struct {
	db  *sql.DB
	hub *mailbox.Hub
	now func() time.Time

	// mu serializes writers so that hub notifications follow commit order.
	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id         TEXT PRIMARY KEY,
			callee_id  TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			version    INTEGER NOT NULL,
			doc        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS calls_incoming ON calls (callee_id, status, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS presence (
			user_id    TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create presence table: %w", err)
	}

	return &Store{db: db, hub: mailbox.NewHub(), now: time.Now}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) CreateCall(ctx context.Context, rec callrecord.Record) (callrecord.Record, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := rec.Validate(); err != nil {
		return callrecord.Record{}, err
	}
	rec = rec.Clone()
	rec.Version = 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("encode call: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return callrecord.Record{}, mailbox.ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, callee_id, status, created_at, version, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.CalleeID, string(rec.Status), rec.CreatedAt.UnixNano(), rec.Version, string(doc))
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("insert call: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return callrecord.Record{}, fmt.Errorf("%w: %s", mailbox.ErrCallExists, rec.ID)
	}
	s.publishLocked(ctx, rec, true)
	return rec.Clone(), nil
}

func (s *Store) GetCall(ctx context.Context, id string) (callrecord.Record, error) {
	if s.isClosed() {
		return callrecord.Record{}, mailbox.ErrClosed
	}
	return getCall(ctx, s.db, id)
}

func (s *Store) UpdateCall(ctx context.Context, id string, p callrecord.Patch) (callrecord.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return callrecord.Record{}, mailbox.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cur, err := getCall(ctx, tx, id)
	if err != nil {
		return callrecord.Record{}, err
	}
	next, err := callrecord.Apply(cur, p)
	if err != nil {
		return cur, err
	}
	next.Version = cur.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("encode call: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE calls SET status = ?, version = ?, doc = ? WHERE id = ?`,
		string(next.Status), next.Version, string(doc), id); err != nil {
		return callrecord.Record{}, fmt.Errorf("update call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return callrecord.Record{}, fmt.Errorf("commit: %w", err)
	}
	s.publishLocked(ctx, next, cur.Status != next.Status)
	return next.Clone(), nil
}

func (s *Store) SubscribeToCall(ctx context.Context, id string, fn mailbox.CallFunc) (mailbox.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, mailbox.ErrClosed
	}
	rec, err := getCall(ctx, s.db, id)
	exists := err == nil
	if err != nil && !errors.Is(err, mailbox.ErrNotFound) {
		return nil, err
	}
	w, unsub, err := s.hub.WatchCall(id, fn)
	if err != nil {
		return nil, err
	}
	w.Offer(rec, exists)
	return mailbox.BindContext(ctx, unsub), nil
}

func (s *Store) SubscribeToIncoming(ctx context.Context, calleeID string, fn mailbox.IncomingFunc) (mailbox.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, mailbox.ErrClosed
	}
	calls, err := s.incoming(ctx, calleeID)
	if err != nil {
		return nil, err
	}
	w, unsub, err := s.hub.WatchIncoming(calleeID, fn)
	if err != nil {
		return nil, err
	}
	w.Offer(calls)
	return mailbox.BindContext(ctx, unsub), nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, status mailbox.PresenceStatus) error {
	if _, err := mailbox.ParsePresenceStatus(string(status)); err != nil {
		return err
	}
	if s.isClosed() {
		return mailbox.ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		userID, string(status), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Presence returns the stored status for userID, defaulting to offline.
func (s *Store) Presence(ctx context.Context, userID string) (mailbox.PresenceStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM presence WHERE user_id = ?`, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return mailbox.PresenceOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence: %w", err)
	}
	return mailbox.PresenceStatus(status), nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// publishLocked must run with s.mu held.
func (s *Store) publishLocked(ctx context.Context, rec callrecord.Record, statusChanged bool) {
	s.hub.PublishCall(rec)
	if !statusChanged || !s.hub.HasIncomingWatchers(rec.CalleeID) {
		return
	}
	calls, err := s.incoming(context.WithoutCancel(ctx), rec.CalleeID)
	if err != nil {
		return
	}
	s.hub.PublishIncoming(rec.CalleeID, calls)
}

func (s *Store) incoming(ctx context.Context, calleeID string) ([]callrecord.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM calls WHERE callee_id = ? AND status = ? ORDER BY created_at, id`,
		calleeID, string(callrecord.StatusInitiated))
	if err != nil {
		return nil, fmt.Errorf("list incoming: %w", err)
	}
	defer rows.Close()

	var recs []callrecord.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		var rec callrecord.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode call: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mailbox.IncomingOf(recs, calleeID), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCall(ctx context.Context, q queryer, id string) (callrecord.Record, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM calls WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return callrecord.Record{}, fmt.Errorf("%w: %s", mailbox.ErrNotFound, id)
	}
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("get call: %w", err)
	}
	var rec callrecord.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return callrecord.Record{}, fmt.Errorf("decode call: %w", err)
	}
	return rec, nil
}
