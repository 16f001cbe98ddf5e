// Package redisstore is a mailbox.Channel backed by Redis.
//
// Each call is a JSON string key. Initiated calls are indexed per callee in a
// sorted set scored by creation time. Writes use WATCH/MULTI so patches are
// applied against the latest record, and every committed write is announced
// on a pub/sub channel so that several mailbox servers can share one Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
)

const (
	DefaultPrefix = "aero:"

	maxTxAttempts = 64
)

type Store struct {
	rdb    *redis.Client
	prefix string
	owned  bool
	now    func() time.Time
}

// Dial connects to addr, which may be a redis:// URL or a bare host:port.
func Dial(addr, prefix string) *Store {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}
	s := New(rdb, prefix)
	s.owned = true
	return s
}

// New wraps an existing client. The client is not closed by Close.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}

func (s *Store) callKey(id string) string           { return s.prefix + "call:" + id }
func (s *Store) incomingKey(calleeID string) string { return s.prefix + "incoming:" + calleeID }
func (s *Store) presenceKey() string                { return s.prefix + "presence" }

// Pub/sub channels live in their own namespace from keys.
func (s *Store) callTopic(id string) string { return s.prefix + "events:call:" + id }
func (s *Store) incomingTopic(calleeID string) string {
	return s.prefix + "events:incoming:" + calleeID
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

	ok, err := s.rdb.SetNX(ctx, s.callKey(rec.ID), doc, 0).Result()
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("create call: %w", err)
	}
	if !ok {
		return callrecord.Record{}, fmt.Errorf("%w: %s", mailbox.ErrCallExists, rec.ID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.incomingKey(rec.CalleeID), &redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.ID,
		})
		pipe.Publish(ctx, s.callTopic(rec.ID), doc)
		pipe.Publish(ctx, s.incomingTopic(rec.CalleeID), rec.ID)
		return nil
	})
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("index call: %w", err)
	}
	return rec.Clone(), nil
}

func (s *Store) GetCall(ctx context.Context, id string) (callrecord.Record, error) {
	raw, err := s.rdb.Get(ctx, s.callKey(id)).Bytes()
	if err == redis.Nil {
		return callrecord.Record{}, fmt.Errorf("%w: %s", mailbox.ErrNotFound, id)
	} else if err != nil {
		return callrecord.Record{}, fmt.Errorf("get call: %w", err)
	}
	return decode(raw)
}

func (s *Store) UpdateCall(ctx context.Context, id string, p callrecord.Patch) (callrecord.Record, error) {
	key := s.callKey(id)
	var (
		cur, next callrecord.Record
		applyErr  error
		doc       []byte
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", mailbox.ErrNotFound, id)
		} else if err != nil {
			return err
		}
		if cur, err = decode(raw); err != nil {
			return err
		}
		next, applyErr = callrecord.Apply(cur, p)
		if applyErr != nil {
			return nil
		}
		next.Version = cur.Version + 1
		if doc, err = json.Marshal(next); err != nil {
			return fmt.Errorf("encode call: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			if cur.Status == callrecord.StatusInitiated && next.Status != callrecord.StatusInitiated {
				pipe.ZRem(ctx, s.incomingKey(next.CalleeID), id)
			}
			return nil
		})
		return err
	}

	for attempt := 0; ; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			if attempt+1 >= maxTxAttempts {
				return callrecord.Record{}, fmt.Errorf("update call %s: too much contention: %w", id, err)
			}
			continue
		}
		if err != nil {
			if errors.Is(err, mailbox.ErrNotFound) {
				return callrecord.Record{}, err
			}
			return callrecord.Record{}, fmt.Errorf("update call: %w", err)
		}
		break
	}
	if applyErr != nil {
		return cur, applyErr
	}

	// Notifications are best effort; subscribers drop stale versions.
	pipe := s.rdb.Pipeline()
	pipe.Publish(ctx, s.callTopic(id), doc)
	if cur.Status != next.Status {
		pipe.Publish(ctx, s.incomingTopic(next.CalleeID), id)
	}
	_, _ = pipe.Exec(context.WithoutCancel(ctx))
	return next.Clone(), nil
}

func (s *Store) SubscribeToCall(ctx context.Context, id string, fn mailbox.CallFunc) (mailbox.Unsubscribe, error) {
	// Subscribe before the initial read so no committed write is missed.
	ps := s.rdb.Subscribe(ctx, s.callTopic(id))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe call: %w", err)
	}

	rec, err := s.GetCall(ctx, id)
	exists := err == nil
	if err != nil && !errors.Is(err, mailbox.ErrNotFound) {
		ps.Close()
		return nil, err
	}

	w := mailbox.NewCallWatcher(fn)
	w.Offer(rec, exists)
	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			rec, err := decode([]byte(msg.Payload))
			if err != nil {
				continue
			}
			w.Offer(rec, true)
		}
	}()

	return mailbox.BindContext(ctx, func() {
		ps.Close()
		w.Stop()
	}), nil
}

func (s *Store) SubscribeToIncoming(ctx context.Context, calleeID string, fn mailbox.IncomingFunc) (mailbox.Unsubscribe, error) {
	ps := s.rdb.Subscribe(ctx, s.incomingTopic(calleeID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe incoming: %w", err)
	}

	calls, err := s.incoming(ctx, calleeID)
	if err != nil {
		ps.Close()
		return nil, err
	}

	w := mailbox.NewIncomingWatcher(fn)
	w.Offer(calls)
	msgs := ps.Channel()
	listCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		for range msgs {
			calls, err := s.incoming(listCtx, calleeID)
			if err != nil {
				continue
			}
			w.Offer(calls)
		}
	}()

	return mailbox.BindContext(ctx, func() {
		cancel()
		ps.Close()
		w.Stop()
	}), nil
}

func (s *Store) incoming(ctx context.Context, calleeID string) ([]callrecord.Record, error) {
	ids, err := s.rdb.ZRange(ctx, s.incomingKey(calleeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list incoming: %w", err)
	}
	if len(ids) == 0 {
		return []callrecord.Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.callKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load incoming: %w", err)
	}
	recs := make([]callrecord.Record, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(raw))
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return mailbox.IncomingOf(recs, calleeID), nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, status mailbox.PresenceStatus) error {
	if _, err := mailbox.ParsePresenceStatus(string(status)); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.presenceKey(), userID, string(status)).Err()
}

// Presence returns the stored status for userID, defaulting to offline.
func (s *Store) Presence(ctx context.Context, userID string) (mailbox.PresenceStatus, error) {
	val, err := s.rdb.HGet(ctx, s.presenceKey(), userID).Result()
	if err == redis.Nil {
		return mailbox.PresenceOffline, nil
	} else if err != nil {
		return "", err
	}
	return mailbox.PresenceStatus(val), nil
}

func decode(raw []byte) (callrecord.Record, error) {
	var rec callrecord.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return callrecord.Record{}, fmt.Errorf("decode call: %w", err)
	}
	return rec, nil
}
