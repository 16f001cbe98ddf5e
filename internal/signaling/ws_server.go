package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/auth"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/config"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/metrics"
)

const (
	wsWriteWait = 1 * time.Second
	opTimeout   = 10 * time.Second

	maxSubscriptionsPerConn = 64
)

type Options struct {
	Config config.Config
	Store  mailbox.Channel
	// Presence is optional; without it presence requests fail as unsupported.
	Presence mailbox.Presence
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// WebSocketServer serves the mailbox to authenticated call endpoints.
//
// Each connection acts for exactly one identity. It may only create calls as
// the caller, read and patch calls it participates in, watch its own incoming
// calls and publish its own presence.
type WebSocketServer struct {
	cfg      config.Config
	store    mailbox.Channel
	presence mailbox.Presence
	verifier auth.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketServer(opts Options) (*WebSocketServer, error) {
	if opts.Store == nil {
		return nil, errors.New("signaling: nil store")
	}
	verifier, err := auth.NewVerifier(opts.Config)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		cfg:      opts.Config,
		store:    opts.Store,
		presence: opts.Presence,
		verifier: verifier,
		metrics:  opts.Metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Origin is enforced by the HTTP middleware in front of this handler.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Inc(metrics.MailboxConnsRejected)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{
		srv:    s,
		conn:   conn,
		ctx:    ctx,
		logger: s.logger.With("remote", r.RemoteAddr),
		subs:   make(map[string]mailbox.Unsubscribe),
	}
	defer func() {
		cancel()
		sess.unwatchAll()
	}()

	if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil {
		if !sess.authenticate(cred) {
			writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
			return
		}
	} else if !errors.Is(err, auth.ErrMissingCredentials) {
		writeClose(conn, websocket.CloseInternalServerErr, "invalid auth configuration")
		return
	}

	if sess.identity == "" {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))
	} else {
		sess.ready()
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxSignalingMessagesPerSecond), s.cfg.MaxSignalingMessagesPerSecond)

	for {
		if !limiter.Allow() {
			s.metrics.Inc(metrics.MailboxRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if sess.identity == "" && isTimeout(err) {
				s.metrics.Inc(metrics.MailboxAuthFailed)
				writeClose(conn, websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		if sess.identity == "" {
			var authMsg auth.WireAuthMessage
			if err := json.Unmarshal(msg, &authMsg); err != nil || authMsg.Op != OpAuth {
				s.metrics.Inc(metrics.MailboxAuthFailed)
				writeClose(conn, websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred, err := auth.CredentialFromAuthMessage(s.cfg.AuthMode, authMsg)
			if err != nil {
				s.metrics.Inc(metrics.MailboxAuthFailed)
				writeClose(conn, websocket.ClosePolicyViolation, "missing credentials")
				return
			}
			if !sess.authenticate(cred) {
				writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			sess.ready()
			continue
		}

		sess.extendDeadline()
		sess.handle(msg)
	}
}

type session struct {
	srv      *WebSocketServer
	conn     *websocket.Conn
	ctx      context.Context
	logger   *slog.Logger
	identity string

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]mailbox.Unsubscribe
}

func (s *session) authenticate(cred string) bool {
	identity, err := s.srv.verifier.Verify(cred)
	if err != nil {
		s.srv.metrics.Inc(metrics.MailboxAuthFailed)
		s.logger.Info("mailbox auth rejected", "err", err)
		return false
	}
	s.identity = identity
	s.logger = s.logger.With("identity", identity)
	return true
}

// ready starts keepalive and announces the authenticated identity.
func (s *session) ready() {
	s.srv.metrics.Inc(metrics.MailboxConnsOpened)
	s.srv.metrics.MailboxConnOpened()
	context.AfterFunc(s.ctx, s.srv.metrics.MailboxConnClosed)

	s.conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	s.extendDeadline()
	if interval := s.srv.cfg.SignalingWSPingInterval; interval > 0 {
		go s.pingLoop(interval)
	}
	s.logger.Debug("mailbox connection ready")
	_ = s.send(Frame{Type: FrameReady, Identity: s.identity})
}

func (s *session) extendDeadline() {
	if idle := s.srv.cfg.SignalingWSIdleTimeout; idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(idle))
		return
	}
	_ = s.conn.SetReadDeadline(time.Time{})
}

func (s *session) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *session) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) reply(id int64, rec *callrecord.Record) {
	_ = s.send(Frame{Type: FrameResult, ID: id, Call: rec})
}

func (s *session) handle(msg []byte) {
	m := s.srv.metrics
	m.Inc(metrics.MailboxRequests)

	req, err := ParseRequest(msg)
	if err != nil {
		m.Inc(metrics.MailboxBadMessages)
		var envelope struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(msg, &envelope)
		s.fail(envelope.ID, err)
		return
	}

	if err := s.dispatch(req); err != nil {
		if errors.Is(err, callrecord.ErrForbidden) {
			m.Inc(metrics.MailboxForbidden)
		}
		s.logger.Debug("mailbox request failed", "op", req.Op, "id", req.ID, "err", err)
		s.fail(req.ID, err)
	}
}

func (s *session) fail(id int64, err error) {
	s.srv.metrics.Inc(metrics.MailboxErrors)
	code := ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		s.logger.Warn("mailbox request error", "id", id, "err", err)
		msg = ErrInternal.Error()
	}
	_ = s.send(Frame{Type: FrameError, ID: id, Code: code, Message: msg})
}

func (s *session) dispatch(req Request) error {
	ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
	defer cancel()

	switch req.Op {
	case OpAuth:
		return fmt.Errorf("%w: already authenticated", ErrBadRequest)
	case OpCreate:
		return s.create(ctx, req)
	case OpGet:
		rec, err := s.participantCall(ctx, req.CallID)
		if err != nil {
			return err
		}
		s.reply(req.ID, &rec)
		return nil
	case OpUpdate:
		return s.update(ctx, req)
	case OpWatchCall:
		return s.watchCall(req)
	case OpWatchIncoming:
		return s.watchIncoming(req)
	case OpUnwatch:
		s.unwatch(req.Sub)
		s.reply(req.ID, nil)
		return nil
	case OpPresence:
		return s.setPresence(ctx, req)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupported, req.Op)
	}
}

func (s *session) create(ctx context.Context, req Request) error {
	call := *req.Call
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	if err := call.Validate(); err != nil {
		return err
	}
	if call.CallerID != s.identity {
		return fmt.Errorf("%w: callerId must be the connection identity", callrecord.ErrForbidden)
	}
	rec, err := s.srv.store.CreateCall(ctx, call)
	if err != nil {
		return err
	}
	s.logger.Info("call created", "call_id", rec.ID, "callee_id", rec.CalleeID)
	s.reply(req.ID, &rec)
	return nil
}

// participantCall hides calls the connection identity is not part of.
func (s *session) participantCall(ctx context.Context, id string) (callrecord.Record, error) {
	rec, err := s.srv.store.GetCall(ctx, id)
	if err != nil {
		return callrecord.Record{}, err
	}
	if !rec.IsParticipant(s.identity) {
		return callrecord.Record{}, fmt.Errorf("%w: %s", mailbox.ErrNotFound, id)
	}
	return rec, nil
}

func (s *session) update(ctx context.Context, req Request) error {
	cur, err := s.participantCall(ctx, req.CallID)
	if err != nil {
		return err
	}
	if err := callrecord.Authorize(cur, s.identity, *req.Patch); err != nil {
		return err
	}
	rec, err := s.srv.store.UpdateCall(ctx, req.CallID, *req.Patch)
	if err != nil {
		return err
	}
	s.reply(req.ID, &rec)
	return nil
}

// addSub reserves sub and returns a gate that holds back events until the
// subscribe result has been written.
func (s *session) addSub(sub string) (chan struct{}, error) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, dup := s.subs[sub]; dup {
		return nil, fmt.Errorf("%w: subscription %q already exists", ErrBadRequest, sub)
	}
	if len(s.subs) >= maxSubscriptionsPerConn {
		return nil, fmt.Errorf("%w: too many subscriptions", ErrBadRequest)
	}
	s.subs[sub] = func() {}
	return make(chan struct{}), nil
}

func (s *session) bindSub(sub string, unsub mailbox.Unsubscribe) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[sub]; ok {
		s.subs[sub] = unsub
		return
	}
	unsub()
}

func (s *session) dropSub(sub string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, sub)
}

func (s *session) unwatch(sub string) {
	s.subsMu.Lock()
	unsub, ok := s.subs[sub]
	delete(s.subs, sub)
	s.subsMu.Unlock()
	if ok {
		unsub()
	}
}

func (s *session) unwatchAll() {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[string]mailbox.Unsubscribe)
	s.subsMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

func (s *session) wait(gate chan struct{}) bool {
	select {
	case <-gate:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) event(v any) {
	if err := s.send(v); err != nil {
		s.srv.metrics.Inc(metrics.MailboxEventsFailed)
		s.logger.Debug("mailbox event dropped", "err", err)
		return
	}
	s.srv.metrics.Inc(metrics.MailboxEventsSent)
}

func (s *session) watchCall(req Request) error {
	gate, err := s.addSub(req.Sub)
	if err != nil {
		return err
	}
	sub := req.Sub
	unsub, err := s.srv.store.SubscribeToCall(s.ctx, req.CallID, func(rec callrecord.Record, exists bool) {
		if !s.wait(gate) {
			return
		}
		ev := callEvent{Type: FrameCall, Sub: sub}
		if exists && rec.IsParticipant(s.identity) {
			ev.Call = &rec
		}
		s.event(ev)
	})
	if err != nil {
		s.dropSub(sub)
		close(gate)
		return err
	}
	s.bindSub(sub, unsub)
	s.reply(req.ID, nil)
	close(gate)
	return nil
}

func (s *session) watchIncoming(req Request) error {
	if req.CalleeID != s.identity {
		return fmt.Errorf("%w: only the connection identity's incoming calls can be watched", callrecord.ErrForbidden)
	}
	gate, err := s.addSub(req.Sub)
	if err != nil {
		return err
	}
	sub := req.Sub
	unsub, err := s.srv.store.SubscribeToIncoming(s.ctx, req.CalleeID, func(calls []callrecord.Record) {
		if !s.wait(gate) {
			return
		}
		if calls == nil {
			calls = []callrecord.Record{}
		}
		s.event(incomingEvent{Type: FrameIncoming, Sub: sub, Calls: calls})
	})
	if err != nil {
		s.dropSub(sub)
		close(gate)
		return err
	}
	s.bindSub(sub, unsub)
	s.reply(req.ID, nil)
	close(gate)
	return nil
}

func (s *session) setPresence(ctx context.Context, req Request) error {
	if s.srv.presence == nil {
		return fmt.Errorf("%w: presence", ErrUnsupported)
	}
	if req.UserID != s.identity {
		return fmt.Errorf("%w: presence can only be set for the connection identity", callrecord.ErrForbidden)
	}
	status, err := mailbox.ParsePresenceStatus(req.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := s.srv.presence.SetPresence(ctx, req.UserID, status); err != nil {
		return err
	}
	s.reply(req.ID, nil)
	return nil
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
