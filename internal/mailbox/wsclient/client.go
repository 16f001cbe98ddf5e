// Package wsclient is a mailbox.Channel that talks to a remote mailbox
// server over its WebSocket endpoint.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/signaling"
)

const (
	writeWait      = 5 * time.Second
	unwatchTimeout = 5 * time.Second
)

type Options struct {
	// URL is the ws:// or wss:// address of the mailbox endpoint.
	URL string
	// Identity is sent when Token is empty (server auth mode none).
	Identity string
	Token    string
	Header   http.Header
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

type subscription struct {
	call     *mailbox.CallWatcher
	incoming *mailbox.IncomingWatcher
}

func (s subscription) stop() {
	if s.call != nil {
		s.call.Stop()
	}
	if s.incoming != nil {
		s.incoming.Stop()
	}
}

type Client struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	identity string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan signaling.Frame
	subs    map[string]subscription
	err     error

	done chan struct{}
}

var (
	_ mailbox.Channel  = (*Client)(nil)
	_ mailbox.Presence = (*Client)(nil)
)

// Dial connects, authenticates and waits for the server to confirm the
// identity the connection acts for.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial mailbox %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial mailbox %s: %w", opts.URL, err)
	}

	authMsg := signaling.Request{Op: signaling.OpAuth, Token: opts.Token}
	if opts.Token == "" {
		authMsg.Identity = opts.Identity
	}
	if err := writeJSON(conn, authMsg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var ready signaling.Frame
	if err := conn.ReadJSON(&ready); err != nil {
		_ = conn.Close()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("mailbox rejected connection: %s", ce.Text)
		}
		return nil, fmt.Errorf("await ready: %w", err)
	}
	if ready.Type != signaling.FrameReady {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", ready.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:     conn,
		logger:   logger.With("mailbox", opts.URL, "identity", ready.Identity),
		identity: ready.Identity,
		pending:  make(map[int64]chan signaling.Frame),
		subs:     make(map[string]subscription),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Identity is the identity the server authenticated this connection as.
func (c *Client) Identity() string { return c.identity }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var err error
	for {
		var f signaling.Frame
		if err = c.conn.ReadJSON(&f); err != nil {
			break
		}
		c.dispatch(f)
	}

	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", mailbox.ErrClosed, err)
	pending := c.pending
	c.pending = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, s := range subs {
		s.stop()
	}
	c.logger.Debug("mailbox connection closed", "err", err)
	close(c.done)
}

func (c *Client) dispatch(f signaling.Frame) {
	switch f.Type {
	case signaling.FrameResult, signaling.FrameError:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case signaling.FrameCall, signaling.FrameIncoming:
		c.mu.Lock()
		s, ok := c.subs[f.Sub]
		c.mu.Unlock()
		if !ok {
			return
		}
		switch {
		case f.Type == signaling.FrameCall && s.call != nil:
			if f.Call == nil {
				s.call.Offer(callrecord.Record{}, false)
			} else {
				s.call.Offer(*f.Call, true)
			}
		case f.Type == signaling.FrameIncoming && s.incoming != nil:
			s.incoming.Offer(f.Calls)
		}
	default:
		c.logger.Debug("ignoring mailbox frame", "type", f.Type)
	}
}

func (c *Client) roundTrip(ctx context.Context, req signaling.Request) (signaling.Frame, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan signaling.Frame, 1)

	c.mu.Lock()
	if c.pending == nil {
		err := c.err
		c.mu.Unlock()
		return signaling.Frame{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.ID)
		}
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	err := writeJSON(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return signaling.Frame{}, fmt.Errorf("%w: %v", mailbox.ErrClosed, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return signaling.Frame{}, c.Err()
		}
		if f.Type == signaling.FrameError {
			return signaling.Frame{}, signaling.ErrorFromCode(f.Code, f.Message)
		}
		return f, nil
	case <-ctx.Done():
		forget()
		return signaling.Frame{}, ctx.Err()
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func recordOf(f signaling.Frame) (callrecord.Record, error) {
	if f.Call == nil {
		return callrecord.Record{}, errors.New("mailbox reply without call")
	}
	return *f.Call, nil
}

func (c *Client) CreateCall(ctx context.Context, rec callrecord.Record) (callrecord.Record, error) {
	f, err := c.roundTrip(ctx, signaling.Request{Op: signaling.OpCreate, Call: &rec})
	if err != nil {
		return callrecord.Record{}, err
	}
	return recordOf(f)
}

func (c *Client) GetCall(ctx context.Context, id string) (callrecord.Record, error) {
	f, err := c.roundTrip(ctx, signaling.Request{Op: signaling.OpGet, CallID: id})
	if err != nil {
		return callrecord.Record{}, err
	}
	return recordOf(f)
}

func (c *Client) UpdateCall(ctx context.Context, id string, p callrecord.Patch) (callrecord.Record, error) {
	f, err := c.roundTrip(ctx, signaling.Request{Op: signaling.OpUpdate, CallID: id, Patch: &p})
	if err != nil {
		return callrecord.Record{}, err
	}
	return recordOf(f)
}

func (c *Client) SetPresence(ctx context.Context, userID string, status mailbox.PresenceStatus) error {
	_, err := c.roundTrip(ctx, signaling.Request{Op: signaling.OpPresence, UserID: userID, Status: string(status)})
	return err
}

func (c *Client) SubscribeToCall(ctx context.Context, id string, fn mailbox.CallFunc) (mailbox.Unsubscribe, error) {
	w := mailbox.NewCallWatcher(fn)
	return c.subscribe(ctx, subscription{call: w}, signaling.Request{Op: signaling.OpWatchCall, CallID: id})
}

func (c *Client) SubscribeToIncoming(ctx context.Context, calleeID string, fn mailbox.IncomingFunc) (mailbox.Unsubscribe, error) {
	w := mailbox.NewIncomingWatcher(fn)
	return c.subscribe(ctx, subscription{incoming: w}, signaling.Request{Op: signaling.OpWatchIncoming, CalleeID: calleeID})
}

// subscribe registers s before asking the server, so the first event can
// never arrive for an unknown sub.
func (c *Client) subscribe(ctx context.Context, s subscription, req signaling.Request) (mailbox.Unsubscribe, error) {
	sub := uuid.NewString()
	req.Sub = sub

	c.mu.Lock()
	if c.subs == nil {
		err := c.err
		c.mu.Unlock()
		s.stop()
		return nil, err
	}
	c.subs[sub] = s
	c.mu.Unlock()

	if _, err := c.roundTrip(ctx, req); err != nil {
		c.drop(sub)
		return nil, err
	}
	return mailbox.BindContext(ctx, func() {
		if !c.drop(sub) {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), unwatchTimeout)
			defer cancel()
			if _, err := c.roundTrip(ctx, signaling.Request{Op: signaling.OpUnwatch, Sub: sub}); err != nil {
				c.logger.Debug("unwatch failed", "sub", sub, "err", err)
			}
		}()
	}), nil
}

// drop stops and forgets sub. It reports whether the connection is still up.
func (c *Client) drop(sub string) bool {
	c.mu.Lock()
	s, ok := c.subs[sub]
	if ok {
		delete(c.subs, sub)
	}
	alive := c.subs != nil
	c.mu.Unlock()
	if ok {
		s.stop()
	}
	return alive
}
