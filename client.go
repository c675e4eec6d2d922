package framewalk

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"
)

// SessionKind names a pooled session slot. Pooled sessions keep long-lived
// domain state (Network tracking, screenshot work) off the primary session.
type SessionKind string

// Pooled session kinds.
const (
	SessionKindDOM        SessionKind = "dom"
	SessionKindScreenshot SessionKind = "screenshot"
	SessionKindLifecycle  SessionKind = "lifecycle"
)

// Client is the CDP transport for one browser connection. It owns the
// websocket, routes command responses by message id and events by session
// id, and hands out sessions attached to the page target.
type Client struct {
	conn   *transport
	logger *logrus.Logger

	// next is the next message id, shared across all sessions on this
	// connection.
	next int64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	sessionsMu sync.Mutex
	sessions   map[target.SessionID]*Session

	poolMu sync.Mutex
	pool   map[SessionKind]*Session

	// root is the session attached to the page target. When the client was
	// dialed against a page endpoint directly, root has an empty session id
	// and pageTargetID is unknown.
	root         *Session
	pageTargetID target.ID

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// ClientOption is a client option.
type ClientOption func(*Client)

// WithLogger sets the logger used by the client and everything created
// from it.
func WithLogger(l *logrus.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient dials the websocket URL and attaches to a page target. Browser
// endpoints (/devtools/browser/...) attach to the first available page
// target with a flattened session; page endpoints (/devtools/page/...) are
// used directly.
func NewClient(ctx context.Context, urlstr string, opts ...ClientOption) (*Client, error) {
	conn, err := dialDevTools(ctx, urlstr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:     conn,
		pending:  make(map[int64]chan *cdproto.Message),
		sessions: make(map[target.SessionID]*Session),
		pool:     make(map[SessionKind]*Session),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = newDiscardLogger()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(runCtx)

	if err := c.attachRoot(ctx, urlstr); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// attachRoot establishes the root page session.
func (c *Client) attachRoot(ctx context.Context, urlstr string) error {
	if isPageEndpoint(urlstr) {
		c.root = c.newSession("", "")
		return nil
	}

	// Browser endpoint: pick the first page target.
	browser := c.newSession("", "")
	res, err := target.GetTargets().Do(withExecutor(ctx, browser))
	if err != nil {
		return cdpErr(target.CommandGetTargets, err)
	}
	for _, info := range res {
		if info.Type == "page" {
			c.pageTargetID = info.TargetID
			break
		}
	}
	if c.pageTargetID == "" {
		return ErrPageClosed
	}
	sess, err := c.Attach(ctx, c.pageTargetID)
	if err != nil {
		return err
	}
	c.root = sess
	return nil
}

func isPageEndpoint(urlstr string) bool {
	return strings.Contains(urlstr, "/devtools/page/")
}

// Root returns the session attached to the page target.
func (c *Client) Root() *Session { return c.root }

// newSession creates and registers a session handle for sessionID.
func (c *Client) newSession(sessionID target.SessionID, targetID target.ID) *Session {
	s := &Session{
		client:   c,
		id:       sessionID,
		targetID: targetID,
		events:   make(chan *cdproto.Message, 1024),
		quit:     make(chan struct{}),
		handlers: make(map[cdproto.MethodType][]*eventHandler),
	}
	go s.loop()
	c.sessionsMu.Lock()
	c.sessions[sessionID] = s
	c.sessionsMu.Unlock()
	return s
}

// Attach opens a new flattened session to the given target.
func (c *Client) Attach(ctx context.Context, id target.ID) (*Session, error) {
	sessionID, err := target.AttachToTarget(id).
		WithFlatten(true).
		Do(withExecutor(ctx, c.anySession()))
	if err != nil {
		return nil, cdpErr(target.CommandAttachToTarget, err)
	}
	return c.newSession(sessionID, id), nil
}

// anySession returns a session suitable for connection-level commands.
func (c *Client) anySession() *Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if s, ok := c.sessions[""]; ok {
		return s
	}
	if c.root != nil {
		return c.root
	}
	// Transient handle; not registered so it receives no events.
	return &Session{client: c}
}

// PooledSession returns the session for the given kind, attaching one
// lazily. Pooled sessions are reused across calls and re-acquired after a
// detach. When the client was dialed against a page endpoint directly, the
// root session is shared for every kind.
func (c *Client) PooledSession(ctx context.Context, kind SessionKind) (*Session, error) {
	c.poolMu.Lock()
	if s, ok := c.pool[kind]; ok && !s.detached.Load() {
		c.poolMu.Unlock()
		return s, nil
	}
	c.poolMu.Unlock()

	if c.pageTargetID == "" {
		return c.root, nil
	}
	s, err := c.Attach(ctx, c.pageTargetID)
	if err != nil {
		return nil, err
	}
	c.poolMu.Lock()
	c.pool[kind] = s
	c.poolMu.Unlock()
	return s, nil
}

// send writes msg and registers ch to receive its response. The returned
// cleanup must be called if the caller stops waiting.
func (c *Client) send(msg *cdproto.Message, ch chan *cdproto.Message) (func(), error) {
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}

	c.writeMu.Lock()
	err := c.conn.write(msg)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return nil, err
	}
	return cleanup, nil
}

// readLoop continuously reads messages from the websocket and routes them:
// responses to the pending map, events to the owning session's queue.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		msg, err := c.conn.read()
		if err != nil {
			c.failPending()
			return
		}
		switch {
		case msg.Method != "":
			c.routeEvent(msg)
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if !ok {
				debugf(c.logger, "Client:readLoop", "response id %d has no waiter", msg.ID)
				continue
			}
			ch <- msg
		default:
			warnf(c.logger, "Client:readLoop", "malformed message (no id or method): %#v", msg)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// failPending closes every in-flight response channel after the transport
// is gone, unblocking callers with ErrChannelClosed.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) routeEvent(msg *cdproto.Message) {
	if msg.Method == cdproto.EventTargetDetachedFromTarget {
		ev, err := cdproto.UnmarshalMessage(msg)
		if err == nil {
			if d, ok := ev.(*target.EventDetachedFromTarget); ok {
				c.dropSession(d.SessionID)
			}
		}
	}

	c.sessionsMu.Lock()
	s, ok := c.sessions[msg.SessionID]
	c.sessionsMu.Unlock()
	if !ok {
		debugf(c.logger, "Client:routeEvent", "event %s for unknown session %q", msg.Method, msg.SessionID)
		return
	}
	select {
	case s.events <- msg:
	default:
		warnf(c.logger, "Client:routeEvent", "event queue full for session %q, dropping %s", msg.SessionID, msg.Method)
	}
}

// session returns the registered session with the given id.
func (c *Client) session(id target.SessionID) (*Session, bool) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// dropSession invalidates a detached session and any pooled reference to
// it. Pooled slots are re-acquired lazily on next use.
func (c *Client) dropSession(id target.SessionID) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.sessionsMu.Unlock()
	if !ok {
		return
	}
	s.markDetached()

	c.poolMu.Lock()
	for kind, ps := range c.pool {
		if ps == s {
			delete(c.pool, kind)
		}
	}
	c.poolMu.Unlock()
}

// Close detaches all tracked sessions in parallel and closes the
// connection. Detach failures are logged, not propagated. Close is
// idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.sessionsMu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessions = make(map[target.SessionID]*Session)
		c.sessionsMu.Unlock()

		var wg sync.WaitGroup
		for _, s := range sessions {
			if s.id == "" {
				s.markDetached()
				continue
			}
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
				defer cancel()
				if err := s.detach(ctx); err != nil {
					debugf(c.logger, "Client:Close", "detach %q: %v", s.id, err)
				}
				s.markDetached()
			}(s)
		}
		wg.Wait()

		c.cancel()
		c.closeErr = c.conn.close()
		c.failPending()
	})
	return c.closeErr
}

// nextID allocates the next message id on this connection.
func (c *Client) nextID() int64 {
	return atomic.AddInt64(&c.next, 1)
}
