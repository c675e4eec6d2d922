package framewalk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailru/easyjson"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

const detachTimeout = 2 * time.Second

// Session is one CDP session on a shared connection. Command invocation on
// a session is sequentially consistent; events are delivered in CDP arrival
// order per session, with no ordering promised across sessions.
type Session struct {
	client   *Client
	id       target.SessionID
	targetID target.ID

	events chan *cdproto.Message
	quit   chan struct{}

	handlersMu sync.Mutex
	handlers   map[cdproto.MethodType][]*eventHandler

	detached atomic.Bool
	quitOnce sync.Once
}

type eventHandler struct {
	fn       func(ev any)
	canceled atomic.Bool
}

// ID returns the CDP session id. The root session of a page-endpoint
// connection has an empty id.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the target this session is attached to, when known.
func (s *Session) TargetID() target.ID { return s.targetID }

// Execute sends a CDP command on this session and unmarshals its result
// into res. It satisfies cdp.Executor, so generated cdproto command types
// can be run with their Do methods against withExecutor(ctx, s).
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.detached.Load() {
		return cdpErr(method, ErrSessionDetached)
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        s.client.nextID(),
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	ch := make(chan *cdproto.Message, 1)
	cleanup, err := s.client.send(msg, ch)
	if err != nil {
		return cdpErr(method, err)
	}

	select {
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	case resp, ok := <-ch:
		switch {
		case !ok:
			return cdpErr(method, ErrChannelClosed)
		case resp.Error != nil:
			return cdpErr(method, resp.Error)
		case res != nil:
			return easyjson.Unmarshal(resp.Result, res)
		}
	}
	return nil
}

// Subscribe registers fn for every event of the given method on this
// session. fn receives the typed cdproto event value. The returned cancel
// removes the registration.
func (s *Session) Subscribe(method cdproto.MethodType, fn func(ev any)) (cancel func()) {
	h := &eventHandler{fn: fn}
	s.handlersMu.Lock()
	s.handlers[method] = append(s.handlers[method], h)
	s.handlersMu.Unlock()
	return func() { h.canceled.Store(true) }
}

// loop drains the session's event queue and runs handlers. Handlers run on
// this goroutine, so one session's handlers observe its events in order.
func (s *Session) loop() {
	for {
		select {
		case <-s.quit:
			return
		case msg := <-s.events:
			ev, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
					// Event from a browser newer or older than cdproto
					// knows. Ignore.
					continue
				}
				debugf(s.client.logger, "Session:loop", "could not unmarshal event %s: %v", msg.Method, err)
				continue
			}
			s.handlersMu.Lock()
			hs := s.handlers[msg.Method]
			// Compact out canceled handlers in place.
			kept := hs[:0]
			for _, h := range hs {
				if !h.canceled.Load() {
					kept = append(kept, h)
				}
			}
			s.handlers[msg.Method] = kept
			run := append([]*eventHandler(nil), kept...)
			s.handlersMu.Unlock()
			for _, h := range run {
				h.fn(ev)
			}
		}
	}
}

// detach issues Target.detachFromTarget for this session.
func (s *Session) detach(ctx context.Context) error {
	if s.id == "" {
		return nil
	}
	return target.DetachFromTarget().
		WithSessionID(s.id).
		Do(withExecutor(ctx, s.client.anySession()))
}

// markDetached stops the event loop and fails subsequent Execute calls.
func (s *Session) markDetached() {
	s.detached.Store(true)
	s.quitOnce.Do(func() { close(s.quit) })
}

// withExecutor binds s as the cdp.Executor in ctx, allowing generated
// cdproto commands to be invoked with their Do methods.
func withExecutor(ctx context.Context, s *Session) context.Context {
	return cdp.WithExecutor(ctx, s)
}
