package framewalk

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/sirupsen/logrus"
)

const (
	settleTimeout = 5 * time.Second
	settlePoll    = 100 * time.Millisecond

	// Requests in flight longer than this are treated as abandoned
	// (long-poll channels, streaming media) and stop blocking settle.
	settleRequestHorizon = 2 * time.Second
)

// settler watches Network events on the lifecycle-pooled session and
// reports when the page has gone quiet after an action.
type settler struct {
	client *Client
	logger *logrus.Logger

	mu       sync.Mutex
	started  bool
	inflight map[network.RequestID]time.Time
	cancels  []func()
}

func newSettler(client *Client, logger *logrus.Logger) *settler {
	return &settler{
		client:   client,
		logger:   logger,
		inflight: make(map[network.RequestID]time.Time),
	}
}

// ensureStarted enables the Network domain and installs the in-flight
// request tracking. Idempotent.
func (s *settler) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sess, err := s.client.PooledSession(ctx, SessionKindLifecycle)
	if err != nil {
		return err
	}
	if err := network.Enable().Do(withExecutor(ctx, sess)); err != nil {
		return cdpErr(network.CommandEnable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.cancels = append(s.cancels,
		sess.Subscribe(cdproto.EventNetworkRequestWillBeSent, func(ev any) {
			if e, ok := ev.(*network.EventRequestWillBeSent); ok {
				s.add(e.RequestID)
			}
		}),
		sess.Subscribe(cdproto.EventNetworkLoadingFinished, func(ev any) {
			if e, ok := ev.(*network.EventLoadingFinished); ok {
				s.remove(e.RequestID)
			}
		}),
		sess.Subscribe(cdproto.EventNetworkLoadingFailed, func(ev any) {
			if e, ok := ev.(*network.EventLoadingFailed); ok {
				s.remove(e.RequestID)
			}
		}),
	)
	s.started = true
	return nil
}

func (s *settler) add(id network.RequestID) {
	s.mu.Lock()
	s.inflight[id] = time.Now()
	s.mu.Unlock()
}

func (s *settler) remove(id network.RequestID) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// pending counts in-flight requests younger than the horizon, evicting
// the rest.
func (s *settler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, started := range s.inflight {
		if now.Sub(started) > settleRequestHorizon {
			delete(s.inflight, id)
		}
	}
	return len(s.inflight)
}

// WaitForSettledDOM polls until one sample observes zero in-flight
// requests or the budget elapses. The returned reason is "quiet" or
// "timeout".
func (s *settler) WaitForSettledDOM(ctx context.Context) string {
	if err := s.ensureStarted(ctx); err != nil {
		warnf(s.logger, "Settle:start", "%v", err)
		return "timeout"
	}

	deadline := time.Now().Add(settleTimeout)
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "timeout"
		case <-ticker.C:
			if s.pending() == 0 {
				return "quiet"
			}
			if time.Now().After(deadline) {
				return "timeout"
			}
		}
	}
}

// Close cancels the event subscriptions.
func (s *settler) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.started = false
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
