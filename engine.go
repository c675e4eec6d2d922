package framewalk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// snapshotMaxAge bounds how old a clean snapshot may be before Observe
	// recaptures anyway.
	snapshotMaxAge = time.Second

	// captureRetries bounds recapture attempts when a navigation tears
	// down execution contexts mid-capture.
	captureRetries = 3
)

// observeConfig carries per-Observe options.
type observeConfig struct {
	visualMode bool
	useCache   bool
	streaming  bool
	debugDir   string
}

// ObserveOption adjusts a single Observe call.
type ObserveOption func(*observeConfig)

// WithVisualMode enables bounding-box collection and the labeled overlay
// screenshot for this capture.
func WithVisualMode(on bool) ObserveOption {
	return func(c *observeConfig) { c.visualMode = on }
}

// WithCache controls reuse of a recent clean snapshot. Caching is on by
// default.
func WithCache(on bool) ObserveOption {
	return func(c *observeConfig) { c.useCache = on }
}

// WithStreaming emits the formatted tree to the engine's stream sink one
// frame listing at a time as soon as the capture completes, instead of
// leaving the caller to consume Snapshot.DOMState whole. A no-op when no
// sink is configured.
func WithStreaming(on bool) ObserveOption {
	return func(c *observeConfig) { c.streaming = on }
}

// WithDebugDir overrides the engine's debug artifact directory for this
// capture.
func WithDebugDir(dir string) ObserveOption {
	return func(c *observeConfig) { c.debugDir = dir }
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger shared by every component.
func WithEngineLogger(l *logrus.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithLLM supplies the model used by Act and FindElement.
func WithLLM(llm LLM) EngineOption {
	return func(e *Engine) { e.llm = llm }
}

// WithEngineDebugDir sets the default directory Observe writes artifacts
// to (outline, frames, metrics, overlay screenshot).
func WithEngineDebugDir(dir string) EngineOption {
	return func(e *Engine) { e.debugDir = dir }
}

// WithStreamFunc sets the sink that streaming Observe calls feed, one
// formatted frame listing per call.
func WithStreamFunc(fn func(section string)) EngineOption {
	return func(e *Engine) { e.streamFn = fn }
}

// WithAdDenyList replaces the default list of ad-serving URL fragments
// whose OOPIFs are never attached.
func WithAdDenyList(fragments []string) EngineOption {
	return func(e *Engine) { e.adDenyList = fragments }
}

// Engine ties the pieces together: one CDP client, a live frame graph,
// a capturer per Observe, and the action dispatcher. Safe for use from a
// single goroutine; snapshots it returns are read-mostly and safe to
// share.
type Engine struct {
	client     *Client
	graph      *FrameGraph
	dispatch   *dispatcher
	llm        LLM
	logger     *logrus.Logger
	debugDir   string
	adDenyList []string
	streamFn   func(section string)

	mu   sync.Mutex
	snap *Snapshot

	closeOnce sync.Once
	closeErr  error
}

// New dials the DevTools websocket endpoint and prepares an engine. The
// page is not modified until the first Observe or action.
func New(ctx context.Context, urlstr string, opts ...EngineOption) (*Engine, error) {
	e := &Engine{logger: newDiscardLogger()}
	for _, o := range opts {
		o(e)
	}

	client, err := NewClient(ctx, urlstr, WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.client = client
	e.graph = NewFrameGraph(client, e.logger)
	if e.adDenyList != nil {
		e.graph.SetAdDenyList(e.adDenyList)
	}
	e.graph.SetInvalidateFunc(e.Invalidate)
	e.dispatch = newDispatcher(client, e.graph, e.logger)
	return e, nil
}

// Observe captures (or reuses) a merged snapshot of the page. A clean
// snapshot younger than one second is reused unless caching is disabled
// or it lacks the requested visual artifacts.
func (e *Engine) Observe(ctx context.Context, opts ...ObserveOption) (*Snapshot, error) {
	cfg := observeConfig{useCache: true, debugDir: e.debugDir}
	for _, o := range opts {
		o(&cfg)
	}

	e.mu.Lock()
	cached := e.snap
	e.mu.Unlock()
	if cfg.useCache && cached != nil && !cached.Dirty() && cached.Age() < snapshotMaxAge {
		if !cfg.visualMode || cached.VisualOverlay != nil {
			debugf(e.logger, "Engine:observe", "reusing snapshot aged %v", cached.Age())
			if cfg.streaming {
				streamSections(cached.DOMState, e.streamFn)
			}
			return cached, nil
		}
	}

	var (
		snap *Snapshot
		err  error
	)
	for attempt := 1; attempt <= captureRetries; attempt++ {
		c := newCapturer(e.client, e.graph, e.logger, cfg)
		snap, err = c.run(ctx)
		if err == nil {
			snap.Metrics.Attempts = attempt
			if cfg.debugDir != "" {
				writeDebugArtifacts(cfg.debugDir, snap, e.graph, c.boxFailures, e.logger)
			}
			break
		}
		if !isContextGoneError(err) || ctx.Err() != nil {
			return nil, err
		}
		debugf(e.logger, "Engine:observe", "capture attempt %d torn down mid-flight: %v", attempt, err)
		if attempt < captureRetries {
			// The teardown was a navigation; let the new document go
			// quiet before recapturing.
			reason := e.dispatch.settler.WaitForSettledDOM(ctx)
			debugf(e.logger, "Engine:observe", "settled before retry: %s", reason)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	if cfg.streaming {
		streamSections(snap.DOMState, e.streamFn)
	}

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	return snap, nil
}

// ExecuteAction runs one method of the closed action set against an
// element of the most recent snapshot, capturing one first if needed.
// Structural problems (unknown method, malformed id, bad arguments) and
// execution failures both surface in the result; the error return is
// reserved for capture failures.
func (e *Engine) ExecuteAction(ctx context.Context, id EncodedID, method string, args []string) (ActionResult, error) {
	m, err := e.dispatch.parseMethod(method)
	if err != nil {
		return failure("bad-request: %v", err), nil
	}

	e.mu.Lock()
	snap := e.snap
	e.mu.Unlock()
	if snap == nil {
		snap, err = e.Observe(ctx)
		if err != nil {
			return ActionResult{}, err
		}
	}
	return e.dispatch.Execute(ctx, snap, id, m, args), nil
}

// Act observes the page, asks the configured model to pick an element and
// method for the instruction, and executes it.
func (e *Engine) Act(ctx context.Context, instruction string) (ActionResult, error) {
	snap, err := e.Observe(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	found, err := FindElement(ctx, e.llm, snap, instruction)
	if err != nil {
		return ActionResult{}, err
	}
	debugf(e.logger, "Engine:act", "model chose %s %s (confidence %.2f)",
		found.Method, found.EncodedID, found.Confidence)
	return e.dispatch.Execute(ctx, snap, found.EncodedID, found.Method, found.Arguments), nil
}

// FindElement exposes the model boundary against the engine's current
// snapshot without executing anything.
func (e *Engine) FindElement(ctx context.Context, instruction string) (*FindElementResult, error) {
	snap, err := e.Observe(ctx)
	if err != nil {
		return nil, err
	}
	return FindElement(ctx, e.llm, snap, instruction)
}

// Extract observes the page and asks the configured model a free-form
// question about it, returning the prose answer.
func (e *Engine) Extract(ctx context.Context, instruction string) (string, error) {
	snap, err := e.Observe(ctx)
	if err != nil {
		return "", err
	}
	return Extract(ctx, e.llm, snap, instruction)
}

// RegisterAction maps a custom action name onto one of the closed
// methods. The closed set itself never grows.
func (e *Engine) RegisterAction(name string, method ActionMethod) error {
	return e.dispatch.registerAlias(name, method)
}

// Invalidate marks the current snapshot dirty. Wired into the frame graph
// so navigations and frame churn force the next Observe to recapture.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	snap := e.snap
	e.mu.Unlock()
	if snap != nil {
		snap.MarkDirty()
	}
}

// FrameGraph returns the live frame graph for inspection.
func (e *Engine) FrameGraph() *FrameGraph { return e.graph }

// Close tears down subscriptions and the CDP connection. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.dispatch.settler.Close()
		e.graph.Close()
		e.closeErr = e.client.Close()
	})
	return e.closeErr
}
