package framewalk

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"
)

// defaultAdDenyList recognizes ad/tracking frames by URL substring. Matching
// frames are skipped before OOPIF session creation to save connections.
var defaultAdDenyList = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googletagmanager.com",
	"adservice.google",
	"adsystem",
	"adnxs.com",
	"taboola.com",
	"outbrain.com",
}

// FrameRecord is the frame graph's view of one frame: its CDP identity, its
// place in the tree, the session that routes to it, its default JavaScript
// execution context, and the backend node id of the owning <iframe> element
// in the parent document.
type FrameRecord struct {
	FrameID       cdp.FrameID  `json:"frameId"`
	ParentFrameID cdp.FrameID  `json:"parentFrameId,omitempty"`
	FrameIndex    int          `json:"frameIndex"`
	LoaderID      cdp.LoaderID `json:"loaderId,omitempty"`
	Name          string       `json:"name,omitempty"`
	URL           string       `json:"url,omitempty"`

	SessionID          target.SessionID           `json:"sessionId,omitempty"`
	ExecutionContextID runtime.ExecutionContextID `json:"executionContextId,omitempty"`
	BackendNodeID      cdp.BackendNodeID          `json:"backendNodeId,omitempty"`
	OOPIF              bool                       `json:"oopif,omitempty"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// frameIndexUnassigned marks a record whose index has not been allocated.
const frameIndexUnassigned = -1

// FrameGraph is the authoritative live map of a page's frames. It is
// populated from Page.getFrameTree on initialization and kept in sync from
// asynchronous CDP events; DOM capture later imposes depth-first traversal
// order on the frame indices via AssignFrameIndex.
//
// All mutation happens under one mutex; readers get copies.
type FrameGraph struct {
	client     *Client
	logger     *logrus.Logger
	adDenyList []string

	mu          sync.Mutex
	records     map[cdp.FrameID]*FrameRecord
	byIndex     map[int]cdp.FrameID
	nextIndex   int
	waiters     map[cdp.FrameID][]chan runtime.ExecutionContextID
	initialized bool
	cancels     []func()

	// invalidate is called on frame attach/navigate/detach so the engine
	// can drop cached snapshots.
	invalidate func()
}

// NewFrameGraph creates an empty frame graph over the given client.
func NewFrameGraph(c *Client, logger *logrus.Logger) *FrameGraph {
	if logger == nil {
		logger = newDiscardLogger()
	}
	return &FrameGraph{
		client:     c,
		logger:     logger,
		adDenyList: defaultAdDenyList,
		records:    make(map[cdp.FrameID]*FrameRecord),
		byIndex:    make(map[int]cdp.FrameID),
		waiters:    make(map[cdp.FrameID][]chan runtime.ExecutionContextID),
	}
}

// SetAdDenyList replaces the URL substrings used to skip ad/tracking frames
// during OOPIF discovery.
func (g *FrameGraph) SetAdDenyList(patterns []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adDenyList = patterns
}

// SetInvalidateFunc registers fn to be called whenever a frame attaches,
// navigates or detaches.
func (g *FrameGraph) SetInvalidateFunc(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidate = fn
}

// EnsureInitialized enumerates the current frame tree, registers every
// frame with a preliminary breadth-first index, resolves owning iframe
// backend node ids, and attaches the event subscriptions that keep the
// graph live. It is idempotent.
func (g *FrameGraph) EnsureInitialized(ctx context.Context) error {
	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.initialized = true
	g.mu.Unlock()

	root := g.client.Root()
	ectx := withExecutor(ctx, root)
	if err := page.Enable().Do(ectx); err != nil {
		return cdpErr(page.CommandEnable, err)
	}
	if err := runtime.Enable().Do(ectx); err != nil {
		return cdpErr(runtime.CommandEnable, err)
	}

	tree, err := page.GetFrameTree().Do(ectx)
	if err != nil {
		return cdpErr(page.CommandGetFrameTree, err)
	}

	// Register breadth-first: the root frame takes index 0, children
	// follow in enumeration order. DOM capture overwrites these with
	// depth-first traversal indices later.
	queue := []*page.FrameTree{tree}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		g.upsert(node.Frame.ID, node.Frame.ParentID, func(r *FrameRecord) {
			r.URL = node.Frame.URL
			r.Name = node.Frame.Name
			r.LoaderID = node.Frame.LoaderID
			if node.Frame.ParentID == "" {
				r.SessionID = root.ID()
			}
		})
		queue = append(queue, node.ChildFrames...)
	}

	// The owning iframe's backend node id is the only reliable bridge
	// between event-discovered frames and DOM-discovered iframes. The call
	// fails for the main frame and for frames mid-detach; those failures
	// are swallowed.
	g.mu.Lock()
	ids := make([]cdp.FrameID, 0, len(g.records))
	for id, r := range g.records {
		if r.ParentFrameID != "" {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.fetchFrameOwner(ctx, id)
	}

	g.attachListeners(root)
	return nil
}

func (g *FrameGraph) fetchFrameOwner(ctx context.Context, frameID cdp.FrameID) {
	backendNodeID, _, err := dom.GetFrameOwner(frameID).Do(withExecutor(ctx, g.client.Root()))
	if err != nil {
		debugf(g.logger, "FrameGraph:getFrameOwner", "fid:%v err:%v", frameID, err)
		return
	}
	g.mu.Lock()
	if r, ok := g.records[frameID]; ok {
		r.BackendNodeID = backendNodeID
		r.LastUpdated = time.Now()
	}
	g.mu.Unlock()
}

// attachListeners wires the frame and context event subscriptions on a
// session. The root
// session carries Page and Runtime events for the main frame and all
// same-origin frames; OOPIF sessions get their own subscriptions.
func (g *FrameGraph) attachListeners(s *Session) {
	cancels := []func(){
		s.Subscribe(cdproto.EventPageFrameAttached, func(ev any) {
			e, ok := ev.(*page.EventFrameAttached)
			if !ok {
				return
			}
			g.onFrameAttached(e.FrameID, e.ParentFrameID)
		}),
		s.Subscribe(cdproto.EventPageFrameNavigated, func(ev any) {
			e, ok := ev.(*page.EventFrameNavigated)
			if !ok {
				return
			}
			g.onFrameNavigated(e.Frame)
		}),
		s.Subscribe(cdproto.EventPageFrameDetached, func(ev any) {
			e, ok := ev.(*page.EventFrameDetached)
			if !ok {
				return
			}
			g.onFrameDetached(e.FrameID)
		}),
		s.Subscribe(cdproto.EventRuntimeExecutionContextCreated, func(ev any) {
			e, ok := ev.(*runtime.EventExecutionContextCreated)
			if !ok {
				return
			}
			g.onExecutionContextCreated(s, e.Context)
		}),
		s.Subscribe(cdproto.EventRuntimeExecutionContextDestroyed, func(ev any) {
			e, ok := ev.(*runtime.EventExecutionContextDestroyed)
			if !ok {
				return
			}
			g.onExecutionContextDestroyed(e.ExecutionContextID)
		}),
		s.Subscribe(cdproto.EventRuntimeExecutionContextsCleared, func(ev any) {
			g.onExecutionContextsCleared(s)
		}),
	}
	g.mu.Lock()
	g.cancels = append(g.cancels, cancels...)
	g.mu.Unlock()
}

// upsert creates or updates the record for frameID under the graph mutex,
// allocating a preliminary frame index for new records.
func (g *FrameGraph) upsert(frameID, parentFrameID cdp.FrameID, mutate func(*FrameRecord)) *FrameRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[frameID]
	if !ok {
		r = &FrameRecord{
			FrameID:    frameID,
			FrameIndex: frameIndexUnassigned,
		}
		if parentFrameID == "" {
			r.FrameIndex = 0
			g.byIndex[0] = frameID
			if g.nextIndex == 0 {
				g.nextIndex = 1
			}
		} else {
			r.FrameIndex = g.nextIndex
			g.byIndex[g.nextIndex] = frameID
			g.nextIndex++
		}
		g.records[frameID] = r
	}
	if parentFrameID != "" {
		r.ParentFrameID = parentFrameID
	}
	if mutate != nil {
		mutate(r)
	}
	r.LastUpdated = time.Now()
	return r
}

func (g *FrameGraph) onFrameAttached(frameID, parentFrameID cdp.FrameID) {
	debugf(g.logger, "FrameGraph:frameAttached", "fid:%v pfid:%v", frameID, parentFrameID)
	g.upsert(frameID, parentFrameID, nil)
	g.notifyInvalidate()

	// Resolving the owning iframe element may block on a CDP round trip,
	// so it runs off the event goroutine.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.fetchFrameOwner(ctx, frameID)
	}()
}

func (g *FrameGraph) onFrameNavigated(f *cdp.Frame) {
	debugf(g.logger, "FrameGraph:frameNavigated", "fid:%v url:%s", f.ID, f.URL)
	g.upsert(f.ID, f.ParentID, func(r *FrameRecord) {
		r.URL = f.URL
		r.Name = f.Name
		r.LoaderID = f.LoaderID
	})
	g.notifyInvalidate()
}

func (g *FrameGraph) onFrameDetached(frameID cdp.FrameID) {
	debugf(g.logger, "FrameGraph:frameDetached", "fid:%v", frameID)
	g.mu.Lock()
	g.removeLocked(frameID)
	g.mu.Unlock()
	g.notifyInvalidate()
}

// removeLocked removes a record and all its descendants, releasing their
// execution contexts and waking their waiters empty-handed.
func (g *FrameGraph) removeLocked(frameID cdp.FrameID) {
	r, ok := g.records[frameID]
	if !ok {
		return
	}
	for id, child := range g.records {
		if child.ParentFrameID == frameID {
			g.removeLocked(id)
		}
	}
	delete(g.records, frameID)
	if g.byIndex[r.FrameIndex] == frameID {
		delete(g.byIndex, r.FrameIndex)
	}
	for _, ch := range g.waiters[frameID] {
		close(ch)
	}
	delete(g.waiters, frameID)
}

// executionContextAux is the auxData CDP attaches to execution context
// descriptions.
type executionContextAux struct {
	FrameID   cdp.FrameID `json:"frameId"`
	IsDefault bool        `json:"isDefault"`
	Type      string      `json:"type"`
}

func (g *FrameGraph) onExecutionContextCreated(s *Session, desc *runtime.ExecutionContextDescription) {
	if len(desc.AuxData) == 0 {
		return
	}
	var aux executionContextAux
	if err := json.Unmarshal(desc.AuxData, &aux); err != nil {
		debugf(g.logger, "FrameGraph:executionContextCreated", "bad auxData %s: %v", desc.AuxData, err)
		return
	}
	if aux.FrameID == "" || !(aux.IsDefault || aux.Type == "default") {
		return
	}

	g.mu.Lock()
	r, known := g.records[aux.FrameID]
	if known {
		r.ExecutionContextID = desc.ID
		r.LastUpdated = time.Now()
	}
	waiters := g.waiters[aux.FrameID]
	delete(g.waiters, aux.FrameID)
	g.mu.Unlock()

	if !known {
		debugf(g.logger, "FrameGraph:executionContextCreated", "context %d for unknown frame %v", desc.ID, aux.FrameID)
		return
	}
	debugf(g.logger, "FrameGraph:executionContextCreated", "fid:%v ecid:%d", aux.FrameID, desc.ID)
	for _, ch := range waiters {
		ch <- desc.ID
		close(ch)
	}
}

func (g *FrameGraph) onExecutionContextDestroyed(id runtime.ExecutionContextID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.records {
		if r.ExecutionContextID == id {
			r.ExecutionContextID = 0
			r.LastUpdated = time.Now()
		}
	}
}

// onExecutionContextsCleared invalidates the contexts of every frame routed
// through the given session.
func (g *FrameGraph) onExecutionContextsCleared(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.records {
		if r.SessionID == s.ID() || (r.SessionID == "" && s == g.client.Root()) {
			r.ExecutionContextID = 0
			r.LastUpdated = time.Now()
		}
	}
}

func (g *FrameGraph) notifyInvalidate() {
	g.mu.Lock()
	fn := g.invalidate
	g.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CaptureOOPIFs attempts to open a dedicated child session for every iframe
// target the browser reports that the graph has not yet assigned a session.
// A successful attach classifies the frame as an OOPIF; it is registered
// with its own session, Page enabled, and a frame index at or above
// startIndex. Ad/tracking frames are skipped before session creation.
// Session creation runs in parallel across candidates.
//
// It returns the next unused frame index.
func (g *FrameGraph) CaptureOOPIFs(ctx context.Context, startIndex int) (int, error) {
	infos, err := target.GetTargets().Do(withExecutor(ctx, g.client.anySession()))
	if err != nil {
		return startIndex, cdpErr(target.CommandGetTargets, err)
	}

	g.mu.Lock()
	if g.nextIndex < startIndex {
		g.nextIndex = startIndex
	}
	assigned := make(map[target.ID]bool)
	for _, r := range g.records {
		if r.SessionID != "" && r.OOPIF {
			// OOPIF frame ids equal their target ids.
			assigned[target.ID(r.FrameID)] = true
		}
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, info := range infos {
		if info.Type != "iframe" || assigned[info.TargetID] {
			continue
		}
		if g.isAdURL(info.URL) {
			debugf(g.logger, "FrameGraph:captureOOPIFs", "skipping ad frame %s", info.URL)
			continue
		}
		wg.Add(1)
		go func(info *target.Info) {
			defer wg.Done()
			g.captureOOPIF(ctx, info)
		}(info)
	}
	wg.Wait()

	g.mu.Lock()
	next := g.nextIndex
	g.mu.Unlock()
	return next, nil
}

// captureOOPIF attaches one OOPIF candidate. Attach failure classifies the
// frame as same-origin, already covered by the main-session DOM walk.
func (g *FrameGraph) captureOOPIF(ctx context.Context, info *target.Info) {
	sess, err := g.client.Attach(ctx, info.TargetID)
	if err != nil {
		debugf(g.logger, "FrameGraph:captureOOPIF", "attach %v failed, treating as same-origin: %v", info.TargetID, err)
		return
	}
	ectx := withExecutor(ctx, sess)
	if err := page.Enable().Do(ectx); err != nil {
		debugf(g.logger, "FrameGraph:captureOOPIF", "Page.enable on %v: %v", info.TargetID, err)
		return
	}
	if err := runtime.Enable().Do(ectx); err != nil {
		debugf(g.logger, "FrameGraph:captureOOPIF", "Runtime.enable on %v: %v", info.TargetID, err)
	}
	tree, err := page.GetFrameTree().Do(ectx)
	if err != nil {
		debugf(g.logger, "FrameGraph:captureOOPIF", "getFrameTree on %v: %v", info.TargetID, err)
		return
	}

	frameID := tree.Frame.ID
	g.mu.Lock()
	r, ok := g.records[frameID]
	if !ok {
		r = &FrameRecord{FrameID: frameID, FrameIndex: g.nextIndex}
		g.byIndex[g.nextIndex] = frameID
		g.nextIndex++
		g.records[frameID] = r
	}
	r.URL = tree.Frame.URL
	r.Name = tree.Frame.Name
	r.LoaderID = tree.Frame.LoaderID
	r.SessionID = sess.ID()
	r.OOPIF = true
	r.LastUpdated = time.Now()
	index := r.FrameIndex
	g.mu.Unlock()

	debugf(g.logger, "FrameGraph:captureOOPIF", "fid:%v index:%d sid:%v url:%s", frameID, index, sess.ID(), info.URL)
	g.attachListeners(sess)

	// The owning iframe element lives in the parent document; resolve it
	// through the parent session.
	g.fetchFrameOwner(ctx, frameID)
}

func (g *FrameGraph) isAdURL(url string) bool {
	g.mu.Lock()
	deny := g.adDenyList
	g.mu.Unlock()
	for _, pat := range deny {
		if pat != "" && strings.Contains(url, pat) {
			return true
		}
	}
	return false
}

// AssignFrameIndex authoritatively sets the index of frameID. A record
// previously holding that index is bumped to a fresh preliminary index so
// the uniqueness invariant holds.
func (g *FrameGraph) AssignFrameIndex(frameID cdp.FrameID, index int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[frameID]
	if !ok {
		return
	}
	if prev, ok := g.byIndex[index]; ok && prev != frameID {
		if other := g.records[prev]; other != nil {
			other.FrameIndex = g.nextIndex
			g.byIndex[g.nextIndex] = prev
			g.nextIndex++
		}
	}
	if g.byIndex[r.FrameIndex] == frameID {
		delete(g.byIndex, r.FrameIndex)
	}
	r.FrameIndex = index
	r.LastUpdated = time.Now()
	g.byIndex[index] = frameID
	if g.nextIndex <= index {
		g.nextIndex = index + 1
	}
}

// WaitForExecutionContext blocks until the default execution context of
// frameID is known, or the timeout elapses. A zero return with
// ErrFrameNotReady means the context never arrived.
func (g *FrameGraph) WaitForExecutionContext(ctx context.Context, frameID cdp.FrameID, timeout time.Duration) (runtime.ExecutionContextID, error) {
	g.mu.Lock()
	r, ok := g.records[frameID]
	if !ok {
		g.mu.Unlock()
		return 0, ErrFrameNotFound
	}
	if r.ExecutionContextID != 0 {
		id := r.ExecutionContextID
		g.mu.Unlock()
		return id, nil
	}
	ch := make(chan runtime.ExecutionContextID, 1)
	g.waiters[frameID] = append(g.waiters[frameID], ch)
	g.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case id, ok := <-ch:
		if !ok || id == 0 {
			return 0, ErrFrameNotReady
		}
		return id, nil
	case <-t.C:
		return 0, ErrFrameNotReady
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Record returns a copy of the record for frameID.
func (g *FrameGraph) Record(frameID cdp.FrameID) (FrameRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[frameID]
	if !ok {
		return FrameRecord{}, false
	}
	return *r, true
}

// RecordByIndex returns a copy of the record holding the given frame index.
func (g *FrameGraph) RecordByIndex(index int) (FrameRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byIndex[index]
	if !ok {
		return FrameRecord{}, false
	}
	r, ok := g.records[id]
	if !ok {
		return FrameRecord{}, false
	}
	return *r, true
}

// RecordByBackendNodeID returns a copy of the record whose owning iframe
// element has the given backend node id. This is the bridge DOM capture
// uses to match DOM-discovered iframes to event-discovered frames.
func (g *FrameGraph) RecordByBackendNodeID(id cdp.BackendNodeID) (FrameRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.records {
		if r.BackendNodeID == id && id != 0 {
			return *r, true
		}
	}
	return FrameRecord{}, false
}

// SessionFor returns the session routing to frameID: the frame's own
// session for OOPIFs, the root session otherwise.
func (g *FrameGraph) SessionFor(frameID cdp.FrameID) (*Session, bool) {
	g.mu.Lock()
	r, ok := g.records[frameID]
	var sid target.SessionID
	if ok {
		sid = r.SessionID
	}
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	if sid == "" || sid == g.client.Root().ID() {
		return g.client.Root(), true
	}
	s, ok := g.client.session(sid)
	if !ok {
		return g.client.Root(), true
	}
	return s, true
}

// Records returns copies of all records sorted by frame index.
func (g *FrameGraph) Records() []FrameRecord {
	g.mu.Lock()
	out := make([]FrameRecord, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, *r)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FrameIndex < out[j].FrameIndex })
	return out
}

// Dump serializes the graph for the frames.json debug artifact.
func (g *FrameGraph) Dump() ([]byte, error) {
	return json.MarshalIndent(g.Records(), "", "  ")
}

// Close cancels all event subscriptions. Sessions are owned by the client
// and torn down there.
func (g *FrameGraph) Close() {
	g.mu.Lock()
	cancels := g.cancels
	g.cancels = nil
	g.mu.Unlock()
	for _, fn := range cancels {
		fn()
	}
}
