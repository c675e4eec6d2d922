package framewalk

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/sirupsen/logrus"
)

// capturer holds the working state of one capture cycle. The cycle runs
// seven passes: DOM walk, OOPIF discovery, frame-graph sync, accessibility
// fetch, scrollable detection, tree build, and formatting. Bounding boxes
// are an optional eighth step in visual mode.
type capturer struct {
	client *Client
	graph  *FrameGraph
	logger *logrus.Logger
	opts   observeConfig

	snap *Snapshot

	// mu guards the shared maps while per-frame work runs in parallel.
	mu             sync.Mutex
	tagNameMap     map[EncodedID]string
	accessibleName map[EncodedID]string
	scrollables    map[EncodedID]bool
	pendingFrames  []*IframeInfo
	axNodes        map[int][]*accessibility.Node
	nextFrameIndex int

	// injectedBoxes tracks which (session, context) pairs already carry
	// the box-collector helper.
	injectedBoxes map[string]bool
	boxFailures   []BoxFailure
}

func newCapturer(client *Client, graph *FrameGraph, logger *logrus.Logger, opts observeConfig) *capturer {
	return &capturer{
		client:         client,
		graph:          graph,
		logger:         logger,
		opts:           opts,
		snap:           newSnapshot(),
		tagNameMap:     make(map[EncodedID]string),
		accessibleName: make(map[EncodedID]string),
		scrollables:    make(map[EncodedID]bool),
		axNodes:        make(map[int][]*accessibility.Node),
		injectedBoxes:  make(map[string]bool),
		nextFrameIndex: 1,
	}
}

// run executes one capture attempt.
func (c *capturer) run(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	if err := c.graph.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	// Pass 1: walk the main frame's pierced DOM, building the backend-id
	// maps and discovering iframe elements in depth-first order.
	t := time.Now()
	if err := c.walkMainFrame(ctx); err != nil {
		return nil, err
	}
	c.snap.Metrics.DOMWalk = time.Since(t)

	// Pass 2: open dedicated sessions for OOPIFs.
	t = time.Now()
	next, err := c.graph.CaptureOOPIFs(ctx, c.nextFrameIndex)
	if err != nil {
		debugf(c.logger, "Capture:oopifs", "discovery failed: %v", err)
	} else {
		c.nextFrameIndex = next
	}

	// Pass 3: match DOM-discovered iframes to graph records by owning
	// backend node id; impose DFS-order indices on the graph.
	c.syncWithGraph()

	// OOPIFs run the DOM walk on their own sessions with their synced
	// indices, feeding the same maps.
	c.walkOOPIFs(ctx)
	c.syncWithGraph()
	c.snap.Metrics.OOPIFSync = time.Since(t)

	// Pass 4: per-frame accessibility trees, in parallel.
	t = time.Now()
	if err := c.fetchAXTrees(ctx); err != nil {
		return nil, err
	}
	c.snap.Metrics.AXFetch = time.Since(t)

	// Pass 5: scrollable-element probe per frame context.
	t = time.Now()
	c.detectScrollables(ctx)
	c.snap.Metrics.Scrollables = time.Since(t)

	// Pass 6: build and clean per-frame hierarchical trees.
	t = time.Now()
	trees := c.buildTrees()
	c.snap.Metrics.TreeBuild = time.Since(t)

	// Pass 7: merge and format.
	c.snap.DOMState = formatFrameTrees(trees, c.snap.FrameMap)

	if c.opts.visualMode {
		t = time.Now()
		c.collectBoundingBoxes(ctx, trees)
		c.snap.Metrics.BoundingBox = time.Since(t)
	}

	c.snap.Metrics.Total = time.Since(start)
	c.snap.Metrics.FrameCount = len(c.snap.FrameMap)
	c.snap.Metrics.ElementCount = len(c.snap.Elements)
	for _, info := range c.snap.FrameMap {
		if info.OOPIF {
			c.snap.Metrics.OOPIFCount++
		}
	}
	return c.snap, nil
}

// walkMainFrame runs the pierced DOM walk on the root session as frame 0.
func (c *capturer) walkMainFrame(ctx context.Context) error {
	root := c.client.Root()
	doc, err := dom.GetDocument().
		WithDepth(-1).
		WithPierce(true).
		Do(withExecutor(ctx, root))
	if err != nil {
		return cdpErr(dom.CommandGetDocument, err)
	}

	info := &IframeInfo{FrameIndex: 0, FramePath: "Main"}
	if rec, ok := c.graph.RecordByIndex(0); ok {
		info.FrameID = rec.FrameID
		info.ExecutionContextID = rec.ExecutionContextID
		info.CDPSessionID = rec.SessionID
	}
	c.snap.FrameMap[0] = info

	c.walkChildren(0, doc, "")
	return nil
}

// walkOOPIFs runs the DOM walk on every synced OOPIF session. Pierce is
// off: an OOPIF's transient child frames are captured through their own
// sessions, or not at all.
func (c *capturer) walkOOPIFs(ctx context.Context) {
	var wg sync.WaitGroup
	for _, info := range c.snap.FrameMap {
		if !info.OOPIF || info.CDPSessionID == "" {
			continue
		}
		sess, ok := c.client.session(info.CDPSessionID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(info *IframeInfo, sess *Session) {
			defer wg.Done()
			doc, err := dom.GetDocument().
				WithDepth(-1).
				WithPierce(false).
				Do(withExecutor(ctx, sess))
			if err != nil {
				warnf(c.logger, "Capture:walkOOPIF", "frame %d: %v", info.FrameIndex, err)
				return
			}
			c.walkChildren(info.FrameIndex, doc, "")
		}(info, sess)
	}
	wg.Wait()
}

// walkChildren records every element under parent depth-first, keyed by
// the frame the walk was started for. XPaths carry 1-based sibling indices
// among like-named siblings; an id attribute shortcuts the ancestry.
func (c *capturer) walkChildren(frameIndex int, parent *cdp.Node, parentPath string) {
	// Sibling indices are always emitted, keeping the Go and injected-JS
	// xpath builders identical.
	counts := make(map[string]int)
	for _, n := range parent.Children {
		switch n.NodeType {
		case cdp.NodeTypeElement:
			tag := strings.ToLower(n.LocalName)
			counts[tag]++
			c.walkNode(frameIndex, n, parentPath, tag, counts[tag])
		case cdp.NodeTypeText:
			// Text nodes take their parent's path: the trailing /text()
			// step is never emitted.
			encoded := FormatEncodedID(frameIndex, n.BackendNodeID)
			c.mu.Lock()
			c.tagNameMap[encoded] = "#text"
			c.snap.BackendNodeMap[encoded] = n.BackendNodeID
			c.snap.XPathMap[encoded] = parentPath
			c.mu.Unlock()
		}
	}
}

func (c *capturer) walkNode(frameIndex int, n *cdp.Node, parentPath, tag string, position int) {
	xpath := parentPath + "/" + tag + "[" + strconv.Itoa(position) + "]"
	if id := n.AttributeValue("id"); id != "" {
		xpath = `//` + tag + `[@id="` + id + `"]`
	}

	encoded := FormatEncodedID(frameIndex, n.BackendNodeID)
	c.mu.Lock()
	c.tagNameMap[encoded] = tag
	c.snap.BackendNodeMap[encoded] = n.BackendNodeID
	c.snap.XPathMap[encoded] = xpath
	if name := firstAttr(n, "aria-label", "title", "placeholder"); name != "" {
		c.accessibleName[encoded] = name
	}
	c.mu.Unlock()

	if tag == "iframe" || tag == "frame" {
		c.recordIframe(frameIndex, n, xpath, position)
		return
	}
	c.walkChildren(frameIndex, n, xpath)
}

// recordIframe allocates the next depth-first frame index for an iframe
// element and recurses into its content document when it is same-origin.
func (c *capturer) recordIframe(parentIndex int, n *cdp.Node, xpath string, position int) {
	c.mu.Lock()
	index := c.nextFrameIndex
	c.nextFrameIndex++
	parent := parentIndex
	info := &IframeInfo{
		FrameIndex:          index,
		ParentFrameIndex:    &parent,
		IframeBackendNodeID: n.BackendNodeID,
		XPath:               xpath,
		Src:                 n.AttributeValue("src"),
		Name:                n.AttributeValue("name"),
		SiblingPosition:     position,
	}
	if n.ContentDocument != nil {
		info.ContentDocumentBackendNodeID = n.ContentDocument.BackendNodeID
	}
	c.pendingFrames = append(c.pendingFrames, info)
	c.mu.Unlock()

	if n.ContentDocument != nil {
		c.walkChildren(index, n.ContentDocument, "")
	}
}

// syncWithGraph is the reconciliation step: DOM-discovered iframes are
// matched to event-discovered frame records through the owning iframe's
// backend node id, the only reliable bridge between the two views. Matches
// copy the frame id, session and execution context into the IframeInfo and
// impose the DFS index on the graph. Unmatched iframes are dropped.
func (c *capturer) syncWithGraph() {
	c.mu.Lock()
	pending := c.pendingFrames
	c.pendingFrames = nil
	c.mu.Unlock()

	for _, info := range pending {
		rec, ok := c.graph.RecordByBackendNodeID(info.IframeBackendNodeID)
		if !ok {
			warnf(c.logger, "Capture:sync", "unmatched-frame index:%d xpath:%s src:%s", info.FrameIndex, info.XPath, info.Src)
			continue
		}
		info.FrameID = rec.FrameID
		info.ExecutionContextID = rec.ExecutionContextID
		info.CDPSessionID = rec.SessionID
		info.OOPIF = rec.OOPIF
		c.graph.AssignFrameIndex(rec.FrameID, info.FrameIndex)
		c.snap.FrameMap[info.FrameIndex] = info
	}
}

// frameSession returns the session routing to the given frame index.
func (c *capturer) frameSession(index int) (*Session, bool) {
	info, ok := c.snap.FrameMap[index]
	if !ok {
		return nil, false
	}
	if info.CDPSessionID == "" {
		return c.client.Root(), true
	}
	s, ok := c.client.session(info.CDPSessionID)
	if !ok {
		return c.client.Root(), true
	}
	return s, true
}

func firstAttr(n *cdp.Node, names ...string) string {
	for _, name := range names {
		if v := n.AttributeValue(name); v != "" {
			return v
		}
	}
	return ""
}

