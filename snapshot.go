package framewalk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// AXNode is one node of the merged accessibility tree, in the form handed
// to the model.
type AXNode struct {
	Role        string `json:"role"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value,omitempty"`

	BackendDOMNodeID cdp.BackendNodeID `json:"backendDOMNodeId"`
	EncodedID        EncodedID         `json:"encodedId"`

	Children []*AXNode `json:"children,omitempty"`
}

// Rect is an element rectangle in main-viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IframeInfo describes one frame as discovered by DOM traversal, enriched
// with the frame graph's identifiers during the sync pass.
type IframeInfo struct {
	FrameIndex       int  `json:"frameIndex"`
	ParentFrameIndex *int `json:"parentFrameIndex,omitempty"`

	// IframeBackendNodeID identifies the owning <iframe> element in the
	// parent document. It is the bridge key to the frame graph.
	IframeBackendNodeID cdp.BackendNodeID `json:"iframeBackendNodeId,omitempty"`

	// ContentDocumentBackendNodeID is set for same-origin frames only;
	// OOPIF content documents are unreachable from the parent session.
	ContentDocumentBackendNodeID cdp.BackendNodeID `json:"contentDocumentBackendNodeId,omitempty"`

	XPath           string `json:"xpath,omitempty"`
	Src             string `json:"src,omitempty"`
	Name            string `json:"name,omitempty"`
	SiblingPosition int    `json:"siblingPosition,omitempty"`

	FrameID            cdp.FrameID                `json:"frameId,omitempty"`
	ExecutionContextID runtime.ExecutionContextID `json:"executionContextId,omitempty"`
	CDPSessionID       target.SessionID           `json:"cdpSessionId,omitempty"`
	OOPIF              bool                       `json:"oopif,omitempty"`

	AbsoluteBoundingBox *Rect  `json:"absoluteBoundingBox,omitempty"`
	FramePath           string `json:"framePath,omitempty"`
}

// CaptureMetrics records per-capture timings and counts, serialized to the
// dom-capture-metrics.json debug artifact.
type CaptureMetrics struct {
	Total        time.Duration `json:"totalNs"`
	DOMWalk      time.Duration `json:"domWalkNs"`
	OOPIFSync    time.Duration `json:"oopifSyncNs"`
	AXFetch      time.Duration `json:"axFetchNs"`
	Scrollables  time.Duration `json:"scrollablesNs"`
	TreeBuild    time.Duration `json:"treeBuildNs"`
	BoundingBox  time.Duration `json:"boundingBoxNs"`
	FrameCount   int           `json:"frameCount"`
	OOPIFCount   int           `json:"oopifCount"`
	AXNodeCount  int           `json:"axNodeCount"`
	ElementCount int           `json:"elementCount"`
	Attempts     int           `json:"attempts"`
	SettleReason string        `json:"settleReason,omitempty"`
}

// Snapshot is the output of one capture cycle: the formatted text tree for
// the model plus the four canonical maps that make every element in it
// addressable and actionable. A snapshot is consumed by at most one model
// step and one action dispatch, then invalidated.
type Snapshot struct {
	// DOMState is the formatted per-frame text listing.
	DOMState string

	// Elements maps every kept node's encoded id to its cleaned
	// accessibility node.
	Elements map[EncodedID]*AXNode

	// XPathMap maps encoded ids to document-relative XPaths, used for
	// stale-element recovery.
	XPathMap map[EncodedID]string

	// BackendNodeMap maps encoded ids to backend node ids. Recovery
	// rewrites entries in place when a node is replaced.
	BackendNodeMap map[EncodedID]cdp.BackendNodeID

	// FrameMap maps frame indices to frame descriptors.
	FrameMap map[int]*IframeInfo

	// BoundingBoxMap holds viewport-absolute rectangles for kept nodes.
	// Present in visual mode only.
	BoundingBoxMap map[EncodedID]Rect

	// VisualOverlay is the labeled overlay screenshot as PNG bytes.
	// Present in visual mode only.
	VisualOverlay []byte

	Metrics CaptureMetrics

	takenAt time.Time
	dirty   atomic.Bool

	resolvedMu sync.Mutex
	resolved   map[EncodedID]*ResolvedNode
}

// newSnapshot allocates an empty snapshot stamped now.
func newSnapshot() *Snapshot {
	return &Snapshot{
		Elements:       make(map[EncodedID]*AXNode),
		XPathMap:       make(map[EncodedID]string),
		BackendNodeMap: make(map[EncodedID]cdp.BackendNodeID),
		FrameMap:       make(map[int]*IframeInfo),
		resolved:       make(map[EncodedID]*ResolvedNode),
		takenAt:        time.Now(),
	}
}

// MarkDirty invalidates the snapshot. Mutating actions, navigations and
// frame attach/detach events all end up here.
func (s *Snapshot) MarkDirty() {
	s.dirty.Store(true)
}

// Dirty reports whether the snapshot has been invalidated.
func (s *Snapshot) Dirty() bool {
	return s.dirty.Load()
}

// Age returns the time elapsed since capture.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.takenAt)
}

// cachedResolution returns the resolver cache entry for id, if the backend
// node id it was resolved against still matches the snapshot's map.
func (s *Snapshot) cachedResolution(id EncodedID) (*ResolvedNode, bool) {
	s.resolvedMu.Lock()
	defer s.resolvedMu.Unlock()
	r, ok := s.resolved[id]
	if !ok {
		return nil, false
	}
	if r.BackendNodeID != s.BackendNodeMap[id] {
		delete(s.resolved, id)
		return nil, false
	}
	return r, true
}

// storeResolution caches a successful resolution for id.
func (s *Snapshot) storeResolution(id EncodedID, r *ResolvedNode) {
	s.resolvedMu.Lock()
	s.resolved[id] = r
	s.resolvedMu.Unlock()
}
