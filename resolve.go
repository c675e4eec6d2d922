package framewalk

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/sirupsen/logrus"
)

// executionContextWait bounds how long the resolver waits for a frame's
// execution context during stale-element recovery.
const executionContextWait = 750 * time.Millisecond

// ResolvedNode is a live addressing tuple for one element: the session and
// frame to route through, the current backend node id, and a remote object
// id usable with Runtime.callFunctionOn.
type ResolvedNode struct {
	Session       *Session
	FrameID       cdp.FrameID
	BackendNodeID cdp.BackendNodeID
	ObjectID      runtime.RemoteObjectID
}

// resolver converts encoded ids into live addressing tuples, recovering
// via XPath when the node was replaced since capture.
type resolver struct {
	client *Client
	graph  *FrameGraph
	logger *logrus.Logger
}

// resolve implements the element resolution contract. Exactly one XPath
// recovery attempt is made when the backend node id no longer resolves.
func (r *resolver) resolve(ctx context.Context, snap *Snapshot, id EncodedID) (*ResolvedNode, error) {
	frameIndex, parsedBackend, err := id.Parse()
	if err != nil {
		return nil, err
	}

	var frameID cdp.FrameID
	if info, ok := snap.FrameMap[frameIndex]; ok {
		frameID = info.FrameID
	}
	if frameID == "" {
		rec, ok := r.graph.RecordByIndex(frameIndex)
		if !ok {
			return nil, fmt.Errorf("%w: frame index %d", ErrFrameNotFound, frameIndex)
		}
		frameID = rec.FrameID
	}
	sess, ok := r.graph.SessionFor(frameID)
	if !ok {
		return nil, fmt.Errorf("%w: frame %v", ErrFrameNotFound, frameID)
	}

	if cached, ok := snap.cachedResolution(id); ok {
		return cached, nil
	}

	backend := parsedBackend
	if mapped, ok := snap.BackendNodeMap[id]; ok && mapped != 0 {
		backend = mapped
	}

	resolved, err := r.resolveBackend(ctx, sess, frameID, backend)
	if err == nil {
		snap.storeResolution(id, resolved)
		return resolved, nil
	}
	if !isNodeGoneError(err) {
		return nil, err
	}

	debugf(r.logger, "Resolver:recover", "id:%s stale backend %d, recovering via xpath", id, backend)
	resolved, err = r.recoverByXPath(ctx, snap, id, sess, frameID)
	if err != nil {
		return nil, err
	}
	snap.storeResolution(id, resolved)
	return resolved, nil
}

// resolveBackend turns a backend node id into a remote object on the
// frame's session.
func (r *resolver) resolveBackend(ctx context.Context, sess *Session, frameID cdp.FrameID, backend cdp.BackendNodeID) (*ResolvedNode, error) {
	obj, err := dom.ResolveNode().
		WithBackendNodeID(backend).
		Do(withExecutor(ctx, sess))
	if err != nil {
		return nil, cdpErr(dom.CommandResolveNode, err)
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, fmt.Errorf("%w: backend node %d", ErrStaleElement, backend)
	}
	return &ResolvedNode{
		Session:       sess,
		FrameID:       frameID,
		BackendNodeID: backend,
		ObjectID:      obj.ObjectID,
	}, nil
}

// recoverByXPath re-finds the element by its captured XPath in the frame's
// execution context, updates the snapshot's backend map, and retries
// resolution once.
func (r *resolver) recoverByXPath(ctx context.Context, snap *Snapshot, id EncodedID, sess *Session, frameID cdp.FrameID) (*ResolvedNode, error) {
	xpath, ok := snap.XPathMap[id]
	if !ok || xpath == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoXPath, id)
	}

	ecid, err := r.graph.WaitForExecutionContext(ctx, frameID, executionContextWait)
	if err != nil {
		// Fall back to whatever context the capture recorded.
		if info, ok := snap.FrameMap[id.FrameIndex()]; ok && info.ExecutionContextID != 0 {
			ecid = info.ExecutionContextID
		} else if id.FrameIndex() == 0 {
			ecid = 0
		} else {
			return nil, fmt.Errorf("%w: frame %v", ErrFrameNotReady, frameID)
		}
	}

	backend, err := resolveXPathBackendID(ctx, sess, ecid, xpath)
	if err != nil {
		return nil, err
	}
	snap.BackendNodeMap[id] = backend

	resolved, err := r.resolveBackend(ctx, sess, frameID, backend)
	if err != nil {
		return nil, err
	}
	debugf(r.logger, "Resolver:recover", "id:%s recovered as backend %d", id, backend)
	return resolved, nil
}
