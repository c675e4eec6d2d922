package framewalk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"golang.org/x/exp/slices"
)

// BoxFailure records an element layout could not provide a rectangle for
// (display:none, detached, zero-size). Written to the debug directory when
// one is configured.
type BoxFailure struct {
	FrameIndex int    `json:"frameIndex"`
	XPath      string `json:"xpath"`
}

// rawRect is the frame-local rectangle shape returned by the injected
// collector.
type rawRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

type collectResult struct {
	Boxes    map[string]rawRect `json:"boxes"`
	Failures []string           `json:"failures"`
}

// collectBoundingBoxes batches one collector call per frame, translates
// child-frame rectangles into main-viewport coordinates by walking the
// parentFrameIndex chain, and captures the labeled overlay screenshot.
//
// Frames are processed in ascending index order; depth-first index
// assignment guarantees a parent's boxes (and therefore each iframe
// element's absolute rectangle) land before its children need the offset.
func (c *capturer) collectBoundingBoxes(ctx context.Context, trees map[int][]*AXNode) {
	c.snap.BoundingBoxMap = make(map[EncodedID]Rect)

	indices := make([]int, 0, len(c.snap.FrameMap))
	for index := range c.snap.FrameMap {
		indices = append(indices, index)
	}
	slices.Sort(indices)

	for _, index := range indices {
		c.collectFrameBoxes(ctx, index)
	}

	if err := c.composeOverlay(ctx); err != nil {
		warnf(c.logger, "Capture:overlay", "%v", err)
	}
}

func (c *capturer) collectFrameBoxes(ctx context.Context, index int) {
	info := c.snap.FrameMap[index]
	sess, ok := c.frameSession(index)
	if !ok {
		return
	}
	if index != 0 && info.ExecutionContextID == 0 {
		// OOPIF box collection needs the frame's own context; silently
		// skipped when it never arrived.
		debugf(c.logger, "Capture:boxes", "frame %d has no execution context, skipping", index)
		return
	}

	// Batch every kept element of this frame into one call.
	request := make(map[string]int64)
	c.mu.Lock()
	for encoded := range c.snap.Elements {
		if encoded.FrameIndex() != index {
			continue
		}
		xpath := c.snap.XPathMap[encoded]
		if xpath == "" || c.tagNameMap[encoded] == "#text" {
			continue
		}
		request[xpath] = int64(c.snap.BackendNodeMap[encoded])
	}
	c.mu.Unlock()
	if len(request) == 0 {
		return
	}

	if err := c.ensureBoxCollector(ctx, sess, info.ExecutionContextID); err != nil {
		debugf(c.logger, "Capture:boxes", "frame %d inject: %v", index, err)
		return
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return
	}
	var res collectResult
	call := "window.__framewalkCollectBoxes(" + string(payload) + ")"
	if err := evalInFrame(ctx, sess, info.ExecutionContextID, call, &res); err != nil {
		debugf(c.logger, "Capture:boxes", "frame %d collect: %v", index, err)
		return
	}

	offX, offY := c.frameOffset(index)
	for backendStr, r := range res.Boxes {
		backend, err := strconv.ParseInt(backendStr, 10, 64)
		if err != nil {
			continue
		}
		encoded := FormatEncodedID(index, cdp.BackendNodeID(backend))
		c.snap.BoundingBoxMap[encoded] = Rect{
			X:      r.X + offX,
			Y:      r.Y + offY,
			Width:  r.Width,
			Height: r.Height,
		}
	}
	for _, xpath := range res.Failures {
		c.boxFailures = append(c.boxFailures, BoxFailure{FrameIndex: index, XPath: xpath})
	}

	// The iframe elements just measured anchor their child frames'
	// coordinate translation.
	for childIndex, child := range c.snap.FrameMap {
		if child.ParentFrameIndex == nil || *child.ParentFrameIndex != index {
			continue
		}
		anchor := FormatEncodedID(index, child.IframeBackendNodeID)
		if rect, ok := c.snap.BoundingBoxMap[anchor]; ok {
			r := rect
			c.snap.FrameMap[childIndex].AbsoluteBoundingBox = &r
		}
	}
}

// ensureBoxCollector injects the collector helper once per (session,
// execution context) pair.
func (c *capturer) ensureBoxCollector(ctx context.Context, sess *Session, ecid runtime.ExecutionContextID) error {
	key := string(sess.ID()) + "/" + strconv.FormatInt(int64(ecid), 10)
	c.mu.Lock()
	done := c.injectedBoxes[key]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := evalInFrame(ctx, sess, ecid, collectBoxesJS+"; true", nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.injectedBoxes[key] = true
	c.mu.Unlock()
	return nil
}

// frameOffset sums ancestor iframe origins for a frame, yielding the
// translation from frame-local to main-viewport coordinates.
func (c *capturer) frameOffset(index int) (float64, float64) {
	var x, y float64
	seen := map[int]bool{}
	for i := index; i != 0 && !seen[i]; {
		seen[i] = true
		info, ok := c.snap.FrameMap[i]
		if !ok || info.ParentFrameIndex == nil {
			break
		}
		if info.AbsoluteBoundingBox != nil {
			// AbsoluteBoundingBox is already main-viewport absolute, so
			// one hop suffices.
			return info.AbsoluteBoundingBox.X, info.AbsoluteBoundingBox.Y
		}
		i = *info.ParentFrameIndex
	}
	return x, y
}

// composeOverlay captures a viewport screenshot on the screenshot-pooled
// session and draws one labeled rectangle per element.
func (c *capturer) composeOverlay(ctx context.Context) error {
	if len(c.snap.BoundingBoxMap) == 0 {
		return nil
	}
	sess, err := c.client.PooledSession(ctx, SessionKindScreenshot)
	if err != nil {
		return err
	}
	shot, err := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		WithFromSurface(true).
		Do(withExecutor(ctx, sess))
	if err != nil {
		return cdpErr(page.CommandCaptureScreenshot, err)
	}
	overlay, err := drawOverlay(shot, c.snap.BoundingBoxMap)
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	c.snap.VisualOverlay = overlay
	return nil
}
