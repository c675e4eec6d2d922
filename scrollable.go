package framewalk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
)

// detectScrollables runs Pass 5: each frame evaluates the scrollable probe
// in its own execution context; the returned XPaths are resolved to backend
// node ids and collected into the set Pass 6 uses to decorate roles.
func (c *capturer) detectScrollables(ctx context.Context) {
	for index, info := range c.snap.FrameMap {
		sess, ok := c.frameSession(index)
		if !ok {
			continue
		}
		// Child frames need an execution context to address the probe;
		// the main frame evaluates in the session default.
		if index != 0 && info.ExecutionContextID == 0 {
			debugf(c.logger, "Capture:scrollables", "frame %d has no execution context, skipping", index)
			continue
		}

		var xpaths []string
		if err := evalInFrame(ctx, sess, info.ExecutionContextID, xpathJS+";"+scrollablesJS, &xpaths); err != nil {
			debugf(c.logger, "Capture:scrollables", "frame %d probe failed: %v", index, err)
			continue
		}
		if len(xpaths) == 0 {
			continue
		}

		byXPath := c.xpathIndex(index)
		for _, xpath := range xpaths {
			if encoded, ok := byXPath[xpath]; ok {
				c.mu.Lock()
				c.scrollables[encoded] = true
				c.mu.Unlock()
				continue
			}
			backend, err := resolveXPathBackendID(ctx, sess, info.ExecutionContextID, xpath)
			if err != nil {
				debugf(c.logger, "Capture:scrollables", "frame %d xpath %q: %v", index, xpath, err)
				continue
			}
			c.mu.Lock()
			c.scrollables[FormatEncodedID(index, backend)] = true
			c.mu.Unlock()
		}
	}
}

// xpathIndex builds the reverse xpath lookup for one frame's elements.
func (c *capturer) xpathIndex(frameIndex int) map[string]EncodedID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]EncodedID)
	for encoded, tag := range c.tagNameMap {
		if tag == "#text" || encoded.FrameIndex() != frameIndex {
			continue
		}
		if xpath, ok := c.snap.XPathMap[encoded]; ok {
			out[xpath] = encoded
		}
	}
	return out
}

// evalInFrame evaluates expr in the given execution context (the session
// default when ecid is zero) and unmarshals the by-value result into res.
func evalInFrame(ctx context.Context, sess *Session, ecid runtime.ExecutionContextID, expr string, res any) error {
	p := runtime.Evaluate(expr).WithReturnByValue(true)
	if ecid != 0 {
		p = p.WithContextID(ecid)
	}
	obj, exp, err := p.Do(withExecutor(ctx, sess))
	if err != nil {
		return cdpErr(runtime.CommandEvaluate, err)
	}
	if exp != nil {
		return cdpErr(runtime.CommandEvaluate, exp)
	}
	if res == nil || obj == nil {
		return nil
	}
	if obj.Type == "undefined" {
		return fmt.Errorf("%s: undefined result", runtime.CommandEvaluate)
	}
	return json.Unmarshal(obj.Value, res)
}

// resolveXPathBackendID evaluates an XPath in a frame's context and reads
// the matched node's backend node id through DOM.describeNode.
func resolveXPathBackendID(ctx context.Context, sess *Session, ecid runtime.ExecutionContextID, xpath string) (cdp.BackendNodeID, error) {
	p := runtime.Evaluate(fmt.Sprintf(evaluateXPathJS, strconv.Quote(xpath)))
	if ecid != 0 {
		p = p.WithContextID(ecid)
	}
	obj, exp, err := p.Do(withExecutor(ctx, sess))
	if err != nil {
		return 0, cdpErr(runtime.CommandEvaluate, err)
	}
	if exp != nil {
		return 0, cdpErr(runtime.CommandEvaluate, exp)
	}
	if obj == nil || obj.ObjectID == "" {
		return 0, ErrStaleElement
	}
	node, err := dom.DescribeNode().
		WithObjectID(obj.ObjectID).
		Do(withExecutor(ctx, sess))
	if err != nil {
		return 0, cdpErr(dom.CommandDescribeNode, err)
	}
	if node == nil || node.BackendNodeID == 0 {
		return 0, ErrStaleElement
	}
	return node.BackendNodeID, nil
}
