package framewalk

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"golang.org/x/exp/slices"
)

// interactiveRoles are the roles that mark a frame's accessibility tree as
// usable. A frame whose tree has none of these falls back to a tree
// synthesized from the DOM walk.
var interactiveRoles = map[string]bool{
	"button":    true,
	"link":      true,
	"textbox":   true,
	"searchbox": true,
	"combobox":  true,
	"checkbox":  true,
	"radio":     true,
}

// structuralRoles are wrapper roles that carry no semantics of their own.
var structuralRoles = map[string]bool{
	"generic":       true,
	"none":          true,
	"InlineTextBox": true,
	"LineBreak":     true,
}

// domFallbackRoles maps HTML tags to the role synthesized when a frame's
// accessibility tree comes back without interactive content.
var domFallbackRoles = map[string]string{
	"input":    "textbox",
	"textarea": "textbox",
	"button":   "button",
	"a":        "link",
	"select":   "combobox",
}

// fetchAXTrees runs Pass 4: the main frame uses Accessibility.getFullAXTree
// on the root session; same-origin iframes use getPartialAXTree rooted at
// their content document, in parallel on the root session; OOPIFs use
// getFullAXTree on their own sessions, in parallel.
func (c *capturer) fetchAXTrees(ctx context.Context) error {
	root := c.client.Root()

	nodes, err := accessibility.GetFullAXTree().Do(withExecutor(ctx, root))
	if err != nil {
		return cdpErr(accessibility.CommandGetFullAXTree, err)
	}
	c.mu.Lock()
	c.axNodes[0] = nodes
	c.snap.Metrics.AXNodeCount += len(nodes)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for index, info := range c.snap.FrameMap {
		if index == 0 {
			continue
		}
		wg.Add(1)
		go func(index int, info *IframeInfo) {
			defer wg.Done()
			var nodes []*accessibility.Node
			var err error
			switch {
			case info.OOPIF:
				sess, ok := c.frameSession(index)
				if !ok {
					return
				}
				nodes, err = accessibility.GetFullAXTree().Do(withExecutor(ctx, sess))
			case info.ContentDocumentBackendNodeID != 0:
				nodes, err = accessibility.GetPartialAXTree().
					WithBackendNodeID(info.ContentDocumentBackendNodeID).
					WithFetchRelatives(true).
					Do(withExecutor(ctx, root))
			default:
				return
			}
			if err != nil {
				// Per-iframe failures degrade gracefully: the frame is
				// omitted from the snapshot.
				warnf(c.logger, "Capture:axFetch", "frame %d: %v", index, err)
				return
			}
			c.mu.Lock()
			c.axNodes[index] = nodes
			c.snap.Metrics.AXNodeCount += len(nodes)
			c.mu.Unlock()
		}(index, info)
	}
	wg.Wait()
	return nil
}

// buildTrees runs Pass 6 for every frame, returning the cleaned roots per
// frame index and registering kept nodes in the snapshot's element map.
func (c *capturer) buildTrees() map[int][]*AXNode {
	trees := make(map[int][]*AXNode, len(c.axNodes))
	indices := make([]int, 0, len(c.axNodes))
	for index := range c.axNodes {
		indices = append(indices, index)
	}
	slices.Sort(indices)
	for _, index := range indices {
		trees[index] = c.buildFrameTree(index, c.axNodes[index])
	}
	return trees
}

// axRaw is the internal form of a raw CDP accessibility node.
type axRaw struct {
	role     string
	name     string
	desc     string
	value    string
	ignored  bool
	backend  cdp.BackendNodeID
	children []*axRaw
}

func (c *capturer) buildFrameTree(frameIndex int, nodes []*accessibility.Node) []*AXNode {
	// Partial fetches with relatives include the parent document's ancestor
	// chain above the iframe. Those nodes belong to the parent frame's
	// document; the child frame's tree starts at its content document.
	if info, ok := c.snap.FrameMap[frameIndex]; ok && frameIndex != 0 && info.ContentDocumentBackendNodeID != 0 {
		nodes = subtreeAt(nodes, info.ContentDocumentBackendNodeID)
	}

	byID := make(map[accessibility.NodeID]*axRaw, len(nodes))
	isChild := make(map[accessibility.NodeID]bool)
	order := make([]accessibility.NodeID, 0, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = &axRaw{
			role:    axValueString(n.Role),
			name:    axValueString(n.Name),
			desc:    axValueString(n.Description),
			value:   axValueString(n.Value),
			ignored: n.Ignored,
			backend: n.BackendDOMNodeID,
		}
		order = append(order, n.NodeID)
	}
	for _, n := range nodes {
		raw := byID[n.NodeID]
		for _, childID := range n.ChildIDs {
			child, ok := byID[childID]
			if !ok {
				continue
			}
			raw.children = append(raw.children, child)
			isChild[childID] = true
		}
	}

	var roots []*AXNode
	for _, id := range order {
		if isChild[id] {
			continue
		}
		parentXPath := ""
		if info, ok := c.snap.FrameMap[frameIndex]; ok {
			parentXPath = info.XPath
		}
		roots = append(roots, c.cleanNode(frameIndex, byID[id], parentXPath)...)
	}

	if !hasInteractive(nodes) {
		roots = append(roots, c.domFallback(frameIndex)...)
	}
	return roots
}

// cleanNode converts one raw node and its subtree to the output form,
// applying the structural-wrapper rules. Dropped wrappers promote their
// children, so the result is a slice.
func (c *capturer) cleanNode(frameIndex int, r *axRaw, parentXPath string) []*AXNode {
	encoded := FormatEncodedID(frameIndex, r.backend)

	c.mu.Lock()
	xpath, hasXPath := c.snap.XPathMap[encoded]
	tag := c.tagNameMap[encoded]
	scrollable := c.scrollables[encoded]
	c.mu.Unlock()
	if hasXPath {
		parentXPath = xpath
	}

	var children []*AXNode
	for _, child := range r.children {
		children = append(children, c.cleanNode(frameIndex, child, parentXPath)...)
	}

	name := normalizeName(r.name)
	role := r.role

	// Ignored nodes and nameless structural leaves dissolve into their
	// children.
	if r.ignored || r.backend == 0 {
		return children
	}
	if name == "" && len(children) == 0 && structuralRoles[role] && !scrollable {
		return nil
	}

	if structuralRoles[role] || role == "" {
		switch len(children) {
		case 0:
			if !scrollable {
				return nil
			}
		case 1:
			if !scrollable {
				return children
			}
		}
		// A wrapper that holds multiple children is shown as its HTML tag.
		if tag != "" && tag != "#text" {
			role = tag
		} else if role == "" {
			role = "generic"
		}
	}
	if role == "combobox" && tag == "select" {
		role = "select"
	}
	if scrollable {
		if structuralRoles[r.role] || r.role == "" {
			role = "scrollable"
		} else {
			role = "scrollable, " + role
		}
	}

	// A sole static-text child repeating its parent's name is noise.
	if len(children) == 1 && children[0].Role == "StaticText" && children[0].Name == name {
		children = nil
	}

	node := &AXNode{
		Role:             role,
		Name:             name,
		Description:      normalizeName(r.desc),
		Value:            r.value,
		BackendDOMNodeID: r.backend,
		EncodedID:        encoded,
		Children:         children,
	}

	c.mu.Lock()
	c.snap.Elements[encoded] = node
	if _, ok := c.snap.BackendNodeMap[encoded]; !ok {
		c.snap.BackendNodeMap[encoded] = r.backend
	}
	if _, ok := c.snap.XPathMap[encoded]; !ok {
		c.snap.XPathMap[encoded] = parentXPath
	}
	c.mu.Unlock()

	return []*AXNode{node}
}

// domFallback synthesizes interactive nodes for a frame from the DOM walk
// when its accessibility tree had none.
func (c *capturer) domFallback(frameIndex int) []*AXNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*AXNode
	for encoded, tag := range c.tagNameMap {
		if encoded.FrameIndex() != frameIndex {
			continue
		}
		role, ok := domFallbackRoles[tag]
		if !ok {
			continue
		}
		backend := c.snap.BackendNodeMap[encoded]
		node := &AXNode{
			Role:             role,
			Name:             normalizeName(c.accessibleName[encoded]),
			BackendDOMNodeID: backend,
			EncodedID:        encoded,
		}
		c.snap.Elements[encoded] = node
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EncodedID < out[j].EncodedID })
	if len(out) > 0 {
		debugf(c.logger, "Capture:domFallback", "frame %d: synthesized %d nodes", frameIndex, len(out))
	}
	return out
}

// subtreeAt trims a node list to the subtree rooted at the node with the
// given backend node id, preserving the original order. The list is
// returned unchanged when no node carries that id.
func subtreeAt(nodes []*accessibility.Node, backend cdp.BackendNodeID) []*accessibility.Node {
	byID := make(map[accessibility.NodeID]*accessibility.Node, len(nodes))
	var root *accessibility.Node
	for _, n := range nodes {
		byID[n.NodeID] = n
		if root == nil && n.BackendDOMNodeID == backend {
			root = n
		}
	}
	if root == nil {
		return nodes
	}

	keep := map[accessibility.NodeID]bool{root.NodeID: true}
	queue := []*accessibility.Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, id := range n.ChildIDs {
			child, ok := byID[id]
			if !ok || keep[id] {
				continue
			}
			keep[id] = true
			queue = append(queue, child)
		}
	}

	out := make([]*accessibility.Node, 0, len(keep))
	for _, n := range nodes {
		if keep[n.NodeID] {
			out = append(out, n)
		}
	}
	return out
}

func hasInteractive(nodes []*accessibility.Node) bool {
	for _, n := range nodes {
		if n.Ignored {
			continue
		}
		if interactiveRoles[axValueString(n.Role)] {
			return true
		}
	}
	return false
}

// axValueString extracts the string form of an accessibility value.
func axValueString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err == nil {
		return s
	}
	return strings.Trim(string(v.Value), `"`)
}

// normalizeName trims, collapses non-breaking-space variants to a single
// space, and removes private-use unicode.
func normalizeName(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 0xE000 && r <= 0xF8FF:
			return -1
		case r == '\u00a0' || r == '\u202f' || r == '\u2007':
			return ' '
		}
		return r
	}, s)
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return strings.TrimSpace(s)
}
