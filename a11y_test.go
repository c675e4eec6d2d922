package framewalk

import (
	"testing"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCapturer() *capturer {
	return newCapturer(nil, nil, newDiscardLogger(), observeConfig{})
}

func axString(s string) *accessibility.Value {
	return &accessibility.Value{
		Type:  accessibility.ValueTypeString,
		Value: easyjson.RawMessage(`"` + s + `"`),
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "Add to cart", normalizeName("  Add to cart  "))
	assert.Equal(t, "a b", normalizeName("a    b"))
	assert.Equal(t, "star", normalizeName("\ue000star")) // private-use rune stripped
	assert.Equal(t, "", normalizeName(""))
}

func TestAXValueString(t *testing.T) {
	assert.Equal(t, "button", axValueString(axString("button")))
	assert.Equal(t, "", axValueString(nil))
	assert.Equal(t, "", axValueString(&accessibility.Value{}))
	assert.Equal(t, "42", axValueString(&accessibility.Value{Value: easyjson.RawMessage(`42`)}))
}

func TestCleanNodeDissolvesIgnored(t *testing.T) {
	c := testCapturer()
	raw := &axRaw{
		ignored: true,
		backend: 10,
		children: []*axRaw{
			{role: "button", name: "Go", backend: 11},
		},
	}
	out := c.cleanNode(0, raw, "")
	require.Len(t, out, 1)
	assert.Equal(t, "button", out[0].Role)
	assert.Equal(t, EncodedID("0-11"), out[0].EncodedID)
	assert.NotContains(t, c.snap.Elements, EncodedID("0-10"))
}

func TestCleanNodePrunesNamelessStructuralLeaf(t *testing.T) {
	c := testCapturer()
	out := c.cleanNode(0, &axRaw{role: "generic", backend: 5}, "")
	assert.Empty(t, out)
	assert.Empty(t, c.snap.Elements)
}

func TestCleanNodeCollapsesSingleChildWrapper(t *testing.T) {
	c := testCapturer()
	raw := &axRaw{
		role: "generic", backend: 5,
		children: []*axRaw{{role: "link", name: "Docs", backend: 6}},
	}
	out := c.cleanNode(0, raw, "")
	require.Len(t, out, 1)
	assert.Equal(t, "link", out[0].Role)
	assert.NotContains(t, c.snap.Elements, EncodedID("0-5"))
}

func TestCleanNodeMultiChildWrapperShowsTag(t *testing.T) {
	c := testCapturer()
	c.tagNameMap["0-5"] = "nav"
	raw := &axRaw{
		role: "generic", backend: 5,
		children: []*axRaw{
			{role: "link", name: "Home", backend: 6},
			{role: "link", name: "About", backend: 7},
		},
	}
	out := c.cleanNode(0, raw, "")
	require.Len(t, out, 1)
	assert.Equal(t, "nav", out[0].Role)
	assert.Len(t, out[0].Children, 2)
}

func TestCleanNodeSelectRole(t *testing.T) {
	c := testCapturer()
	c.tagNameMap["0-5"] = "select"
	out := c.cleanNode(0, &axRaw{role: "combobox", name: "Country", backend: 5}, "")
	require.Len(t, out, 1)
	assert.Equal(t, "select", out[0].Role)
}

func TestCleanNodeScrollableDecoration(t *testing.T) {
	c := testCapturer()
	c.scrollables["0-5"] = true
	c.tagNameMap["0-5"] = "div"

	// A scrollable wrapper survives even childless and nameless.
	out := c.cleanNode(0, &axRaw{role: "generic", backend: 5}, "")
	require.Len(t, out, 1)
	assert.Equal(t, "scrollable", out[0].Role)

	c2 := testCapturer()
	c2.scrollables["0-6"] = true
	out = c2.cleanNode(0, &axRaw{role: "list", name: "Results", backend: 6}, "")
	require.Len(t, out, 1)
	assert.Equal(t, "scrollable, list", out[0].Role)
}

func TestCleanNodeDropsEchoingStaticText(t *testing.T) {
	c := testCapturer()
	raw := &axRaw{
		role: "button", name: "Submit", backend: 5,
		children: []*axRaw{{role: "StaticText", name: "Submit", backend: 6}},
	}
	out := c.cleanNode(0, raw, "")
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Children)
}

func TestCleanNodeRegistersAndInheritsXPath(t *testing.T) {
	c := testCapturer()
	c.snap.XPathMap["0-5"] = "/html[1]/body[1]/form[1]"
	raw := &axRaw{
		role: "form", name: "Signup", backend: 5,
		children: []*axRaw{{role: "StaticText", name: "Email", backend: 99}},
	}
	out := c.cleanNode(0, raw, "/html[1]/body[1]")
	require.Len(t, out, 1)

	// The child had no walked xpath: it inherits its parent's.
	assert.Equal(t, "/html[1]/body[1]/form[1]", c.snap.XPathMap["0-99"])
	assert.Contains(t, c.snap.Elements, EncodedID("0-5"))
	assert.Contains(t, c.snap.Elements, EncodedID("0-99"))
	assert.Equal(t, cdp.BackendNodeID(99), c.snap.BackendNodeMap["0-99"])
}

func TestBuildFrameTreeLinksChildren(t *testing.T) {
	c := testCapturer()
	nodes := []*accessibility.Node{
		{NodeID: "1", Role: axString("RootWebArea"), Name: axString("Page"), BackendDOMNodeID: 1, ChildIDs: []accessibility.NodeID{"2"}},
		{NodeID: "2", Role: axString("button"), Name: axString("Go"), BackendDOMNodeID: 2},
	}
	roots := c.buildFrameTree(0, nodes)
	require.Len(t, roots, 1)
	assert.Equal(t, "RootWebArea", roots[0].Role)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, EncodedID("0-2"), roots[0].Children[0].EncodedID)
}

func TestBuildFrameTreeTrimsParentAncestors(t *testing.T) {
	c := testCapturer()
	c.snap.FrameMap[1] = &IframeInfo{
		FrameIndex:                   1,
		IframeBackendNodeID:          5,
		ContentDocumentBackendNodeID: 10,
	}

	// A partial fetch with relatives carries the parent document's chain
	// above the content document.
	nodes := []*accessibility.Node{
		{NodeID: "1", Role: axString("RootWebArea"), Name: axString("Outer"), BackendDOMNodeID: 100, ChildIDs: []accessibility.NodeID{"2"}},
		{NodeID: "2", Role: axString("Iframe"), BackendDOMNodeID: 5, ChildIDs: []accessibility.NodeID{"3"}},
		{NodeID: "3", Role: axString("RootWebArea"), Name: axString("Inner"), BackendDOMNodeID: 10, ChildIDs: []accessibility.NodeID{"4"}},
		{NodeID: "4", Role: axString("textbox"), Name: axString("Card number"), BackendDOMNodeID: 11},
	}
	roots := c.buildFrameTree(1, nodes)
	require.Len(t, roots, 1)
	assert.Equal(t, EncodedID("1-10"), roots[0].EncodedID)

	// Only the content document's own nodes are encoded under the frame.
	assert.Contains(t, c.snap.Elements, EncodedID("1-11"))
	assert.NotContains(t, c.snap.Elements, EncodedID("1-100"))
	assert.NotContains(t, c.snap.Elements, EncodedID("1-5"))
}

func TestSubtreeAtUnknownBackendKeepsAll(t *testing.T) {
	nodes := []*accessibility.Node{
		{NodeID: "1", Role: axString("RootWebArea"), BackendDOMNodeID: 100, ChildIDs: []accessibility.NodeID{"2"}},
		{NodeID: "2", Role: axString("button"), BackendDOMNodeID: 101},
	}
	assert.Equal(t, nodes, subtreeAt(nodes, 999))
	assert.Len(t, subtreeAt(nodes, 100), 2)
}

func TestBuildFrameTreeDOMFallback(t *testing.T) {
	c := testCapturer()
	c.tagNameMap["1-30"] = "input"
	c.tagNameMap["1-31"] = "div"
	c.accessibleName["1-30"] = "Search"
	c.snap.BackendNodeMap["1-30"] = 30
	c.snap.FrameMap[1] = &IframeInfo{FrameIndex: 1}

	// No interactive roles in the fetched tree: fall back to the DOM walk.
	nodes := []*accessibility.Node{
		{NodeID: "1", Role: axString("generic"), BackendDOMNodeID: 40},
	}
	roots := c.buildFrameTree(1, nodes)
	require.Len(t, roots, 1)
	assert.Equal(t, "textbox", roots[0].Role)
	assert.Equal(t, "Search", roots[0].Name)
	assert.Equal(t, EncodedID("1-30"), roots[0].EncodedID)
}

func TestHasInteractive(t *testing.T) {
	assert.True(t, hasInteractive([]*accessibility.Node{{NodeID: "1", Role: axString("textbox")}}))
	assert.False(t, hasInteractive([]*accessibility.Node{{NodeID: "1", Role: axString("textbox"), Ignored: true}}))
	assert.False(t, hasInteractive([]*accessibility.Node{{NodeID: "1", Role: axString("generic")}}))
}
