package framewalk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrees() (map[int][]*AXNode, map[int]*IframeInfo) {
	trees := map[int][]*AXNode{
		0: {
			{
				Role: "main", Name: "Storefront", EncodedID: "0-10",
				Children: []*AXNode{
					{Role: "button", Name: "Add to cart", EncodedID: "0-12"},
					{Role: "link", Name: "Checkout", EncodedID: "0-14"},
				},
			},
		},
		1: {
			{Role: "textbox", Name: "Card number", EncodedID: "1-7"},
		},
		2: {
			{Role: "button", Name: "Pay", EncodedID: "2-3"},
		},
	}
	one, two := 0, 1
	frameMap := map[int]*IframeInfo{
		0: {FrameIndex: 0},
		1: {FrameIndex: 1, ParentFrameIndex: &one},
		2: {FrameIndex: 2, ParentFrameIndex: &two},
	}
	return trees, frameMap
}

func TestFormatFrameTrees(t *testing.T) {
	trees, frameMap := sampleTrees()
	out := formatFrameTrees(trees, frameMap)

	assert.Contains(t, out, "=== Frame 0 (Main) ===")
	assert.Contains(t, out, "=== Frame 1 (Main → Frame 1) ===")
	assert.Contains(t, out, "=== Frame 2 (Main → Frame 1 → Frame 2) ===")

	// Children indent two spaces per level.
	assert.Contains(t, out, "[0-10] main: Storefront\n  [0-12] button: Add to cart")

	// Main frame listed first, children in index order.
	i0 := strings.Index(out, "=== Frame 0")
	i1 := strings.Index(out, "=== Frame 1")
	i2 := strings.Index(out, "=== Frame 2")
	assert.True(t, i0 < i1 && i1 < i2)

	// Formatting records each frame's ancestry path.
	assert.Equal(t, "Main → Frame 1", frameMap[1].FramePath)
}

func TestFormatFrameTreesSkipsEmptyChildFrames(t *testing.T) {
	trees, frameMap := sampleTrees()
	trees[2] = nil
	out := formatFrameTrees(trees, frameMap)
	assert.NotContains(t, out, "=== Frame 2")

	// An empty main frame still gets its header.
	out = formatFrameTrees(map[int][]*AXNode{0: nil}, map[int]*IframeInfo{0: {}})
	assert.Contains(t, out, "=== Frame 0 (Main) ===")
}

func TestStreamSections(t *testing.T) {
	trees, frameMap := sampleTrees()
	out := formatFrameTrees(trees, frameMap)

	var sections []string
	streamSections(out, func(s string) { sections = append(sections, s) })
	require.Len(t, sections, 3)
	assert.True(t, strings.HasPrefix(sections[0], "=== Frame 0 (Main) ==="))
	assert.Contains(t, sections[0], "[0-12] button: Add to cart")
	assert.True(t, strings.HasPrefix(sections[1], "=== Frame 1 "))
	assert.True(t, strings.HasPrefix(sections[2], "=== Frame 2 "))

	// A nil sink and an empty tree are both no-ops.
	streamSections(out, nil)
	streamSections("", func(string) { t.Fatal("no sections expected") })
}

func TestParseFormattedTreeRoundTrip(t *testing.T) {
	trees, frameMap := sampleTrees()
	out := formatFrameTrees(trees, frameMap)

	ids := ParseFormattedTree(out)
	require.Equal(t, []EncodedID{"0-10", "0-12", "0-14", "1-7", "2-3"}, ids)
}

func TestParseFormattedTreeIgnoresNoise(t *testing.T) {
	in := "=== Frame 0 (Main) ===\n[0-1] button: Go\nnot a node line\n[0-1] button: Go\n[bad-id] role\n"
	assert.Equal(t, []EncodedID{"0-1"}, ParseFormattedTree(in))
}
