package framewalk

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// formatFrameTrees runs Pass 7: one text listing per frame, main frame
// first, child frames following in frame-index order separated by blank
// lines. Each listing is preceded by a header naming the frame's ancestry.
func formatFrameTrees(trees map[int][]*AXNode, frameMap map[int]*IframeInfo) string {
	indices := make([]int, 0, len(trees))
	for index := range trees {
		indices = append(indices, index)
	}
	slices.Sort(indices)

	var b strings.Builder
	first := true
	for _, index := range indices {
		roots := trees[index]
		if len(roots) == 0 && index != 0 {
			continue
		}
		if !first {
			b.WriteString("\n")
		}
		first = false

		path := framePath(index, frameMap)
		if info, ok := frameMap[index]; ok {
			info.FramePath = path
		}
		b.WriteString("=== Frame ")
		b.WriteString(strconv.Itoa(index))
		b.WriteString(" (")
		b.WriteString(path)
		b.WriteString(") ===\n")
		for _, root := range roots {
			writeNode(&b, root, 0)
		}
	}
	return b.String()
}

// framePath reconstructs a frame's human-readable ancestry by walking
// ParentFrameIndex, e.g. "Main → Frame 1 → Frame 3".
func framePath(index int, frameMap map[int]*IframeInfo) string {
	if index == 0 {
		return "Main"
	}
	var parts []string
	seen := map[int]bool{}
	for i := index; ; {
		if i == 0 {
			parts = append(parts, "Main")
			break
		}
		parts = append(parts, "Frame "+strconv.Itoa(i))
		info, ok := frameMap[i]
		if !ok || info.ParentFrameIndex == nil || seen[i] {
			break
		}
		seen[i] = true
		i = *info.ParentFrameIndex
	}
	for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
		parts[l], parts[r] = parts[r], parts[l]
	}
	return strings.Join(parts, " → ")
}

// writeNode emits one line per node, indented by depth, formatted
// "[<encodedId>] <role>[: <name>]".
func writeNode(b *strings.Builder, n *AXNode, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("[")
	b.WriteString(string(n.EncodedID))
	b.WriteString("] ")
	b.WriteString(n.Role)
	if n.Name != "" {
		b.WriteString(": ")
		b.WriteString(n.Name)
	}
	b.WriteString("\n")
	for _, child := range n.Children {
		writeNode(b, child, depth+1)
	}
}

// streamSections calls fn once per frame listing of a formatted tree, in
// document order. Frame listings are separated by a blank line.
func streamSections(domState string, fn func(section string)) {
	if fn == nil {
		return
	}
	for _, section := range strings.Split(domState, "\n\n") {
		if section = strings.TrimSpace(section); section != "" {
			fn(section)
		}
	}
}

var formattedLineRe = regexp.MustCompile(`^\s*\[(\d+-\d+)\] `)

// ParseFormattedTree extracts the set of encoded ids from a formatted
// listing. It is the inverse of the formatter with respect to ids, used to
// validate model references and in tests.
func ParseFormattedTree(s string) []EncodedID {
	seen := make(map[EncodedID]bool)
	var out []EncodedID
	for _, line := range strings.Split(s, "\n") {
		m := formattedLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id := EncodedID(m[1])
		if !id.Valid() || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
