package framewalk

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// EncodedID is the engine's stable element address: the frame index and the
// backend node id joined by a dash, e.g. "0-132". Frame index 0 is the main
// frame; higher indices follow depth-first DOM traversal order.
type EncodedID string

// encodedIDRe is the wire format: two non-negative decimal integers with no
// leading zeros.
var encodedIDRe = regexp.MustCompile(`^(0|[1-9][0-9]*)-(0|[1-9][0-9]*)$`)

// FormatEncodedID builds the encoded id for a frame index and backend node
// id.
func FormatEncodedID(frameIndex int, backendNodeID cdp.BackendNodeID) EncodedID {
	return EncodedID(strconv.Itoa(frameIndex) + "-" + strconv.FormatInt(int64(backendNodeID), 10))
}

// Parse splits the encoded id into its frame index and backend node id.
// Inputs not matching the wire format fail with ErrBadEncodedID.
func (e EncodedID) Parse() (frameIndex int, backendNodeID cdp.BackendNodeID, err error) {
	if !encodedIDRe.MatchString(string(e)) {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadEncodedID, string(e))
	}
	dash := strings.IndexByte(string(e), '-')
	frameIndex, err = strconv.Atoi(string(e)[:dash])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadEncodedID, string(e))
	}
	backend, err := strconv.ParseInt(string(e)[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadEncodedID, string(e))
	}
	return frameIndex, cdp.BackendNodeID(backend), nil
}

// FrameIndex returns the frame index component, or -1 for malformed ids.
func (e EncodedID) FrameIndex() int {
	i, _, err := e.Parse()
	if err != nil {
		return -1
	}
	return i
}

// Valid reports whether e matches the wire format.
func (e EncodedID) Valid() bool {
	return encodedIDRe.MatchString(string(e))
}
