package framewalk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameOffset(t *testing.T) {
	c := testCapturer()
	parent0, parent1 := 0, 1
	c.snap.FrameMap[0] = &IframeInfo{FrameIndex: 0}
	c.snap.FrameMap[1] = &IframeInfo{
		FrameIndex:          1,
		ParentFrameIndex:    &parent0,
		AbsoluteBoundingBox: &Rect{X: 40, Y: 60, Width: 300, Height: 200},
	}
	c.snap.FrameMap[2] = &IframeInfo{FrameIndex: 2, ParentFrameIndex: &parent1}

	x, y := c.frameOffset(0)
	assert.Zero(t, x)
	assert.Zero(t, y)

	// The anchor rectangle is already absolute: one hop suffices.
	x, y = c.frameOffset(1)
	assert.Equal(t, 40.0, x)
	assert.Equal(t, 60.0, y)
}

func TestFrameOffsetMissingAnchor(t *testing.T) {
	c := testCapturer()
	parent0 := 0
	c.snap.FrameMap[0] = &IframeInfo{FrameIndex: 0}
	c.snap.FrameMap[1] = &IframeInfo{FrameIndex: 1, ParentFrameIndex: &parent0}

	// No measured anchor yet: boxes stay frame-local rather than guessed.
	x, y := c.frameOffset(1)
	assert.Zero(t, x)
	assert.Zero(t, y)
}
