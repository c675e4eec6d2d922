package framewalk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRejectsBadID(t *testing.T) {
	r := &resolver{graph: testGraph(), logger: newDiscardLogger()}
	_, err := r.resolve(context.Background(), newSnapshot(), "not-an-id")
	assert.ErrorIs(t, err, ErrBadEncodedID)
}

func TestResolveUnknownFrame(t *testing.T) {
	r := &resolver{graph: testGraph(), logger: newDiscardLogger()}

	// Neither the snapshot's frame map nor the graph know index 4.
	_, err := r.resolve(context.Background(), newSnapshot(), "4-10")
	assert.ErrorIs(t, err, ErrFrameNotFound)
}
