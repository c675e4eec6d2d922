package framewalk

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *FrameGraph {
	return NewFrameGraph(nil, newDiscardLogger())
}

func TestFrameGraphUpsertIndices(t *testing.T) {
	g := testGraph()

	root := g.upsert("main", "", nil)
	assert.Equal(t, 0, root.FrameIndex)

	a := g.upsert("frame-a", "main", nil)
	b := g.upsert("frame-b", "main", nil)
	assert.Equal(t, 1, a.FrameIndex)
	assert.Equal(t, 2, b.FrameIndex)

	// Upserting an existing frame keeps its index.
	again := g.upsert("frame-a", "main", func(r *FrameRecord) { r.URL = "https://a.test/" })
	assert.Equal(t, 1, again.FrameIndex)
	assert.Equal(t, "https://a.test/", again.URL)
}

func TestFrameGraphAssignFrameIndexBumpsConflict(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", nil)
	g.upsert("frame-a", "main", nil) // preliminary index 1
	g.upsert("frame-b", "main", nil) // preliminary index 2

	// Depth-first capture decided frame-b is index 1.
	g.AssignFrameIndex("frame-b", 1)

	b, ok := g.Record("frame-b")
	require.True(t, ok)
	assert.Equal(t, 1, b.FrameIndex)

	a, ok := g.Record("frame-a")
	require.True(t, ok)
	assert.NotEqual(t, 1, a.FrameIndex, "displaced record must move to a fresh index")

	byIdx, ok := g.RecordByIndex(1)
	require.True(t, ok)
	assert.Equal(t, cdp.FrameID("frame-b"), byIdx.FrameID)

	// Indices stay unique.
	seen := map[int]bool{}
	for _, r := range g.Records() {
		assert.False(t, seen[r.FrameIndex], "duplicate index %d", r.FrameIndex)
		seen[r.FrameIndex] = true
	}
}

func TestFrameGraphNavigatedUpdatesRecord(t *testing.T) {
	g := testGraph()
	g.onFrameNavigated(&cdp.Frame{ID: "main", URL: "https://example.test/", LoaderID: "l1"})

	r, ok := g.Record("main")
	require.True(t, ok)
	assert.Equal(t, 0, r.FrameIndex)
	assert.Equal(t, "https://example.test/", r.URL)
	assert.Equal(t, cdp.LoaderID("l1"), r.LoaderID)
}

func TestFrameGraphDetachRemovesSubtree(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", nil)
	g.upsert("frame-a", "main", nil)
	g.upsert("frame-a-child", "frame-a", nil)
	g.upsert("frame-b", "main", nil)

	g.onFrameDetached("frame-a")

	_, ok := g.Record("frame-a")
	assert.False(t, ok)
	_, ok = g.Record("frame-a-child")
	assert.False(t, ok, "descendants go with their parent")
	_, ok = g.Record("frame-b")
	assert.True(t, ok)
}

func TestFrameGraphExecutionContextLifecycle(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", nil)

	g.onExecutionContextCreated(nil, &runtime.ExecutionContextDescription{
		ID:      7,
		AuxData: []byte(`{"frameId":"main","isDefault":true}`),
	})
	r, _ := g.Record("main")
	assert.Equal(t, runtime.ExecutionContextID(7), r.ExecutionContextID)

	// Non-default contexts are ignored.
	g.onExecutionContextCreated(nil, &runtime.ExecutionContextDescription{
		ID:      8,
		AuxData: []byte(`{"frameId":"main","isDefault":false,"type":"isolated"}`),
	})
	r, _ = g.Record("main")
	assert.Equal(t, runtime.ExecutionContextID(7), r.ExecutionContextID)

	g.onExecutionContextDestroyed(7)
	r, _ = g.Record("main")
	assert.Zero(t, r.ExecutionContextID)
}

func TestWaitForExecutionContextImmediate(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", func(r *FrameRecord) { r.ExecutionContextID = 3 })

	id, err := g.WaitForExecutionContext(context.Background(), "main", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, runtime.ExecutionContextID(3), id)
}

func TestWaitForExecutionContextReleased(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", nil)
	g.upsert("frame-a", "main", nil)

	done := make(chan struct{})
	var id runtime.ExecutionContextID
	var err error
	go func() {
		defer close(done)
		id, err = g.WaitForExecutionContext(context.Background(), "frame-a", time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	g.onExecutionContextCreated(nil, &runtime.ExecutionContextDescription{
		ID:      11,
		AuxData: []byte(`{"frameId":"frame-a","type":"default"}`),
	})

	<-done
	require.NoError(t, err)
	assert.Equal(t, runtime.ExecutionContextID(11), id)
}

func TestWaitForExecutionContextTimesOut(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", nil)

	start := time.Now()
	_, err := g.WaitForExecutionContext(context.Background(), "main", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrFrameNotReady)
	assert.Less(t, time.Since(start), time.Second)

	_, err = g.WaitForExecutionContext(context.Background(), "nope", time.Millisecond)
	assert.ErrorIs(t, err, ErrFrameNotFound)
}

func TestWaitForExecutionContextDetachWakesWaiter(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", nil)
	g.upsert("frame-a", "main", nil)

	done := make(chan error, 1)
	go func() {
		_, err := g.WaitForExecutionContext(context.Background(), "frame-a", time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	g.onFrameDetached("frame-a")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrFrameNotReady)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on detach")
	}
}

func TestRecordByBackendNodeID(t *testing.T) {
	g := testGraph()
	g.upsert("main", "", nil)
	g.upsert("frame-a", "main", func(r *FrameRecord) { r.BackendNodeID = 55 })

	r, ok := g.RecordByBackendNodeID(55)
	require.True(t, ok)
	assert.Equal(t, cdp.FrameID("frame-a"), r.FrameID)

	_, ok = g.RecordByBackendNodeID(0)
	assert.False(t, ok, "zero backend node id never matches")
}

func TestIsAdURL(t *testing.T) {
	g := testGraph()
	assert.True(t, g.isAdURL("https://securepubads.g.doubleclick.net/gampad/ads"))
	assert.False(t, g.isAdURL("https://payments.example.test/frame"))

	g.SetAdDenyList([]string{"ads.internal"})
	assert.True(t, g.isAdURL("https://ads.internal/slot"))
	assert.False(t, g.isAdURL("https://securepubads.g.doubleclick.net/"), "custom list replaces the default")
}

func TestFrameGraphInvalidateHook(t *testing.T) {
	g := testGraph()
	var calls int
	g.SetInvalidateFunc(func() { calls++ })

	g.onFrameNavigated(&cdp.Frame{ID: "main"})
	g.onFrameDetached("main")
	assert.Equal(t, 2, calls)
}
