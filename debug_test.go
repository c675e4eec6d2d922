package framewalk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDebugArtifacts(t *testing.T) {
	dir := t.TempDir()

	snap := newSnapshot()
	snap.DOMState = "=== Frame 0 (Main) ===\n[0-1] button: Go\n"
	snap.Metrics = CaptureMetrics{
		Total:    1500 * time.Millisecond,
		DOMWalk:  200 * time.Millisecond,
		AXFetch:  300 * time.Millisecond,
		Attempts: 2,
	}

	g := testGraph()
	g.upsert("main", "", func(r *FrameRecord) { r.URL = "https://shop.test/" })
	g.upsert("frame-a", "main", nil)

	writeDebugArtifacts(dir, snap, g, nil, newDiscardLogger())

	outline, err := os.ReadFile(filepath.Join(dir, "elems.txt"))
	require.NoError(t, err)
	assert.Equal(t, snap.DOMState, string(outline))

	// frames.json is the live frame graph, not the snapshot's frame map.
	var records []FrameRecord
	buf, err := os.ReadFile(filepath.Join(dir, "frames.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "https://shop.test/", records[0].URL)

	var metrics CaptureMetrics
	buf, err = os.ReadFile(filepath.Join(dir, "dom-capture-metrics.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &metrics))
	assert.Equal(t, snap.Metrics, metrics)

	var perf perfReport
	buf, err = os.ReadFile(filepath.Join(dir, "perf.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &perf))
	assert.Equal(t, 1500.0, perf.TotalMs)
	assert.Equal(t, 200.0, perf.DOMWalkMs)
	assert.Equal(t, 2, perf.Attempts)

	// No failures and no overlay: neither artifact appears.
	assert.NoFileExists(t, filepath.Join(dir, "box-failures.json"))
	assert.NoFileExists(t, filepath.Join(dir, "screenshot.png"))
}

func TestWriteDebugArtifactsVisual(t *testing.T) {
	dir := t.TempDir()

	snap := newSnapshot()
	snap.VisualOverlay = []byte{0x89, 'P', 'N', 'G'}
	failures := []BoxFailure{{FrameIndex: 0, XPath: "/html[1]/body[1]/div[3]"}}

	writeDebugArtifacts(dir, snap, nil, failures, newDiscardLogger())

	assert.NoFileExists(t, filepath.Join(dir, "frames.json"))

	png, err := os.ReadFile(filepath.Join(dir, "screenshot.png"))
	require.NoError(t, err)
	assert.Equal(t, snap.VisualOverlay, png)

	var got []BoxFailure
	buf, err := os.ReadFile(filepath.Join(dir, "box-failures.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &got))
	assert.Equal(t, failures, got)
}
