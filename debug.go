package framewalk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// perfReport is the perf.json artifact: per-pass wall times for one
// capture, in milliseconds.
type perfReport struct {
	TotalMs       float64 `json:"totalMs"`
	DOMWalkMs     float64 `json:"domWalkMs"`
	OOPIFSyncMs   float64 `json:"oopifSyncMs"`
	AXFetchMs     float64 `json:"axFetchMs"`
	ScrollablesMs float64 `json:"scrollablesMs"`
	TreeBuildMs   float64 `json:"treeBuildMs"`
	BoundingBoxMs float64 `json:"boundingBoxMs"`
	Attempts      int     `json:"attempts"`
}

func newPerfReport(m CaptureMetrics) perfReport {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return perfReport{
		TotalMs:       ms(m.Total),
		DOMWalkMs:     ms(m.DOMWalk),
		OOPIFSyncMs:   ms(m.OOPIFSync),
		AXFetchMs:     ms(m.AXFetch),
		ScrollablesMs: ms(m.Scrollables),
		TreeBuildMs:   ms(m.TreeBuild),
		BoundingBoxMs: ms(m.BoundingBox),
		Attempts:      m.Attempts,
	}
}

// writeDebugArtifacts dumps one capture's observable state into dir:
// the formatted outline, the live frame graph, capture metrics, per-pass
// timings, box-collection failures, and the overlay screenshot when
// visual mode produced one. Failures are logged, never fatal.
func writeDebugArtifacts(dir string, snap *Snapshot, graph *FrameGraph, failures []BoxFailure, logger *logrus.Logger) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		warnf(logger, "Debug:artifacts", "mkdir %s: %v", dir, err)
		return
	}

	writeFile := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			warnf(logger, "Debug:artifacts", "write %s: %v", name, err)
		}
	}
	writeJSON := func(name string, v any) {
		buf, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			warnf(logger, "Debug:artifacts", "marshal %s: %v", name, err)
			return
		}
		writeFile(name, append(buf, '\n'))
	}

	writeFile("elems.txt", []byte(snap.DOMState))
	if graph != nil {
		if buf, err := graph.Dump(); err == nil {
			writeFile("frames.json", append(buf, '\n'))
		} else {
			warnf(logger, "Debug:artifacts", "frame graph dump: %v", err)
		}
	}
	writeJSON("dom-capture-metrics.json", snap.Metrics)
	writeJSON("perf.json", newPerfReport(snap.Metrics))
	if len(failures) > 0 {
		writeJSON("box-failures.json", failures)
	}
	if snap.VisualOverlay != nil {
		writeFile("screenshot.png", snap.VisualOverlay)
	}
}
