package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/eidos-vision/pickpoint/internal/transform"
)

// detectionFrame is the wire schema the external detector process emits,
// one JSON object per line.
type detectionFrame struct {
	TimestampUnixMs int64 `json:"timestamp_unix_ms"`
	Detections      []struct {
		U          float64  `json:"u"`
		V          float64  `json:"v"`
		Depth      *float64 `json:"depth,omitempty"` // metres; absent → plane resolve
		Class      string   `json:"class"`
		Confidence float64  `json:"confidence"`
	} `json:"detections"`
}

// StreamDetector adapts a line-delimited JSON detection stream (stdin pipe
// or TCP connection from the detector process) to the Detector capability.
// A background reader keeps only the most recent frame; Detect hands each
// frame out at most once, so the tracker sees every frame exactly once and
// a stalled stream reads as "no detections".
type StreamDetector struct {
	mu      sync.Mutex
	latest  []transform.Detection
	fresh   bool
	readErr error
	r       io.Reader
}

// NewStreamDetector starts consuming frames from r.
func NewStreamDetector(r io.Reader) *StreamDetector {
	d := &StreamDetector{r: r}
	go d.readLoop()
	return d
}

func (d *StreamDetector) readLoop() {
	scanner := bufio.NewScanner(d.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame detectionFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			d.mu.Lock()
			d.readErr = fmt.Errorf("parse detection frame: %w", err)
			d.mu.Unlock()
			continue
		}

		ts := time.UnixMilli(frame.TimestampUnixMs)
		if frame.TimestampUnixMs == 0 {
			ts = time.Now()
		}

		detections := make([]transform.Detection, 0, len(frame.Detections))
		for _, raw := range frame.Detections {
			det := transform.Detection{
				U:          raw.U,
				V:          raw.V,
				Class:      raw.Class,
				Confidence: raw.Confidence,
				Timestamp:  ts,
			}
			if raw.Depth != nil {
				det.Depth = *raw.Depth
				det.HasDepth = true
			}
			detections = append(detections, det)
		}

		d.mu.Lock()
		d.latest = detections
		d.fresh = true
		d.readErr = nil
		d.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		d.mu.Lock()
		d.readErr = fmt.Errorf("detection stream: %w", err)
		d.mu.Unlock()
	}
}

// Detect returns the most recent unconsumed frame, or nil when no new frame
// has arrived since the last call.
func (d *StreamDetector) Detect(_ context.Context) ([]transform.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readErr != nil {
		err := d.readErr
		d.readErr = nil
		return nil, err
	}
	if !d.fresh {
		return nil, nil
	}
	d.fresh = false
	return d.latest, nil
}
