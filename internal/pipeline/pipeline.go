// Package pipeline wires perception to motion. Two independently scheduled
// loops run: the perception loop folds detections into the tracker at the
// detector cadence, and the actuation loop ticks the motion commander at the
// fieldbus polling cadence. The only state they share is the tracker's
// stable-target snapshot, so a slow detector never stalls actuation and a
// blocked protocol call never stalls candidate ingestion.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/eidos-vision/pickpoint/internal/calib"
	"github.com/eidos-vision/pickpoint/internal/motion"
	"github.com/eidos-vision/pickpoint/internal/track"
	"github.com/eidos-vision/pickpoint/internal/transform"
)

// Detector is the capability the external object detector must provide:
// zero or more detections per frame. A nil slice means no frame was
// available this cycle, which is a normal condition.
type Detector interface {
	Detect(ctx context.Context) ([]transform.Detection, error)
}

// Config holds pipeline cadences and detection selection parameters.
type Config struct {
	PerceptionInterval time.Duration
	PollInterval       time.Duration
	TargetClass        string
	MinConfidence      float64
}

// Pipeline runs the perception and actuation loops.
type Pipeline struct {
	cfg       Config
	detector  Detector
	calib     *calib.Store
	tracker   *track.Tracker
	commander *motion.Commander
}

// New assembles a pipeline. The commander owns the fieldbus session; the
// tracker is the sole writer of the live target.
func New(cfg Config, det Detector, store *calib.Store, tracker *track.Tracker, commander *motion.Commander) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		detector:  det,
		calib:     store,
		tracker:   tracker,
		commander: commander,
	}
}

// Run blocks until the context is cancelled, driving both loops.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.perceptionLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.actuationLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// perceptionLoop pulls detections, selects the best candidate of the target
// class, projects it into the base frame, and feeds the tracker.
func (p *Pipeline) perceptionLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PerceptionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		detections, err := p.detector.Detect(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("pipeline: detector error: %v", err)
			continue
		}

		best, ok := BestDetection(detections, p.cfg.TargetClass, p.cfg.MinConfidence)
		if !ok {
			continue // no object this cycle; staleness handles the rest
		}

		candidate, err := transform.Project(best, p.calib.Params())
		if err != nil {
			log.Printf("pipeline: drop detection at (%.1f, %.1f): %v", best.U, best.V, err)
			continue
		}
		p.tracker.Observe(candidate)
	}
}

// actuationLoop ticks the commander and closes out terminal motion cycles.
// After any terminal state the tracker is reset, so the next command always
// requires a freshly re-confirmed stable target.
func (p *Pipeline) actuationLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.commander.Tick(now)

			if snap := p.commander.Status(); snap.State.Terminal() {
				if prev, ok := p.commander.Acknowledge(); ok {
					log.Printf("pipeline: motion cycle ended in %s", prev)
					p.tracker.Reset()
				}
			}
		}
	}
}

// BestDetection picks the highest-confidence detection of the desired class
// at or above the confidence floor. This is the single-candidate arbitration
// point; everything downstream sees at most one detection per cycle.
func BestDetection(detections []transform.Detection, class string, minConfidence float64) (transform.Detection, bool) {
	var best transform.Detection
	found := false
	for _, d := range detections {
		if class != "" && d.Class != class {
			continue
		}
		if d.Confidence < minConfidence {
			continue
		}
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	return best, found
}
