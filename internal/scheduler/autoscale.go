package scheduler

import (
	"fmt"
	"time"
)

// Config tunes the worker pool and retry behaviour.
type Config struct {
	InitialWorkers    int
	MaxWorkers        int
	ScaleStep         int
	AutoscaleInterval time.Duration
	LowErrorRate      float64
	HighErrorRate     float64
	RetryBudget       int
}

// DefaultConfig returns the stock pool settings.
func DefaultConfig() Config {
	return Config{
		InitialWorkers:    5,
		MaxWorkers:        25,
		ScaleStep:         2,
		AutoscaleInterval: 3 * time.Second,
		LowErrorRate:      0.1,
		HighErrorRate:     0.3,
		RetryBudget:       2,
	}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.InitialWorkers <= 0 {
		return fmt.Errorf("initial workers must be > 0")
	}
	if c.MaxWorkers < c.InitialWorkers {
		return fmt.Errorf("max workers must be >= initial workers")
	}
	if c.ScaleStep <= 0 {
		return fmt.Errorf("scale step must be > 0")
	}
	if c.AutoscaleInterval <= 0 {
		return fmt.Errorf("autoscale interval must be > 0")
	}
	if c.LowErrorRate < 0 || c.HighErrorRate > 1 || c.LowErrorRate > c.HighErrorRate {
		return fmt.Errorf("error thresholds must satisfy 0 <= low <= high <= 1")
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("retry budget must be >= 0")
	}
	return nil
}

// Decide is the autoscaling control law. A high error rate halves the pool
// down to one worker; otherwise a backlog deeper than twice the pool, with a
// low error rate, grows it by up to ScaleStep without passing MaxWorkers.
// Error rates between the two thresholds leave the pool unchanged.
func Decide(workers, depth int, errRate float64, cfg Config) int {
	if workers < 1 {
		workers = 1
	}
	if errRate > cfg.HighErrorRate && workers > 1 {
		return max(1, workers/2)
	}
	if depth > 2*workers && errRate < cfg.LowErrorRate && workers < cfg.MaxWorkers {
		return workers + min(cfg.ScaleStep, cfg.MaxWorkers-workers)
	}
	return workers
}

// outcomeWindow is how many recent fetch outcomes feed the error rate.
const outcomeWindow = 50

// errorWindow is a ring of the most recent fetch outcomes. The rate it
// reports spans ticks, so a slow tick still sees earlier failures.
type errorWindow struct {
	failed   []bool
	next     int
	filled   int
	failures int
	fresh    int
}

func newErrorWindow(size int) errorWindow {
	return errorWindow{failed: make([]bool, max(1, size))}
}

func (w *errorWindow) record(failed bool) {
	if w.filled == len(w.failed) {
		if w.failed[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.failed[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.failed)
	w.fresh++
}

// sample returns the failure rate over the window. ok is false when nothing
// was recorded since the previous sample.
func (w *errorWindow) sample() (rate float64, ok bool) {
	if w.fresh == 0 {
		return 0, false
	}
	w.fresh = 0
	return float64(w.failures) / float64(w.filled), true
}
