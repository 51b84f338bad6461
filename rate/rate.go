// Package rate implements the adaptive bitrate controller. It watches a
// sliding window of channel metrics and tunes chunk size, concurrency,
// and target byte rate with an additive-increase/multiplicative-decrease
// policy.
package rate

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flitnet/flit/limits"
)

// Mode classifies the network path.
type Mode uint8

const (
	// ModeWideArea is the conservative default.
	ModeWideArea Mode = iota
	// ModeLocal marks a low-latency, high-bandwidth path.
	ModeLocal
)

func (m Mode) String() string {
	if m == ModeLocal {
		return "local"
	}
	return "wide-area"
}

// localRTTThreshold separates local from wide-area baselines.
const localRTTThreshold = 5 * time.Millisecond

// Sample is one observation of channel conditions.
type Sample struct {
	RTT             time.Duration
	Jitter          time.Duration
	Loss            float64 // fraction of sends lost or timed out, 0..1
	BufferOccupancy float64 // send-buffer fill level, 0..1
	When            time.Time
}

// AdaptiveConfig is the controller's current output, read by the transfer
// state machine to pace transmission.
type AdaptiveConfig struct {
	ChunkSize   int
	TargetRate  int64 // bytes per second
	MinRate     int64
	MaxRate     int64
	Concurrency int
	Mode        Mode
}

// Config tunes the controller.
type Config struct {
	BaselineRTT    time.Duration // zero: learned from the first sample
	InitialRate    int64
	MinRate        int64
	MaxRate        int64
	MaxConcurrency int
	WindowSize     int
	HealthyStreak  int           // consecutive healthy evaluations before an increase
	AdjustInterval time.Duration // minimum spacing between adjustments
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		InitialRate:    1 << 20, // 1 MiB/s
		MinRate:        64 << 10,
		MaxRate:        64 << 20,
		MaxConcurrency: 16,
		WindowSize:     50,
		HealthyStreak:  3,
		AdjustInterval: 500 * time.Millisecond,
	}
}

// chunkTiers are the chunk sizes the controller steps between.
var chunkTiers = []int{16 << 10, 32 << 10, 64 << 10, 128 << 10, 256 << 10}

// Controller holds the congestion-control feedback state for one session.
type Controller struct {
	mu          sync.Mutex
	cfg         Config
	window      []Sample
	baseline    time.Duration
	healthyRun  int
	lastAdjust  time.Time
	current     AdaptiveConfig
	now         func() time.Time
}

// New creates a controller starting at the default chunk size with
// concurrency 1.
func New(cfg Config) *Controller {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = DefaultConfig().AdjustInterval
	}
	if cfg.HealthyStreak <= 0 {
		cfg.HealthyStreak = DefaultConfig().HealthyStreak
	}
	c := &Controller{
		cfg:      cfg,
		baseline: cfg.BaselineRTT,
		now:      time.Now,
		current: AdaptiveConfig{
			ChunkSize:   limits.DefaultChunkSize,
			TargetRate:  cfg.InitialRate,
			MinRate:     cfg.MinRate,
			MaxRate:     cfg.MaxRate,
			Concurrency: 1,
		},
	}
	c.current.Mode = c.classifyMode()
	return c
}

// Snapshot returns the current adaptive configuration.
func (c *Controller) Snapshot() AdaptiveConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Observe records one metric sample and, if warranted, adjusts the
// configuration. Adjustments are spaced at least AdjustInterval apart.
func (c *Controller) Observe(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.When.IsZero() {
		s.When = c.now()
	}
	if c.baseline == 0 && s.RTT > 0 {
		c.baseline = s.RTT
		c.current.Mode = c.classifyMode()
	}

	c.window = append(c.window, s)
	if len(c.window) > c.cfg.WindowSize {
		c.window = c.window[len(c.window)-c.cfg.WindowSize:]
	}

	congested, severity := c.evaluateCongested()
	switch {
	case congested:
		c.healthyRun = 0
		c.decrease(severity)
	case c.evaluateHealthy():
		c.healthyRun++
		if c.healthyRun >= c.cfg.HealthyStreak {
			if c.increase() {
				c.healthyRun = 0
			}
		}
	default:
		// Neither clearly healthy nor congested; the streak restarts.
		c.healthyRun = 0
	}
}

func (c *Controller) classifyMode() Mode {
	if c.baseline > 0 && c.baseline < localRTTThreshold {
		return ModeLocal
	}
	return ModeWideArea
}

func (c *Controller) windowMeans() (rtt, jitter time.Duration, loss, occupancy float64) {
	if len(c.window) == 0 {
		return
	}
	var rttSum, jitSum time.Duration
	for _, s := range c.window {
		rttSum += s.RTT
		jitSum += s.Jitter
		loss += s.Loss
		occupancy += s.BufferOccupancy
	}
	n := time.Duration(len(c.window))
	return rttSum / n, jitSum / n, loss / float64(len(c.window)), occupancy / float64(len(c.window))
}

// evaluateHealthy applies the healthy thresholds to the window means:
// RTT under 1.5x baseline, loss under 1%, jitter under a third of RTT,
// buffer under 80%.
func (c *Controller) evaluateHealthy() bool {
	rtt, jitter, loss, occupancy := c.windowMeans()
	if c.baseline == 0 {
		return false
	}
	return rtt < c.baseline*3/2 &&
		loss < 0.01 &&
		jitter < rtt/3 &&
		occupancy < 0.80
}

// evaluateCongested applies the congested thresholds and counts how many
// fired, which sets the decrease severity.
func (c *Controller) evaluateCongested() (bool, int) {
	rtt, jitter, loss, occupancy := c.windowMeans()
	severity := 0
	if c.baseline > 0 && rtt > c.baseline*3/2 {
		severity++
	}
	if loss >= 0.01 {
		severity++
	}
	if jitter > rtt/2 {
		severity++
	}
	if occupancy > 0.90 {
		severity++
	}
	return severity > 0, severity
}

func (c *Controller) canAdjust() bool {
	return c.lastAdjust.IsZero() || c.now().Sub(c.lastAdjust) >= c.cfg.AdjustInterval
}

// increase applies one additive step: +10% rate, next chunk tier up,
// concurrency +1, each capped by configuration.
func (c *Controller) increase() bool {
	if !c.canAdjust() {
		return false
	}
	c.current.TargetRate = min64(c.current.TargetRate+c.current.TargetRate/10, c.cfg.MaxRate)
	c.current.ChunkSize = nextTier(c.current.ChunkSize, +1)
	if c.current.Concurrency < c.cfg.MaxConcurrency {
		c.current.Concurrency++
	}
	c.lastAdjust = c.now()

	logrus.WithFields(logrus.Fields{
		"function":    "increase",
		"target_rate": c.current.TargetRate,
		"chunk_size":  c.current.ChunkSize,
		"concurrency": c.current.Concurrency,
	}).Debug("Adaptive config increased")
	return true
}

// decrease applies one multiplicative cut, 20-50% proportional to how
// many congestion signals fired, plus a chunk tier and concurrency step
// down.
func (c *Controller) decrease(severity int) {
	if !c.canAdjust() {
		return
	}
	cut := 20 + 10*(severity-1)
	if cut > 50 {
		cut = 50
	}
	c.current.TargetRate = max64(c.current.TargetRate*int64(100-cut)/100, c.cfg.MinRate)
	c.current.ChunkSize = nextTier(c.current.ChunkSize, -1)
	if c.current.Concurrency > 1 {
		c.current.Concurrency--
	}
	c.lastAdjust = c.now()

	logrus.WithFields(logrus.Fields{
		"function":    "decrease",
		"severity":    severity,
		"target_rate": c.current.TargetRate,
		"chunk_size":  c.current.ChunkSize,
		"concurrency": c.current.Concurrency,
	}).Debug("Adaptive config decreased")
}

func nextTier(size, dir int) int {
	for i, tier := range chunkTiers {
		if size <= tier {
			j := i + dir
			if j < 0 {
				j = 0
			}
			if j >= len(chunkTiers) {
				j = len(chunkTiers) - 1
			}
			return chunkTiers[j]
		}
	}
	return chunkTiers[len(chunkTiers)-1]
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// setTimeProvider overrides the clock for deterministic tests.
func (c *Controller) setTimeProvider(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
