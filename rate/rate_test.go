package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitnet/flit/limits"
)

func healthySample(base time.Duration) Sample {
	return Sample{RTT: base, Jitter: base / 10, Loss: 0, BufferOccupancy: 0.1}
}

func congestedSample(base time.Duration) Sample {
	return Sample{RTT: base * 3, Jitter: base * 2, Loss: 0.05, BufferOccupancy: 0.95}
}

// newTestController returns a controller with a controllable clock.
func newTestController(cfg Config) (*Controller, *time.Time) {
	c := New(cfg)
	now := time.Unix(1000, 0)
	c.setTimeProvider(func() time.Time { return now })
	return c, &now
}

func TestInitialSnapshot(t *testing.T) {
	c := New(DefaultConfig())
	snap := c.Snapshot()
	assert.Equal(t, limits.DefaultChunkSize, snap.ChunkSize)
	assert.Equal(t, 1, snap.Concurrency)
	assert.Equal(t, DefaultConfig().InitialRate, snap.TargetRate)
	assert.Equal(t, ModeWideArea, snap.Mode)
}

func TestLocalBaselineSelectsLocalMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = time.Millisecond
	c := New(cfg)
	assert.Equal(t, ModeLocal, c.Snapshot().Mode)
}

func TestHealthyStreakIncreases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = 20 * time.Millisecond
	c, now := newTestController(cfg)

	before := c.Snapshot()
	for i := 0; i < 3; i++ {
		c.Observe(healthySample(cfg.BaselineRTT))
		*now = now.Add(time.Second)
	}
	after := c.Snapshot()

	assert.Greater(t, after.TargetRate, before.TargetRate)
	assert.Greater(t, after.ChunkSize, before.ChunkSize)
	assert.Equal(t, before.Concurrency+1, after.Concurrency)
}

func TestTwoHealthyEvaluationsAreNotEnough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = 20 * time.Millisecond
	c, now := newTestController(cfg)

	before := c.Snapshot()
	for i := 0; i < 2; i++ {
		c.Observe(healthySample(cfg.BaselineRTT))
		*now = now.Add(time.Second)
	}
	assert.Equal(t, before, c.Snapshot())
}

func TestCongestionDecreasesImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = 20 * time.Millisecond
	c, _ := newTestController(cfg)

	before := c.Snapshot()
	c.Observe(congestedSample(cfg.BaselineRTT))
	after := c.Snapshot()

	assert.Less(t, after.TargetRate, before.TargetRate)
	assert.Less(t, after.ChunkSize, before.ChunkSize)
	assert.Equal(t, 1, after.Concurrency, "concurrency floors at 1")
}

func TestCongestionDoesNotIncreaseWithinInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = 20 * time.Millisecond
	c, now := newTestController(cfg)

	start := c.Snapshot().TargetRate
	var rates []int64
	for i := 0; i < 3; i++ {
		c.Observe(congestedSample(cfg.BaselineRTT))
		rates = append(rates, c.Snapshot().TargetRate)
		*now = now.Add(100 * time.Millisecond) // within the adjust interval
	}

	assert.Less(t, rates[0], start, "first congested evaluation cuts the rate")
	for _, r := range rates {
		assert.LessOrEqual(t, r, rates[0], "rate must not rise within the rate-limit interval")
	}
}

func TestSeverityScalesTheCut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = 20 * time.Millisecond

	mild, _ := newTestController(cfg)
	mild.Observe(Sample{RTT: cfg.BaselineRTT, Jitter: 0, Loss: 0.02, BufferOccupancy: 0.1})

	severe, _ := newTestController(cfg)
	severe.Observe(congestedSample(cfg.BaselineRTT))

	assert.Greater(t, mild.Snapshot().TargetRate, severe.Snapshot().TargetRate,
		"more congestion signals should cut deeper")
}

func TestRateStaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = 20 * time.Millisecond
	cfg.MinRate = 100_000
	cfg.MaxRate = 2_000_000
	cfg.InitialRate = 1_000_000
	c, now := newTestController(cfg)

	for i := 0; i < 50; i++ {
		c.Observe(congestedSample(cfg.BaselineRTT))
		*now = now.Add(time.Second)
	}
	assert.Equal(t, cfg.MinRate, c.Snapshot().TargetRate)
	assert.Equal(t, chunkTiers[0], c.Snapshot().ChunkSize)

	for i := 0; i < 200; i++ {
		c.Observe(healthySample(cfg.BaselineRTT))
		*now = now.Add(time.Second)
	}
	snap := c.Snapshot()
	assert.Equal(t, cfg.MaxRate, snap.TargetRate)
	assert.Equal(t, chunkTiers[len(chunkTiers)-1], snap.ChunkSize)
	assert.Equal(t, cfg.MaxConcurrency, snap.Concurrency)
}

func TestBaselineLearnedFromFirstSample(t *testing.T) {
	c, _ := newTestController(DefaultConfig())
	c.Observe(Sample{RTT: 2 * time.Millisecond, Jitter: 0, Loss: 0, BufferOccupancy: 0})
	assert.Equal(t, ModeLocal, c.Snapshot().Mode)
}

func TestWindowIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineRTT = 20 * time.Millisecond
	cfg.WindowSize = 5
	c, now := newTestController(cfg)

	for i := 0; i < 20; i++ {
		c.Observe(healthySample(cfg.BaselineRTT))
		*now = now.Add(time.Second)
	}
	require.LessOrEqual(t, len(c.window), 5)
}
