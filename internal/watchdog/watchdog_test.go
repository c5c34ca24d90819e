package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Control-D-Inc/tunneld"
)

type fakeStats struct {
	mu       sync.Mutex
	packets  uint64
	bytesOut uint64
	failed   uint64
	latency  time.Duration
}

func (f *fakeStats) PacketsReceived() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packets
}

func (f *fakeStats) BytesOut() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesOut
}

func (f *fakeStats) FailedAnswers() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *fakeStats) AverageLatency() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latency
}

// sample adds traffic for one sampling period.
func (f *fakeStats) sample(packets, failed uint64, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets += packets
	f.failed += failed
	f.bytesOut += packets * 64
	f.latency = latency
}

type harness struct {
	w         *Watchdog
	stats     *fakeStats
	clock     *timeutil.SimulatedClock
	bad       atomic.Int32
	recovered atomic.Int32
}

func newHarness(cfg Config) *harness {
	h := &harness{stats: &fakeStats{}, clock: &timeutil.SimulatedClock{}}
	h.clock.SetTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	h.w = New(h.stats, cfg,
		func() { h.bad.Add(1) },
		func() { h.recovered.Add(1) },
		WithClock(h.clock),
	)
	return h
}

// step feeds one sample and judges it.
func (h *harness) step(t *testing.T, packets, failed uint64, latency time.Duration) {
	t.Helper()
	h.stats.sample(packets, failed, latency)
	require.True(t, h.w.check(context.Background()))
	require.GreaterOrEqual(t, h.w.Score(), 0)
	h.clock.AdvanceTime(h.w.cfg.Interval / 5)
}

func TestWatchdog_HighLatencyDebounced(t *testing.T) {
	h := newHarness(DefaultConfig())
	for i := 0; i < 20; i++ {
		h.step(t, 20, 0, 1000*time.Millisecond)
	}
	assert.EqualValues(t, 1, h.bad.Load(), "bad callback must be debounced")
	assert.Equal(t, 20, h.w.Score())

	h.clock.AdvanceTime(10 * time.Minute)
	h.step(t, 20, 0, 1000*time.Millisecond)
	assert.EqualValues(t, 2, h.bad.Load())
}

func TestWatchdog_ConsecutiveModerateLatency(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.step(t, 20, 0, 900*time.Millisecond)
	assert.Zero(t, h.bad.Load(), "a single moderate breach is not bad")
	assert.Zero(t, h.w.Score())

	h.step(t, 20, 0, 900*time.Millisecond)
	assert.EqualValues(t, 1, h.bad.Load())
	assert.Equal(t, 1, h.w.Score())
}

func TestWatchdog_PacketLoss(t *testing.T) {
	h := newHarness(DefaultConfig())
	// 100*40/(0.9*100) = 44%, above 1.3*30.
	h.step(t, 100, 40, 50*time.Millisecond)
	assert.EqualValues(t, 1, h.bad.Load())
	assert.Equal(t, 44, h.w.prevLoss)

	// A clean sample is clamped to 0.3 of the previous loss.
	h.step(t, 100, 0, 50*time.Millisecond)
	assert.Equal(t, 13, h.w.prevLoss)

	// A spike is clamped to 1.75 of the previous loss.
	h.step(t, 100, 90, 50*time.Millisecond)
	assert.Equal(t, 22, h.w.prevLoss)
}

func TestWatchdog_RecoversOnce(t *testing.T) {
	h := newHarness(DefaultConfig())
	for i := 0; i < 20; i++ {
		h.step(t, 20, 0, 2*time.Second)
	}
	require.Equal(t, 20, h.w.Score())

	var scores []int
	for i := 0; i < 10; i++ {
		h.step(t, 20, 0, 100*time.Millisecond)
		scores = append(scores, h.w.Score())
	}
	assert.Equal(t, []int{15, 10, 7, 4, 1, 0, 0, 0, 0, 0}, scores)
	assert.EqualValues(t, 1, h.recovered.Load())

	// A new episode recovers once more.
	h.step(t, 20, 0, 2*time.Second)
	h.step(t, 20, 0, 100*time.Millisecond)
	assert.Zero(t, h.w.Score())
	assert.EqualValues(t, 2, h.recovered.Load())
}

func TestWatchdog_SkipsColdSession(t *testing.T) {
	tests := []struct {
		name     string
		packets  uint64
		bytesOut uint64
	}{
		{"too few packets overall", 14, 1000},
		{"nothing sent back", 100, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(DefaultConfig())
			h.stats.packets = tc.packets
			h.stats.bytesOut = tc.bytesOut
			h.stats.latency = 5 * time.Second
			assert.False(t, h.w.check(context.Background()))
			assert.Zero(t, h.w.Score())
		})
	}

	t.Run("too few new packets", func(t *testing.T) {
		h := newHarness(DefaultConfig())
		h.step(t, 20, 0, 5*time.Second)
		h.stats.sample(9, 0, 5*time.Second)
		assert.False(t, h.w.check(context.Background()))
		assert.Equal(t, 1, h.w.Score())

		// Skipped packets still count towards the next sample.
		h.stats.sample(1, 0, 5*time.Second)
		assert.True(t, h.w.check(context.Background()))
		assert.Equal(t, 2, h.w.Score())
	})
}

func TestDecay(t *testing.T) {
	tests := []struct {
		score int
		want  int
	}{
		{1, 3},
		{10, 3},
		{11, 5},
		{20, 5},
		{50, 11},
		{100, 21},
		{200, 43},
		{300, 68},
		{500, 115},
		{1000, 291},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, decay(tc.score), "score %d", tc.score)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(tunneld.WatchdogConfig{LatencyThresholdMs: 500, DebounceSeconds: 60})
	assert.Equal(t, 500*time.Millisecond, cfg.LatencyThreshold)
	assert.Equal(t, 30, cfg.LossThresholdPercent)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, time.Minute, cfg.Debounce)
}

func TestWatchdog_LoopAndStop(t *testing.T) {
	stats := &fakeStats{}
	stats.sample(20, 0, 2*time.Second)

	var mu sync.Mutex
	var delays []time.Duration
	after := func(d time.Duration) <-chan time.Time {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		ch := make(chan time.Time, 1)
		if len(delays) <= 3 {
			ch <- time.Time{}
		}
		return ch
	}
	var bad atomic.Int32
	w := New(stats, DefaultConfig(), func() { bad.Add(1) }, nil, WithAfter(after))
	w.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) == 4
	}, time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()

	assert.EqualValues(t, 1, bad.Load())
	mu.Lock()
	assert.Equal(t, []time.Duration{30 * time.Second, 6 * time.Second, 6 * time.Second, 6 * time.Second}, delays)
	mu.Unlock()

	stats.sample(20, 0, 2*time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, bad.Load(), "no callback after Stop")
}

func TestWatchdog_StopBeforeStart(t *testing.T) {
	w := New(&fakeStats{}, DefaultConfig(), nil, nil)
	w.Stop()
	w.Start()
	w.Stop()
}
