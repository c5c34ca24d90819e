// Package watchdog judges, from noisy traffic counters, whether the tunnel's
// connection is currently bad.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Control-D-Inc/tunneld"
)

const (
	// minTotalPackets is the number of received packets below which a session is too cold to judge.
	minTotalPackets = 15
	// minNewPackets is the number of new packets required between two judged samples.
	minNewPackets = 10

	defaultLatencyThreshold = 750 * time.Millisecond
	defaultLossThreshold    = 30
	defaultInterval         = 30 * time.Second
	defaultDebounce         = 10 * time.Minute
)

var statsScore = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tunneld_watchdog_bad_connection_score",
	Help: "Current bad connection score of the running session.",
})

// Collectors returns the prometheus collectors of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{statsScore}
}

// Stats is the read-only view of the session traffic counters.
type Stats interface {
	PacketsReceived() uint64
	BytesOut() uint64
	FailedAnswers() uint64
	AverageLatency() time.Duration
}

// Config holds the watchdog thresholds.
type Config struct {
	LatencyThreshold     time.Duration
	LossThresholdPercent int
	Interval             time.Duration
	Debounce             time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyThreshold:     defaultLatencyThreshold,
		LossThresholdPercent: defaultLossThreshold,
		Interval:             defaultInterval,
		Debounce:             defaultDebounce,
	}
}

// ConfigFrom converts the watchdog section of the service config.
// Zero values fall back to the defaults.
func ConfigFrom(wc tunneld.WatchdogConfig) Config {
	cfg := DefaultConfig()
	if wc.LatencyThresholdMs > 0 {
		cfg.LatencyThreshold = time.Duration(wc.LatencyThresholdMs) * time.Millisecond
	}
	if wc.LossThresholdPercent > 0 {
		cfg.LossThresholdPercent = wc.LossThresholdPercent
	}
	if wc.IntervalSeconds > 0 {
		cfg.Interval = time.Duration(wc.IntervalSeconds) * time.Second
	}
	if wc.DebounceSeconds > 0 {
		cfg.Debounce = time.Duration(wc.DebounceSeconds) * time.Second
	}
	return cfg
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock sets the clock used for debouncing.
func WithClock(c timeutil.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithAfter replaces time.After for the sampling sleep.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(w *Watchdog) { w.after = after }
}

// Watchdog samples Stats periodically and reports bad connection episodes.
//
// onBad is called when a sample is judged bad, at most once per debounce
// window. onRecovered is called once when the score decays back to zero.
type Watchdog struct {
	cfg         Config
	stats       Stats
	onBad       func()
	onRecovered func()
	clock       timeutil.Clock
	after       func(time.Duration) <-chan time.Time

	mu          sync.Mutex
	score       int
	lastPackets uint64
	lastFailed  uint64
	prevLoss    int
	prevLatency time.Duration
	lastBadCall time.Time
	badCalled   bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns a stopped Watchdog.
func New(stats Stats, cfg Config, onBad, onRecovered func(), opts ...Option) *Watchdog {
	w := &Watchdog{
		cfg:         cfg,
		stats:       stats,
		onBad:       onBad,
		onRecovered: onRecovered,
		clock:       timeutil.RealClock(),
		after:       time.After,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the sampling loop in a new goroutine.
func (w *Watchdog) Start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		statsScore.Set(0)
		go w.loop(ctx)
	})
}

// Stop cancels the sampling loop and waits for it to exit.
// No callback is invoked once Stop has returned.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		// A watchdog stopped before Start never starts.
		w.startOnce.Do(func() {})
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		statsScore.Set(0)
	})
}

// Score returns the current bad connection score.
func (w *Watchdog) Score() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.score
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)
	for {
		d := w.cfg.Interval
		if w.Score() > 0 {
			d /= 5
		}
		select {
		case <-ctx.Done():
			return
		case <-w.after(d):
		}
		w.check(ctx)
	}
}

// check takes one sample. It reports whether the sample had enough data to be judged.
func (w *Watchdog) check(ctx context.Context) bool {
	packets := w.stats.PacketsReceived()
	failed := w.stats.FailedAnswers()

	w.mu.Lock()
	if packets < minTotalPackets || packets-w.lastPackets < minNewPackets || w.stats.BytesOut() == 0 {
		w.mu.Unlock()
		return false
	}

	latency := w.stats.AverageLatency()
	newPackets := packets - w.lastPackets
	newFailed := failed - w.lastFailed
	if failed < w.lastFailed {
		newFailed = 0
	}
	loss := 100 * float64(newFailed) / (0.9 * float64(newPackets))
	if w.prevLoss > 0 {
		loss = min(max(loss, 0.3*float64(w.prevLoss)), 1.75*float64(w.prevLoss))
	}
	loss = min(max(loss, 0), 100)
	lossPercent := int(loss)
	w.lastPackets = packets
	w.lastFailed = failed

	thr := w.cfg.LatencyThreshold
	bad := float64(latency) > 1.3*float64(thr) ||
		(w.prevLatency > thr && latency > thr) ||
		float64(lossPercent) > 1.3*float64(w.cfg.LossThresholdPercent)
	w.prevLatency = latency
	w.prevLoss = lossPercent

	var callBad, callRecovered bool
	if bad {
		w.score++
		now := w.clock.Now()
		if !w.badCalled || now.Sub(w.lastBadCall) >= w.cfg.Debounce {
			w.badCalled = true
			w.lastBadCall = now
			callBad = true
		}
	} else if w.score > 0 {
		w.score -= decay(w.score)
		if w.score <= 0 {
			w.score = 0
			callRecovered = true
		}
	}
	score := w.score
	w.mu.Unlock()

	statsScore.Set(float64(score))
	logger := tunneld.ProxyLogger.Load()
	tunneld.Log(ctx, logger.Debug(), "watchdog: latency=%s loss=%d%% bad=%t score=%d", latency, lossPercent, bad, score)

	if ctx.Err() != nil {
		return true
	}
	if callBad && w.onBad != nil {
		tunneld.Log(ctx, logger.Warn(), "watchdog: bad connection detected")
		w.onBad()
	}
	if callRecovered && w.onRecovered != nil {
		tunneld.Log(ctx, logger.Info(), "watchdog: connection recovered")
		w.onRecovered()
	}
	return true
}

// decay returns how much a good sample takes off the score.
func decay(score int) int {
	var step int
	switch {
	case score <= 10:
		step = 0
	case score <= 20:
		step = 2
	case score <= 50:
		step = 3
	case score <= 100:
		step = 5
	case score <= 200:
		step = 10
	case score <= 300:
		step = 18
	case score <= 500:
		step = 32
	default:
		step = max(32, score/8)
	}
	return max(3, score/6) + step
}
