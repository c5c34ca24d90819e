// Package trafficstats holds the rolling traffic counters of a live session.
//
// Counters are written by the transport layer only; readers treat every
// value as an eventually-consistent snapshot.
package trafficstats

import (
	"math"
	"sync/atomic"
	"time"
)

// latencyWeight is the weight of a new sample in the floating average latency.
const latencyWeight = 0.25

// Stats is the set of rolling counters of one session.
type Stats struct {
	packetsReceived atomic.Uint64
	bytesIn         atomic.Uint64
	bytesOut        atomic.Uint64
	failedAnswers   atomic.Uint64
	// avgLatency stores the float64 bits of the average latency in milliseconds.
	avgLatency   atomic.Uint64
	lastExchange atomic.Pointer[string]
}

// New returns zeroed Stats.
func New() *Stats {
	return &Stats{}
}

// RecordQuery records a query packet of n bytes received from the device.
func (s *Stats) RecordQuery(n int) {
	s.packetsReceived.Add(1)
	s.bytesIn.Add(uint64(n))
}

// RecordAnswer records an answer of n bytes sent back to the device and the
// upstream round trip latency.
func (s *Stats) RecordAnswer(n int, latency time.Duration) {
	s.bytesOut.Add(uint64(n))
	s.observeLatency(latency)
}

// RecordFailure records a query no upstream answered.
func (s *Stats) RecordFailure(latency time.Duration) {
	s.failedAnswers.Add(1)
	s.observeLatency(latency)
}

// RecordExchange keeps a short description of the most recent DNS exchange for diagnostics.
func (s *Stats) RecordExchange(desc string) {
	s.lastExchange.Store(&desc)
}

func (s *Stats) observeLatency(latency time.Duration) {
	sample := float64(latency) / float64(time.Millisecond)
	for {
		old := s.avgLatency.Load()
		cur := math.Float64frombits(old)
		next := sample
		if old != 0 {
			next = cur + latencyWeight*(sample-cur)
		}
		if s.avgLatency.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// PacketsReceived returns the number of query packets received from the device.
func (s *Stats) PacketsReceived() uint64 { return s.packetsReceived.Load() }

// BytesIn returns the number of query bytes received from the device.
func (s *Stats) BytesIn() uint64 { return s.bytesIn.Load() }

// BytesOut returns the number of answer bytes sent back to the device.
func (s *Stats) BytesOut() uint64 { return s.bytesOut.Load() }

// FailedAnswers returns the number of queries no upstream answered.
func (s *Stats) FailedAnswers() uint64 { return s.failedAnswers.Load() }

// AverageLatency returns the floating average upstream latency.
func (s *Stats) AverageLatency() time.Duration {
	ms := math.Float64frombits(s.avgLatency.Load())
	return time.Duration(ms * float64(time.Millisecond))
}

// LastExchange returns the description of the most recent DNS exchange, if any.
func (s *Stats) LastExchange() string {
	if p := s.lastExchange.Load(); p != nil {
		return *p
	}
	return ""
}
