package trafficstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats_Counters(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordQuery(40)
			s.RecordAnswer(100, 20*time.Millisecond)
		}()
	}
	wg.Wait()
	s.RecordQuery(40)
	s.RecordFailure(20 * time.Millisecond)

	assert.EqualValues(t, 51, s.PacketsReceived())
	assert.EqualValues(t, 51*40, s.BytesIn())
	assert.EqualValues(t, 50*100, s.BytesOut())
	assert.EqualValues(t, 1, s.FailedAnswers())
	assert.Equal(t, 20*time.Millisecond, s.AverageLatency())
}

func TestStats_FloatingAverageLatency(t *testing.T) {
	s := New()
	assert.Zero(t, s.AverageLatency())

	s.RecordAnswer(1, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, s.AverageLatency())

	s.RecordAnswer(1, 500*time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, s.AverageLatency())
}

func TestStats_LastExchange(t *testing.T) {
	s := New()
	assert.Empty(t, s.LastExchange())
	s.RecordExchange("example.com. A via tls://dns.example:853")
	assert.Equal(t, "example.com. A via tls://dns.example:853", s.LastExchange())
}
