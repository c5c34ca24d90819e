package netwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name                string
		oldUp, newUp, major bool
		want                Kind
		ok                  bool
	}{
		{"lost", true, false, true, ConnectivityLost, true},
		{"available", false, true, false, ConnectivityAvailable, true},
		{"link changed", true, true, true, LinkChanged, true},
		{"minor change", true, true, false, 0, false},
		{"still down", false, false, true, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := classify(tc.oldUp, tc.newUp, tc.major)
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestWatcher_Handle(t *testing.T) {
	privateDNS := false
	w := newWatcher(func() bool { return privateDNS })
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	w.handle(true, true, false)
	assert.Empty(t, w.Events())

	privateDNS = true
	w.handle(true, true, true)
	require.Len(t, w.Events(), 1)
	ev := <-w.Events()
	assert.Equal(t, Event{Kind: LinkChanged, PrivateDNS: true, At: at}, ev)
	assert.NoError(t, w.Close())
}

func TestWatcher_DropsWhenFull(t *testing.T) {
	w := newWatcher(nil)
	for i := 0; i < eventsBuffer+5; i++ {
		w.handle(false, true, false)
	}
	assert.Len(t, w.Events(), eventsBuffer)
}
