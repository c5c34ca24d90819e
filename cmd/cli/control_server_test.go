package cli

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/session"
	"github.com/Control-D-Inc/tunneld/internal/trafficstats"
)

func unixDomainSocketPath(t *testing.T) string {
	t.Helper()
	sockPath, err := nettest.LocalPath()
	require.NoError(t, err)
	return sockPath
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	state session.State
}

func (c *fakeCommander) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *fakeCommander) Start(*tunneld.Config) { c.record("start") }
func (c *fakeCommander) Stop()                 { c.record("stop") }
func (c *fakeCommander) Pause()                { c.record("pause") }
func (c *fakeCommander) Resume()               { c.record("resume") }
func (c *fakeCommander) InvalidateCache()      { c.record("invalidate_cache") }
func (c *fakeCommander) State() session.State  { return c.state }

func (c *fakeCommander) Restart(reload bool) {
	if reload {
		c.record("restart_reload")
		return
	}
	c.record("restart")
}

func TestControlServer(t *testing.T) {
	sock := unixDomainSocketPath(t)
	s := newControlServer(sock)
	pattern := "/ping"
	respBody := []byte("pong")
	s.register(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(respBody)
	}))
	require.NoError(t, s.start())

	c := newControlClient(sock)
	resp, err := c.post(pattern, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeJson, resp.Header.Get("content-type"))
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, respBody))
	require.NoError(t, s.stop())
}

func newTestProg(t *testing.T) (*prog, *fakeCommander, *controlClient) {
	t.Helper()
	sock := unixDomainSocketPath(t)
	fc := &fakeCommander{state: session.StateRunning}
	p := &prog{
		ctrl:     fc,
		notifier: &logNotifier{},
		tunnels:  &listenerBuilder{},
		reg:      prometheus.NewRegistry(),
		cs:       newControlServer(sock),
	}
	p.registerControlServerHandler()
	require.NoError(t, p.cs.start())
	t.Cleanup(func() { _ = p.cs.stop() })
	return p, fc, newControlClient(sock)
}

func TestControlServer_Commands(t *testing.T) {
	_, fc, cc := newTestProg(t)
	for _, path := range []string{startPath, stopPath, pausePath, resumePath, invalidateCachePath, restartPath, restartPath + "?reload=true"} {
		res, err := cc.command(path)
		require.NoError(t, err, path)
		assert.Equal(t, "running", res.State)
	}
	assert.Equal(t, []string{"start", "stop", "pause", "resume", "invalidate_cache", "restart", "restart_reload"}, fc.calls)

	resp, err := cc.c.Get("http://unix" + pausePath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Len(t, fc.calls, 7)
}

func TestControlServer_Status(t *testing.T) {
	p, _, cc := newTestProg(t)
	queries := prometheus.NewCounter(prometheus.CounterOpts{Name: "tunneld_queries_count"})
	p.reg.MustRegister(queries)
	queries.Add(3)
	p.notifier.DegradedConnectivity(true)
	stats := trafficstats.New()
	stats.RecordQuery(40)
	stats.RecordExchange("example.com. A via tls://192.0.2.1:853")
	p.tunnels.stats.Store(stats)

	res, err := cc.command(statusPath)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.False(t, res.BadConnection)
	assert.EqualValues(t, 3, res.Queries)
	assert.EqualValues(t, 1, res.PacketsReceived)
	assert.EqualValues(t, 40, res.BytesOut)
	assert.Contains(t, res.LastExchange, "example.com.")

	var buf bytes.Buffer
	printStatus(&buf, res)
	assert.Contains(t, buf.String(), "Degraded connectivity")
	assert.Contains(t, buf.String(), "running")
}

func TestMetricValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_count"}, []string{"kind"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	reg.MustRegister(vec, gauge)
	vec.WithLabelValues("a").Add(2)
	vec.WithLabelValues("b").Add(3)
	gauge.Set(7)

	v, ok := metricValue(reg, "test_count")
	assert.True(t, ok)
	assert.EqualValues(t, 5, v)
	v, ok = metricValue(reg, "test_gauge")
	assert.True(t, ok)
	assert.EqualValues(t, 7, v)
	_, ok = metricValue(reg, "missing")
	assert.False(t, ok)
}
