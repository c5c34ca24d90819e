package cli

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Control-D-Inc/tunneld/internal/session"
	"github.com/Control-D-Inc/tunneld/internal/supervisor"
	"github.com/Control-D-Inc/tunneld/internal/watchdog"
)

// statsVersion represent tunneld version.
var statsVersion = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tunneld_build_info",
	Help: "Version of tunneld process.",
}, []string{"gitref", "goversion", "version"})

// statsTimeStart represents start time of tunneld service.
var statsTimeStart = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tunneld_time_seconds",
	Help: "Start time of the tunneld process since unix epoch in seconds.",
})

// newRegistry returns a registry with the process and session collectors.
func newRegistry() *prometheus.Registry {
	statsVersion.Reset()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())
	reg.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll),
	))
	reg.MustRegister(statsVersion, statsTimeStart)
	statsVersion.WithLabelValues(commit, runtime.Version(), curVersion()).Inc()
	statsTimeStart.Set(float64(time.Now().Unix()))
	reg.MustRegister(session.Collectors()...)
	reg.MustRegister(supervisor.Collectors()...)
	reg.MustRegister(watchdog.Collectors()...)
	return reg
}
