package session

import "github.com/prometheus/client_golang/prometheus"

// statsState is the current session state.
var statsState = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tunneld_session_state",
	Help: "Current session state: 0 stopped, 1 starting, 2 running, 3 paused, 4 destroyed.",
})

// statsCommands counts processed commands.
var statsCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tunneld_session_commands_count",
	Help: "Total number of session commands processed.",
}, []string{"command"})

// statsEstablished counts established session instances.
var statsEstablished = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tunneld_session_established_count",
	Help: "Total number of established session instances.",
})

// statsQueries counts queries forwarded through the tunnel.
var statsQueries = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tunneld_queries_count",
	Help: "Total number of queries forwarded upstream.",
})

// Collectors returns the prometheus collectors of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{statsState, statsCommands, statsEstablished, statsQueries}
}
