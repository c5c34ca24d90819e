package cli

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/session"
)

const (
	contentTypeJson     = "application/json"
	startPath           = "/start"
	stopPath            = "/stop"
	restartPath         = "/restart"
	pausePath           = "/pause"
	resumePath          = "/resume"
	invalidateCachePath = "/invalidate-cache"
	statusPath          = "/status"
)

type controlServer struct {
	server *http.Server
	mux    *http.ServeMux
	addr   string
}

func newControlServer(addr string) *controlServer {
	mux := http.NewServeMux()
	return &controlServer{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		mux:    mux,
		addr:   addr,
	}
}

func (s *controlServer) start() error {
	_ = os.Remove(s.addr)
	unixListener, err := net.Listen("unix", s.addr)
	if err != nil {
		return err
	}
	if l, ok := unixListener.(*net.UnixListener); ok {
		l.SetUnlinkOnClose(true)
	}
	go s.server.Serve(unixListener)
	return nil
}

func (s *controlServer) stop() error {
	_ = os.Remove(s.addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *controlServer) register(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, jsonResponse(handler))
}

// statusResponse is the session status reported by the daemon.
type statusResponse struct {
	State              string  `json:"state"`
	Degraded           bool    `json:"degraded"`
	BadConnection      bool    `json:"bad_connection"`
	BadConnectionScore float64 `json:"bad_connection_score"`
	Queries            float64 `json:"queries"`
	PacketsReceived    uint64  `json:"packets_received"`
	BytesIn            uint64  `json:"bytes_in"`
	BytesOut           uint64  `json:"bytes_out"`
	FailedAnswers      uint64  `json:"failed_answers"`
	AverageLatencyMs   int64   `json:"average_latency_ms"`
	LastExchange       string  `json:"last_exchange"`
}

// sessionCommander is the command surface of the session controller.
type sessionCommander interface {
	Start(cfg *tunneld.Config)
	Stop()
	Restart(reload bool)
	Pause()
	Resume()
	InvalidateCache()
	State() session.State
}

func (p *prog) registerControlServerHandler() {
	command := func(name string, fn func(r *http.Request)) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			mainLog.Load().Debug().Msgf("handling %s request", name)
			fn(r)
			p.writeStatus(w)
		})
	}
	p.cs.register(startPath, command("start", func(*http.Request) { p.ctrl.Start(nil) }))
	p.cs.register(stopPath, command("stop", func(*http.Request) { p.ctrl.Stop() }))
	p.cs.register(restartPath, command("restart", func(r *http.Request) {
		p.ctrl.Restart(r.URL.Query().Get("reload") == "true")
	}))
	p.cs.register(pausePath, command("pause", func(*http.Request) { p.ctrl.Pause() }))
	p.cs.register(resumePath, command("resume", func(*http.Request) { p.ctrl.Resume() }))
	p.cs.register(invalidateCachePath, command("invalidate cache", func(*http.Request) { p.ctrl.InvalidateCache() }))
	p.cs.register(statusPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.writeStatus(w)
	}))
}

func (p *prog) writeStatus(w http.ResponseWriter) {
	if err := json.NewEncoder(w).Encode(p.status()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (p *prog) status() *statusResponse {
	res := &statusResponse{
		State:         p.ctrl.State().String(),
		Degraded:      p.notifier.degraded.Load(),
		BadConnection: p.notifier.badConnection.Load(),
	}
	res.Queries, _ = metricValue(p.reg, "tunneld_queries_count")
	res.BadConnectionScore, _ = metricValue(p.reg, "tunneld_watchdog_bad_connection_score")
	if s := p.tunnels.currentStats(); s != nil {
		res.PacketsReceived = s.PacketsReceived()
		res.BytesIn = s.BytesIn()
		res.BytesOut = s.BytesOut()
		res.FailedAnswers = s.FailedAnswers()
		res.AverageLatencyMs = s.AverageLatency().Milliseconds()
		res.LastExchange = s.LastExchange()
	}
	return res
}

// metricValue returns the sum of the counter or gauge values of the named family.
func metricValue(g prometheus.Gatherer, name string) (float64, bool) {
	mfs, err := g.Gather()
	if err != nil {
		mainLog.Load().Debug().Err(err).Msg("could not gather metrics")
		return 0, false
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += sampleValue(mf.GetType(), m)
		}
		return sum, true
	}
	return 0, false
}

func sampleValue(typ dto.MetricType, m *dto.Metric) float64 {
	switch typ {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func jsonResponse(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
