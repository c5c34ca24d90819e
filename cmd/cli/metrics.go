package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/prom2json"
)

const metricsShutdownTimeout = time.Second

// metricsHandler serves the collectors of reg in the exposition format on
// /metrics and as prom2json families on /metrics/json.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Timeout:           10 * time.Second,
	}))
	mux.Handle("/metrics/json", jsonResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		families, err := jsonFamilies(reg)
		if err != nil {
			mainLog.Load().Warn().Err(err).Msg("could not gather metrics")
			http.Error(w, "could not gather metrics", http.StatusInternalServerError)
			return
		}
		if err := json.NewEncoder(w).Encode(families); err != nil {
			mainLog.Load().Warn().Err(err).Msg("could not encode metrics")
		}
	})))
	return mux
}

func jsonFamilies(reg *prometheus.Registry) ([]*prom2json.Family, error) {
	mfs, done, err := prometheus.ToTransactionalGatherer(reg).Gather()
	defer done()
	if err != nil {
		return nil, err
	}
	families := make([]*prom2json.Family, 0, len(mfs))
	for _, mf := range mfs {
		families = append(families, prom2json.NewFamily(mf))
	}
	return families, nil
}

// runMetricsServer serves metrics on addr until ctx is done. An empty addr
// disables the server; a listen failure is logged, not returned, so the
// session keeps running without metrics.
func runMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not start metrics server")
		return nil
	}
	mainLog.Load().Debug().Msgf("metrics server listening on: %s", ln.Addr())
	srv := &http.Server{Handler: metricsHandler(reg), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			mainLog.Load().Warn().Err(err).Msg("metrics server stopped")
		}
		return nil
	}
	sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not stop metrics server")
	}
	return nil
}
