package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/prom2json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	h := metricsHandler(newRegistry())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tunneld_build_info")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/json", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeJson, rec.Header().Get("Content-Type"))
	var families []*prom2json.Family
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&families))
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.Name, "tunneld_time_seconds") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunMetricsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, runMetricsServer(ctx, "", newRegistry()))
	assert.NoError(t, runMetricsServer(ctx, "127.0.0.1:0", newRegistry()))
	assert.NoError(t, runMetricsServer(ctx, "256.0.0.1:bad", newRegistry()), "listen failures are not fatal")
}
