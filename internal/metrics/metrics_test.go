package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.FixesReceived.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.FixesReceived))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FixesReceived))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.Finalizations.WithLabelValues(OutcomeSucceeded).Inc()
	m.BufferedPoints.Set(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `path_worker_finalizations_total{outcome="succeeded"} 1`)
	assert.Contains(t, string(body), "path_worker_buffered_points 7")
	assert.Contains(t, string(body), "go_goroutines")
}
