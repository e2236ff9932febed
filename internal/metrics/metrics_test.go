package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated()
		m.SessionClosed()
		m.SessionEnded()
		m.CreateFailed("spawn")
		m.Output(10)
		m.Input(3)
		m.ObserveForeground(time.Millisecond)
		m.WSOpened()
		m.WSClosed()
	})
}

func TestSessionCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionCreated()
	m.SessionCreated()
	m.SessionClosed()
	m.SessionEnded()
	m.CreateFailed("allocation")
	m.Output(128)
	m.Input(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsEnded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CreateFailures.WithLabelValues("allocation")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.OutputBytes))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.InputBytes))
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.WSOpened()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ptyhost_ws_connections 1")
}
