package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Isolation(t *testing.T) {
	a := New()
	b := New()

	a.ScansFailed.Inc()

	require.Equal(t, 1.0, testutil.ToFloat64(a.ScansFailed))
	require.Equal(t, 0.0, testutil.ToFloat64(b.ScansFailed))
}

func TestMetrics_Labels(t *testing.T) {
	m := New()

	m.ScansSubmitted.WithLabelValues("directed").Inc()
	m.ScansCompleted.WithLabelValues("Done").Inc()
	m.ProbeScansRouted.WithLabelValues("probe-1").Add(3)
	m.GVMConnectionErrors.WithLabelValues("probe-1").Inc()
	m.ProbeScansActive.WithLabelValues("probe-1").Set(2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.ScansSubmitted.WithLabelValues("directed")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.ScansSubmitted.WithLabelValues("full")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ScansCompleted.WithLabelValues("Done")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ProbeScansRouted.WithLabelValues("probe-1")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.GVMConnectionErrors.WithLabelValues("probe-1")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.ProbeScansActive.WithLabelValues("probe-1")))
}

func TestMetrics_HandlerExposesInstruments(t *testing.T) {
	m := New()
	m.ScansActive.Set(4)
	m.ScanDuration.Observe(120)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "scanhub_scans_active 4")
	require.Contains(t, body, `scanhub_scan_duration_seconds_bucket{le="300"} 1`)
	require.Contains(t, body, "go_goroutines")
}
