package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(false)
	m.ExecutionStarted("webhook")
	m.ExecutionStarted("webhook")
	m.ExecutionFinished("failed", 3*time.Second)
	m.StageRetried("vuln-scan")
	m.LogSinkFailed()
	m.Reaped("expired")

	require.Equal(t, 2.0, testutil.ToFloat64(m.executionsStarted.WithLabelValues("webhook")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.executionsFinished.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.stageRetries.WithLabelValues("vuln-scan")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.logSinkFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reaped.WithLabelValues("expired")))
	require.Equal(t, 1, testutil.CollectAndCount(m.executionDuration))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(false)
	m.StageFinished("deploy", "success", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `deploypipe_stage_duration_seconds_count{status="success",type="deploy"} 1`), body)
}
