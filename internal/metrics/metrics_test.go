package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	reg := New()
	reg.AdmissionWaiters.Set(3)
	reg.ConnectionsOpened.Inc()
	reg.QuotaViolationsSleep.WithLabelValues("client-a").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "broker_admission_waiters 3")
	assert.Contains(t, body, "broker_connections_opened_total 1")
	assert.Contains(t, body, `broker_quota_throttled_total{client_id="client-a"} 1`)
}
