package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/failover"
	"github.com/tourbase/resilience/internal/registry"
	"github.com/tourbase/resilience/internal/routing"
)

func testServer(t *testing.T) (*Server, *registry.Registry, *alerts.Bus) {
	t.Helper()
	cfg := config.Default()
	reg := registry.New(registry.BreakerConfig{
		FailureThreshold:  5,
		Timeout:           time.Minute,
		RequiredSuccesses: 3,
	}, zap.NewNop())
	bus := alerts.NewBus(zap.NewNop())
	t.Cleanup(bus.Stop)
	orch := failover.New(reg, routing.NewMemoryUpdater(), bus, cfg.Failover, zap.NewNop())
	t.Cleanup(orch.Shutdown)

	require.NoError(t, reg.Register(registry.ServiceEndpoint{
		ID:             "payments-api",
		Name:           "Payments API",
		URL:            "http://payments:8080",
		HealthCheckURL: "http://payments:8080/healthz",
		Region:         "eu-west-1",
		Priority:       10,
	}, "payments"))

	return NewServer(cfg, reg, orch, bus, zap.NewNop()), reg, bus
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := get(t, srv, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.ServiceCounts["healthy"])
	assert.Equal(t, 0, status.OpenBreakers)
	assert.Equal(t, 1.0, status.FailoverSuccessRate)
	require.Len(t, status.Services, 1)
	assert.Equal(t, "payments-api", status.Services[0].ID)
	assert.Equal(t, "closed", status.Services[0].Breaker)
}

func TestGetService(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := get(t, srv, "/v1/services/payments-api")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"payments-api"`)

	rec = get(t, srv, "/v1/services/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListServices(t *testing.T) {
	srv, reg, _ := testServer(t)
	require.NoError(t, reg.Register(registry.ServiceEndpoint{
		ID:             "search-api",
		Name:           "Search API",
		URL:            "http://search:8080",
		HealthCheckURL: "http://search:8080/healthz",
		Region:         "eu-west-1",
		Priority:       5,
	}))

	rec := get(t, srv, "/v1/services")
	require.Equal(t, http.StatusOK, rec.Code)

	var details []ServiceDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Len(t, details, 2)
}

func TestRecentAlerts(t *testing.T) {
	srv, _, bus := testServer(t)
	bus.Publish(alerts.Alert{
		Severity:  alerts.SeverityHigh,
		ServiceID: "payments-api",
		Message:   "circuit breaker opened",
	})

	require.Eventually(t, func() bool {
		return len(bus.Recent(10)) == 1
	}, time.Second, 10*time.Millisecond)

	rec := get(t, srv, "/v1/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit breaker opened")

	rec = get(t, srv, "/v1/alerts?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
