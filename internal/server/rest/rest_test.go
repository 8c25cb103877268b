package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nmxmxh/fundpulse/internal/repository/memory"
	"github.com/nmxmxh/fundpulse/internal/service/donation"
	"github.com/nmxmxh/fundpulse/internal/service/simulation"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/auth"
	"github.com/nmxmxh/fundpulse/pkg/events/eventstest"
	"github.com/nmxmxh/fundpulse/pkg/feature"
	"github.com/nmxmxh/fundpulse/pkg/health"
	"github.com/nmxmxh/fundpulse/pkg/json"
)

const testSecret = "rest-secret"

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	handler http.Handler
	health  *health.HealthChecker
	agg     *stats.Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New()
	pub := &eventstest.Recorder{}
	flags := feature.NewManager()
	flags.Register(feature.Simulation, true)

	agg := stats.NewAggregator(store, log)
	proc := donation.NewProcessor(store, agg, pub, log)
	engine := simulation.NewEngine(simulation.DefaultConfig(), store, proc, agg, pub, flags, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = engine.Stop(ctx)
		proc.Wait()
	})

	hc := health.NewHealthChecker(time.Second)
	hc.Register(health.NewPingCheck("store", store))
	return &fixture{
		handler: NewRouter(Deps{
			Simulation: engine,
			Stats:      agg,
			Health:     hc,
			JWTSecret:  testSecret,
			Log:        log,
		}),
		health: hc,
		agg:    agg,
	}
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := auth.SignToken(testSecret, "u-1", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestSimulationEndpointsRequireAdmin(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/simulation/start", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/simulation/start", token(t, auth.RoleUser))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/simulation/status", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	admin := token(t, auth.RoleAdmin)

	rec, body := f.do(t, http.MethodPost, "/simulation/start", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isRunning"])

	rec, body = f.do(t, http.MethodGet, "/simulation/status", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isRunning"])
	assert.Contains(t, body, "nextTickEstimates")

	rec, body = f.do(t, http.MethodPost, "/simulation/stop", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["isRunning"])
}

func TestSeedClearAnalytics(t *testing.T) {
	f := newFixture(t)
	admin := token(t, auth.RoleAdmin)

	rec, body := f.do(t, http.MethodPost, "/simulation/seed", admin)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 5, body["campaigns"])
	assert.EqualValues(t, 15, body["donations"])

	rec, body = f.do(t, http.MethodPost, "/simulation/seed", admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "simulation data already seeded", body["error"])

	rec, body = f.do(t, http.MethodGet, "/simulation/analytics", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, body["simulatedCampaigns"])
	assert.Equal(t, true, body["seeded"])

	rec, body = f.do(t, http.MethodDelete, "/simulation/clear", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, body["campaigns"])

	rec, body = f.do(t, http.MethodDelete, "/simulation/clear", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["campaigns"])

	rec, body = f.do(t, http.MethodGet, "/stats/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["totalCampaigns"])
	assert.EqualValues(t, 0, body["averageDonation"])

	rec, _ = f.do(t, http.MethodPost, "/simulation/seed", admin)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestLiveStatsIsPublic(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/stats/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "totalAmountRaised")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "UP", body["status"])

	f.health.Register(health.NewPingCheck("redis", failingPinger{}))
	rec, body = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DOWN", body["status"])
	checks, ok := body["checks"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/stats/live", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fundpulse_http_request_duration_seconds")
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/simulation/start", token(t, auth.RoleAdmin))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
