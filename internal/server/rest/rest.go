// Package rest serves the HTTP control surface: simulation control, live
// stats, health and metrics. The websocket endpoint is mounted alongside.
package rest

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/server/httputil"
	"github.com/nmxmxh/fundpulse/internal/service/simulation"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/auth"
	"github.com/nmxmxh/fundpulse/pkg/health"
	"github.com/nmxmxh/fundpulse/pkg/metrics"
)

// Simulation is the control surface of the simulation engine.
type Simulation interface {
	Start(ctx context.Context) (simulation.Status, error)
	Stop(ctx context.Context) (simulation.Status, error)
	Status() simulation.Status
	Seed(ctx context.Context) (simulation.SeedResult, error)
	Clear(ctx context.Context) (repository.ClearResult, error)
	Analytics(ctx context.Context) (simulation.Analytics, error)
}

type StatsSource interface {
	Snapshot() stats.Snapshot
}

type Deps struct {
	Simulation Simulation
	Stats      StatsSource
	Health     *health.HealthChecker
	// WebSocket is mounted on /ws when set.
	WebSocket http.Handler
	JWTSecret string
	Log       *zap.Logger
}

type server struct {
	sim    Simulation
	stats  StatsSource
	health *health.HealthChecker
	log    *zap.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(d Deps) http.Handler {
	s := &server{
		sim:    d.Simulation,
		stats:  d.Stats,
		health: d.Health,
		log:    d.Log.With(zap.String("module", "rest")),
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(d.JWTSecret, httputil.RequireAdmin(s.log, h))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /simulation/status", metrics.Instrument("/simulation/status", admin(s.simulationStatus)))
	mux.Handle("POST /simulation/start", metrics.Instrument("/simulation/start", admin(s.startSimulation)))
	mux.Handle("POST /simulation/stop", metrics.Instrument("/simulation/stop", admin(s.stopSimulation)))
	mux.Handle("POST /simulation/seed", metrics.Instrument("/simulation/seed", admin(s.seed)))
	mux.Handle("DELETE /simulation/clear", metrics.Instrument("/simulation/clear", admin(s.clear)))
	mux.Handle("GET /simulation/analytics", metrics.Instrument("/simulation/analytics", admin(s.analytics)))
	mux.Handle("GET /stats/live", metrics.Instrument("/stats/live", http.HandlerFunc(s.liveStats)))
	mux.Handle("GET /healthz", http.HandlerFunc(s.healthz))
	mux.Handle("GET /metrics", metrics.Handler())
	if d.WebSocket != nil {
		mux.Handle("GET /ws", d.WebSocket)
	}
	return mux
}

func (s *server) simulationStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSONResponse(w, s.log, s.sim.Status())
}

func (s *server) startSimulation(w http.ResponseWriter, r *http.Request) {
	st, err := s.sim.Start(r.Context())
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, st)
}

func (s *server) stopSimulation(w http.ResponseWriter, r *http.Request) {
	st, err := s.sim.Stop(r.Context())
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, st)
}

func (s *server) seed(w http.ResponseWriter, r *http.Request) {
	res, err := s.sim.Seed(r.Context())
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONStatus(w, s.log, http.StatusCreated, res)
}

func (s *server) clear(w http.ResponseWriter, r *http.Request) {
	res, err := s.sim.Clear(r.Context())
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, res)
}

func (s *server) analytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.sim.Analytics(r.Context())
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, a)
}

func (s *server) liveStats(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSONResponse(w, s.log, s.stats.Snapshot())
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	status, details := s.health.Report(r.Context())
	code := http.StatusOK
	if status != health.StatusUp {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSONStatus(w, s.log, code, map[string]interface{}{
		"status": status,
		"checks": details,
	})
}
