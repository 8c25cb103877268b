// Package simulation synthesizes donations, campaigns and progress updates
// for demos. The Engine owns all simulation state; nothing here is package
// level.
package simulation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/service/donation"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/feature"
	"github.com/nmxmxh/fundpulse/pkg/graceful"
	"github.com/nmxmxh/fundpulse/pkg/metrics"
)

// Loop names.
const (
	LoopDonation = "donation"
	LoopProgress = "progress"
	LoopCampaign = "campaign"
)

// Interval bounds a jittered schedule: each wait is drawn from [Min, Max).
type Interval struct {
	Min time.Duration
	Max time.Duration
}

type Config struct {
	Donation Interval
	Progress Interval
	Campaign Interval
	// Seed fixes the random source; 0 seeds from the clock.
	Seed int64
	// MaxRestarts is how many consecutive crashes a loop may have before the
	// engine gives up and stops.
	MaxRestarts    int
	RestartBackoff time.Duration
	TickTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Donation:       Interval{Min: 10 * time.Second, Max: 30 * time.Second},
		Progress:       Interval{Min: 5 * time.Second, Max: 15 * time.Second},
		Campaign:       Interval{Min: 2 * time.Minute, Max: 5 * time.Minute},
		MaxRestarts:    5,
		RestartBackoff: time.Second,
		TickTimeout:    30 * time.Second,
	}
}

// Store is the persistence the engine reads and clears.
type Store interface {
	ListActiveCampaigns(ctx context.Context) ([]*repository.Campaign, error)
	SimulationCounts(ctx context.Context) (repository.SimulationCounts, error)
	MarkSeeded(ctx context.Context) error
	ClearSimulation(ctx context.Context) (repository.ClearResult, error)
}

// Processor applies synthesized activity exactly as real activity is applied.
type Processor interface {
	ApplyDonation(ctx context.Context, d *repository.Donation) (*donation.Result, error)
	CreateCampaign(ctx context.Context, c *repository.Campaign) (*repository.Campaign, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (stats.Snapshot, error)
}

// NextTicks estimates when each loop fires next.
type NextTicks struct {
	Donation *time.Time `json:"donation,omitempty"`
	Progress *time.Time `json:"progress,omitempty"`
	Campaign *time.Time `json:"campaign,omitempty"`
}

// Status is the payload of simulation-status and GET /simulation/status.
type Status struct {
	IsRunning bool       `json:"isRunning"`
	Message   string     `json:"message"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	NextTicks NextTicks  `json:"nextTickEstimates"`
}

// run is one Running period. It is replaced, never reused.
type run struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

type loopStats struct {
	ticks   atomic.Int64
	skipped atomic.Int64
}

type Engine struct {
	cfg   Config
	store Store
	proc  Processor
	recon Reconciler
	pub   events.Publisher
	flags *feature.Manager
	clock Clock
	gen   *generator
	log   *zap.Logger

	mu      sync.Mutex
	current *run
	message string
	next    map[string]time.Time

	loops       map[string]*loopStats
	restarts    atomic.Int64
	activeLoops atomic.Int32
	runs        atomic.Int64
	seedMu      sync.Mutex
}

type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func NewEngine(cfg Config, store Store, proc Processor, recon Reconciler, pub events.Publisher, flags *feature.Manager, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		proc:    proc,
		recon:   recon,
		pub:     pub,
		flags:   flags,
		clock:   realClock{},
		gen:     newGenerator(cfg.Seed),
		log:     log.With(zap.String("module", "simulation")),
		message: "Simulation is stopped",
		next:    make(map[string]time.Time),
		loops: map[string]*loopStats{
			LoopDonation: {},
			LoopProgress: {},
			LoopCampaign: {},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.TickTimeout <= 0 {
		e.cfg.TickTimeout = DefaultConfig().TickTimeout
	}
	if e.cfg.RestartBackoff <= 0 {
		e.cfg.RestartBackoff = DefaultConfig().RestartBackoff
	}
	return e
}

// Start moves the engine to Running. Starting a running engine is a no-op
// that returns the current status. The loops run on the engine's own context,
// so the caller's context (a request or a socket) never cancels them.
func (e *Engine) Start(ctx context.Context) (Status, error) {
	if e.flags != nil && !e.flags.IsEnabled(feature.Simulation) {
		return e.Status(), graceful.WrapErr(ctx, codes.FailedPrecondition, "simulation is disabled", nil)
	}
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return e.Status(), nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{}), startedAt: e.clock.Now().UTC()}
	e.current = r
	e.message = "Simulation is running"
	e.next = make(map[string]time.Time)
	e.mu.Unlock()

	e.runs.Add(1)
	metrics.SimulationRunning.Set(1)
	e.launch(runCtx, r)
	e.log.Info("simulation started")

	st := e.Status()
	e.announce(ctx, st)
	return st, nil
}

// Stop cancels the loops and waits for an in-flight tick to finish, bounded
// by ctx. Stopping a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) (Status, error) {
	e.mu.Lock()
	r := e.current
	if r == nil {
		e.mu.Unlock()
		return e.Status(), nil
	}
	e.current = nil
	e.message = "Simulation is stopped"
	e.next = make(map[string]time.Time)
	e.mu.Unlock()

	r.cancel()
	metrics.SimulationRunning.Set(0)
	var err error
	select {
	case <-r.done:
	case <-ctx.Done():
		err = graceful.WrapErr(ctx, codes.DeadlineExceeded, "simulation loops still finishing", ctx.Err())
	}
	e.log.Info("simulation stopped")

	st := e.Status()
	e.announce(ctx, st)
	return st, err
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{IsRunning: e.current != nil, Message: e.message}
	if e.current != nil {
		started := e.current.startedAt
		st.StartedAt = &started
		st.NextTicks = NextTicks{
			Donation: timePtr(e.next[LoopDonation]),
			Progress: timePtr(e.next[LoopProgress]),
			Campaign: timePtr(e.next[LoopCampaign]),
		}
	}
	return st
}

// Running reports whether the engine is in the Running state.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

func (e *Engine) launch(ctx context.Context, r *run) {
	var wg sync.WaitGroup
	loops := []struct {
		name string
		iv   Interval
		tick func(context.Context) error
	}{
		{LoopDonation, e.cfg.Donation, e.donationTick},
		{LoopProgress, e.cfg.Progress, newProgressTracker(e).tick},
		{LoopCampaign, e.cfg.Campaign, e.campaignTick},
	}
	for _, l := range loops {
		wg.Add(1)
		go func(name string, iv Interval, tick func(context.Context) error) {
			defer wg.Done()
			e.supervise(ctx, r, name, func(ctx context.Context) { e.loop(ctx, name, iv, tick) })
		}(l.name, l.iv, l.tick)
	}
	go func() {
		wg.Wait()
		close(r.done)
	}()
}

// supervise runs loop until ctx is done, restarting it with exponential
// backoff when it panics. A loop that keeps crashing stops the engine.
func (e *Engine) supervise(ctx context.Context, r *run, name string, loop func(context.Context)) {
	e.activeLoops.Add(1)
	defer e.activeLoops.Add(-1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RestartBackoff
	bo.MaxElapsedTime = 0
	crashes := 0
	for {
		before := e.loops[name].ticks.Load()
		panicked := e.runGuarded(name, func() { loop(ctx) })
		if !panicked || ctx.Err() != nil {
			return
		}
		if e.loops[name].ticks.Load() > before {
			// It made progress since the last restart; start counting afresh.
			crashes = 0
			bo.Reset()
		}
		crashes++
		if crashes > e.cfg.MaxRestarts {
			e.fail(ctx, r, name)
			return
		}
		e.restarts.Add(1)
		wait := bo.NextBackOff()
		e.log.Warn("simulation loop restarting", zap.String("loop", name), zap.Int("crashes", crashes), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(wait):
		}
	}
}

func (e *Engine) runGuarded(name string, fn func()) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			e.log.Error("panic in simulation loop", zap.String("loop", name), zap.Any("recover", rec), zap.Stack("stack"))
		}
	}()
	fn()
	return false
}

// fail stops the engine after a loop exhausted its restarts and tells the
// admins, so a dead scheduler is never reported as running.
func (e *Engine) fail(ctx context.Context, r *run, name string) {
	e.mu.Lock()
	owned := e.current == r
	if owned {
		e.current = nil
		e.message = fmt.Sprintf("Simulation stopped: %s loop crashed %d times", name, e.cfg.MaxRestarts+1)
		e.next = make(map[string]time.Time)
	}
	e.mu.Unlock()
	r.cancel()
	if !owned {
		return
	}
	metrics.SimulationRunning.Set(0)
	e.log.Error("simulation halted", zap.String("loop", name))
	e.announce(context.WithoutCancel(ctx), e.Status())
}

func (e *Engine) loop(ctx context.Context, name string, iv Interval, tick func(context.Context) error) {
	for {
		wait := e.gen.jitter(iv)
		e.setNext(name, e.clock.Now().Add(wait))
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(wait):
		}
		if ctx.Err() != nil {
			return
		}
		e.runTick(ctx, name, tick)
	}
}

// runTick runs one tick detached from cancellation, so Stop never aborts a
// write half way. Errors skip the tick; they do not end the loop.
func (e *Engine) runTick(ctx context.Context, name string, tick func(context.Context) error) {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.TickTimeout)
	defer cancel()

	ls := e.loops[name]
	if err := tick(tickCtx); err != nil {
		ls.skipped.Add(1)
		metrics.SimulationTicks.WithLabelValues(name, metrics.OutcomeSkipped).Inc()
		e.log.Warn("simulation tick skipped", zap.String("loop", name), zap.String("code", graceful.CodeOf(err).String()), zap.Error(err))
		return
	}
	ls.ticks.Add(1)
	metrics.SimulationTicks.WithLabelValues(name, metrics.OutcomeOK).Inc()
}

func (e *Engine) setNext(name string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.next[name] = at.UTC()
	}
}

func (e *Engine) announce(ctx context.Context, st Status) {
	if _, err := e.pub.Publish(ctx, events.RoomAdmin, events.SimulationStatus, st); err != nil {
		e.log.Warn("publish simulation status failed", zap.Error(err))
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
