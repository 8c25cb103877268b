package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/fundpulse/pkg/metrics"
	"github.com/nmxmxh/fundpulse/pkg/tracing"
	cb "github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BreakerSettings tunes the circuit breaker around the store.
type BreakerSettings struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:                "store",
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Guarded wraps a Gateway with a circuit breaker, latency metrics and spans.
// Domain errors pass through without counting as failures; an open circuit is
// reported as ErrUnavailable.
type Guarded struct {
	name    string
	next    Gateway
	breaker *cb.CircuitBreaker
	log     *zap.Logger
}

var _ Gateway = (*Guarded)(nil)

func NewGuarded(next Gateway, settings BreakerSettings, log *zap.Logger) *Guarded {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("module", "store_breaker"))
	return &Guarded{
		name: settings.Name,
		next: next,
		log:  log,
		breaker: cb.NewCircuitBreaker(cb.Settings{
			Name:        settings.Name,
			MaxRequests: settings.MaxRequests,
			Interval:    settings.Interval,
			Timeout:     settings.Timeout,
			ReadyToTrip: func(counts cb.Counts) bool {
				return counts.ConsecutiveFailures > settings.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || IsDomainError(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to cb.State) {
				log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

// Name identifies the store in health reports.
func (g *Guarded) Name() string { return g.name }

// Check reports the store as down while the circuit is open, otherwise it
// pings the store.
func (g *Guarded) Check(ctx context.Context) error {
	if st := g.breaker.State(); st == cb.StateOpen {
		return fmt.Errorf("%w: circuit %s", ErrUnavailable, st)
	}
	return g.Ping(ctx)
}

func (g *Guarded) do(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error), attrs ...attribute.KeyValue) (interface{}, error) {
	ctx, span := tracing.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	defer span.End()

	begin := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) { return fn(ctx) })
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.ObserveStore(op, begin, err)
	tracing.RecordError(span, err)
	return out, err
}

func (g *Guarded) CreateCampaign(ctx context.Context, c *Campaign) (*Campaign, error) {
	out, err := g.do(ctx, "create_campaign", func(ctx context.Context) (interface{}, error) {
		return g.next.CreateCampaign(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Campaign), nil
}

func (g *Guarded) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	out, err := g.do(ctx, "get_campaign", func(ctx context.Context) (interface{}, error) {
		return g.next.GetCampaign(ctx, id)
	}, attribute.String("campaign.id", id))
	if err != nil {
		return nil, err
	}
	return out.(*Campaign), nil
}

func (g *Guarded) ListActiveCampaigns(ctx context.Context) ([]*Campaign, error) {
	out, err := g.do(ctx, "list_active_campaigns", func(ctx context.Context) (interface{}, error) {
		return g.next.ListActiveCampaigns(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*Campaign), nil
}

func (g *Guarded) ApplyDonation(ctx context.Context, d *Donation) (*Campaign, error) {
	out, err := g.do(ctx, "apply_donation", func(ctx context.Context) (interface{}, error) {
		return g.next.ApplyDonation(ctx, d)
	}, attribute.String("campaign.id", d.CampaignID), attribute.Float64("donation.amount", d.Amount))
	if err != nil {
		return nil, err
	}
	return out.(*Campaign), nil
}

func (g *Guarded) MarkCompleted(ctx context.Context, id string) (bool, error) {
	out, err := g.do(ctx, "mark_completed", func(ctx context.Context) (interface{}, error) {
		return g.next.MarkCompleted(ctx, id)
	}, attribute.String("campaign.id", id))
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (g *Guarded) SumDonations(ctx context.Context, campaignID string) (float64, error) {
	out, err := g.do(ctx, "sum_donations", func(ctx context.Context) (interface{}, error) {
		return g.next.SumDonations(ctx, campaignID)
	}, attribute.String("campaign.id", campaignID))
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

func (g *Guarded) Totals(ctx context.Context) (Totals, error) {
	out, err := g.do(ctx, "totals", func(ctx context.Context) (interface{}, error) {
		return g.next.Totals(ctx)
	})
	if err != nil {
		return Totals{}, err
	}
	return out.(Totals), nil
}

func (g *Guarded) SimulationCounts(ctx context.Context) (SimulationCounts, error) {
	out, err := g.do(ctx, "simulation_counts", func(ctx context.Context) (interface{}, error) {
		return g.next.SimulationCounts(ctx)
	})
	if err != nil {
		return SimulationCounts{}, err
	}
	return out.(SimulationCounts), nil
}

func (g *Guarded) MarkSeeded(ctx context.Context) error {
	_, err := g.do(ctx, "mark_seeded", func(ctx context.Context) (interface{}, error) {
		return nil, g.next.MarkSeeded(ctx)
	})
	return err
}

func (g *Guarded) ClearSimulation(ctx context.Context) (ClearResult, error) {
	out, err := g.do(ctx, "clear_simulation", func(ctx context.Context) (interface{}, error) {
		return g.next.ClearSimulation(ctx)
	})
	if err != nil {
		return ClearResult{}, err
	}
	return out.(ClearResult), nil
}

// Ping bypasses the breaker so health checks see the store directly.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}
