package simulation

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/service/donation"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/tracing"
)

var errNoCampaigns = errors.New("no active campaign accepts donations")

// donationTick applies one synthetic donation to an open campaign, favouring
// those furthest from their target.
func (e *Engine) donationTick(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "simulation.tick", trace.WithAttributes(attribute.String("loop", LoopDonation)))
	defer span.End()

	campaigns, err := e.store.ListActiveCampaigns(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	open := campaigns[:0]
	for _, c := range campaigns {
		if !c.IsCompleted && c.AcceptsDonations() {
			open = append(open, c)
		}
	}
	target := e.gen.pickCampaign(open)
	if target == nil {
		return errNoCampaigns
	}
	res, err := e.proc.ApplyDonation(ctx, e.gen.donation(target.ID))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	e.log.Debug("simulated donation",
		zap.String("campaign_id", target.ID),
		zap.Float64("amount", res.Donation.Amount),
		zap.Bool("goal_reached", res.GoalReached))
	return nil
}

// progressTracker remembers the amounts seen by the previous progress tick
// of one run. Only the progress loop touches it.
type progressTracker struct {
	e    *Engine
	last map[string]float64
}

func newProgressTracker(e *Engine) *progressTracker {
	return &progressTracker{e: e, last: make(map[string]float64)}
}

// tick publishes campaign-progress for every active campaign whose amount
// changed since the previous tick. A campaign seen for the first time counts
// as changed.
func (p *progressTracker) tick(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "simulation.tick", trace.WithAttributes(attribute.String("loop", LoopProgress)))
	defer span.End()

	campaigns, err := p.e.store.ListActiveCampaigns(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	seen := make(map[string]float64, len(campaigns))
	for _, c := range campaigns {
		seen[c.ID] = c.CurrentAmount
		if prev, ok := p.last[c.ID]; ok && prev == c.CurrentAmount {
			continue
		}
		p.publish(ctx, c)
	}
	p.last = seen
	return nil
}

func (p *progressTracker) publish(ctx context.Context, c *repository.Campaign) {
	_, err := p.e.pub.Publish(ctx, events.CampaignRoom(c.ID), events.CampaignProgress, donation.CampaignUpdate{
		CampaignID: c.ID,
		NewAmount:  c.CurrentAmount,
	})
	if err != nil {
		p.e.log.Warn("publish progress failed", zap.String("campaign_id", c.ID), zap.Error(err))
	}
}

// campaignTick creates one synthetic campaign.
func (e *Engine) campaignTick(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "simulation.tick", trace.WithAttributes(attribute.String("loop", LoopCampaign)))
	defer span.End()

	c, err := e.proc.CreateCampaign(ctx, e.gen.campaign(e.clock.Now()))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	e.log.Debug("simulated campaign", zap.String("campaign_id", c.ID), zap.String("title", c.Title))
	return nil
}
