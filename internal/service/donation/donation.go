// Package donation applies donations and campaign lifecycle changes and
// announces them on the live channel. It is the only place goal completion
// is detected, for real and simulated donations alike.
package donation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/graceful"
	"github.com/nmxmxh/fundpulse/pkg/metrics"
	"github.com/nmxmxh/fundpulse/pkg/tracing"
)

const (
	maxConflictRetries = 5
	reconcileTimeout   = 30 * time.Second
)

// Aggregator is the live stats view the processor keeps current.
type Aggregator interface {
	ApplyDonation(d *repository.Donation) stats.Snapshot
	ApplyNewCampaign(c *repository.Campaign) stats.Snapshot
	ApplyCampaignCompleted(c *repository.Campaign) stats.Snapshot
	Snapshot() stats.Snapshot
	Reconcile(ctx context.Context) (stats.Snapshot, error)
	BeginApply() (end func())
}

// Result describes an applied donation.
type Result struct {
	Donation    *repository.Donation
	Campaign    *repository.Campaign
	GoalReached bool
}

// StatusChange is a campaign lifecycle change made elsewhere (approval,
// rejection, archival) that needs announcing.
type StatusChange struct {
	CampaignID string
	Status     string
	Message    string
}

// UserStatus is an account activation change made elsewhere.
type UserStatus struct {
	UserID   string
	IsActive bool
	Message  string
}

type Processor struct {
	store repository.Gateway
	agg   Aggregator
	pub   events.Publisher
	log   *zap.Logger

	// background reconciles started by relays
	wg sync.WaitGroup
}

func NewProcessor(store repository.Gateway, agg Aggregator, pub events.Publisher, log *zap.Logger) *Processor {
	return &Processor{
		store: store,
		agg:   agg,
		pub:   pub,
		log:   log.With(zap.String("module", "donation")),
	}
}

// ApplyDonation persists d through the store's atomic increment, then updates
// the live stats and announces it. Nothing is announced or aggregated when the
// store rejects the donation.
func (p *Processor) ApplyDonation(ctx context.Context, d *repository.Donation) (*Result, error) {
	ctx, span := tracing.Start(ctx, "donation.apply", trace.WithAttributes(
		attribute.String("campaign.id", donationCampaign(d)),
		attribute.Bool("simulation", d != nil && d.IsSimulation),
	))
	defer span.End()

	if err := d.Validate(); err != nil {
		return nil, graceful.Invalid(ctx, "invalid donation", err)
	}

	// The store write and its aggregation form one unit for reconciliation.
	end := p.agg.BeginApply()
	var campaign *repository.Campaign
	attempt := func() error {
		c, err := p.store.ApplyDonation(ctx, d)
		switch {
		case err == nil:
			campaign = c
			return nil
		case errors.Is(err, repository.ErrConflict):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		p.log.Debug("donation conflict, retrying", zap.String("campaign_id", d.CampaignID), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(attempt, p.retryPolicy(ctx), notify); err != nil {
		end()
		tracing.RecordError(span, err)
		return nil, graceful.LogAndWrap(ctx, p.log, repository.Code(err), "apply donation", err,
			zap.String("campaign_id", d.CampaignID), zap.Float64("amount", d.Amount))
	}

	metrics.DonationAmount.WithLabelValues(source(d.IsSimulation)).Observe(d.Amount)
	p.agg.ApplyDonation(d)

	res := &Result{Donation: d, Campaign: campaign}
	res.GoalReached = p.completeIfReached(ctx, campaign)
	end()
	p.announceDonation(ctx, d, campaign)
	p.publishStats(ctx, p.agg.Snapshot())
	return res, nil
}

func (p *Processor) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(eb, maxConflictRetries), ctx)
}

// completeIfReached flips a campaign that met its target to completed. The
// store's compare-and-set picks a single winner among concurrent callers and
// only the winner announces the goal.
func (p *Processor) completeIfReached(ctx context.Context, c *repository.Campaign) bool {
	if c == nil || c.IsCompleted || !c.GoalReached() {
		return false
	}
	won, err := p.store.MarkCompleted(ctx, c.ID)
	if err != nil {
		p.log.Warn("mark completed failed", zap.String("campaign_id", c.ID), zap.Error(err))
		return false
	}
	if !won {
		return false
	}
	wasActive := c.IsActive
	c.IsCompleted = true
	c.IsActive = false
	if wasActive {
		p.agg.ApplyCampaignCompleted(c)
	}

	rooms := []string{events.CampaignRoom(c.ID), events.RoomAll}
	p.publishRooms(ctx, rooms, events.GoalReached, GoalNotice{
		CampaignID:    c.ID,
		Title:         c.Title,
		TargetAmount:  c.TargetAmount,
		CurrentAmount: c.CurrentAmount,
	})
	p.publishRooms(ctx, rooms, events.CampaignStatusUpdate, StatusNotice{
		CampaignID: c.ID,
		Status:     StatusCompleted,
		Campaign:   c,
	})
	p.publish(ctx, events.RoomAdmin, events.Notification, events.NotificationPayload{
		Type:      "success",
		Title:     "Goal reached",
		Message:   fmt.Sprintf("%s reached its goal of $%.2f", c.Title, c.TargetAmount),
		Timestamp: time.Now().UTC(),
	})
	p.log.Info("campaign goal reached", zap.String("campaign_id", c.ID), zap.Float64("amount", c.CurrentAmount))
	return true
}

func (p *Processor) announceDonation(ctx context.Context, d *repository.Donation, c *repository.Campaign) {
	newAmount := d.Amount
	title := ""
	if c != nil {
		newAmount = c.CurrentAmount
		title = c.Title
	}
	p.publish(ctx, events.CampaignRoom(d.CampaignID), events.CampaignUpdated, CampaignUpdate{
		CampaignID: d.CampaignID,
		NewAmount:  newAmount,
		Donation:   d,
	})
	p.publish(ctx, events.RoomAll, events.NewDonation, DonationNotice{
		Amount:        d.Amount,
		CampaignID:    d.CampaignID,
		CampaignTitle: title,
		DonationType:  d.PaymentMethod,
		DonorName:     donorName(d),
		IsSimulation:  d.IsSimulation,
	})
	p.publish(ctx, events.RoomAll, events.LiveActivity, events.Activity{
		Kind:       "donation",
		Message:    fmt.Sprintf("%s donated $%.2f to %s", donorName(d), d.Amount, orDefault(title, "a campaign")),
		CampaignID: d.CampaignID,
		Amount:     d.Amount,
		Simulated:  d.IsSimulation,
		Timestamp:  d.CreatedAt,
	})
}

// CreateCampaign persists c and announces it.
func (p *Processor) CreateCampaign(ctx context.Context, c *repository.Campaign) (*repository.Campaign, error) {
	ctx, span := tracing.Start(ctx, "campaign.create", trace.WithAttributes(attribute.Bool("simulation", c != nil && c.IsSimulation)))
	defer span.End()

	end := p.agg.BeginApply()
	created, err := p.store.CreateCampaign(ctx, c)
	if err != nil {
		end()
		tracing.RecordError(span, err)
		return nil, graceful.LogAndWrap(ctx, p.log, repository.Code(err), "create campaign", err)
	}
	p.agg.ApplyNewCampaign(created)
	end()
	p.announceCampaign(ctx, created)
	p.publishStats(ctx, p.agg.Snapshot())
	return created, nil
}

func (p *Processor) announceCampaign(ctx context.Context, c *repository.Campaign) {
	p.publish(ctx, events.RoomAll, events.NewCampaign, CampaignNotice{Campaign: c, IsSimulation: c.IsSimulation})
	p.publish(ctx, events.RoomAll, events.LiveActivity, events.Activity{
		Kind:       "campaign",
		Message:    fmt.Sprintf("New campaign: %s", c.Title),
		CampaignID: c.ID,
		Simulated:  c.IsSimulation,
		Timestamp:  c.CreatedAt,
	})
}

// RelayDonation announces a donation another component already persisted.
// The campaign is re-read so the announced amount and goal detection use
// the stored value.
func (p *Processor) RelayDonation(ctx context.Context, d *repository.Donation) error {
	if err := d.Validate(); err != nil {
		return graceful.Invalid(ctx, "invalid donation", err)
	}
	c, err := p.store.GetCampaign(ctx, d.CampaignID)
	if err != nil {
		return graceful.LogAndWrap(ctx, p.log, repository.Code(err), "relay donation", err, zap.String("campaign_id", d.CampaignID))
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	end := p.agg.BeginApply()
	p.completeIfReached(ctx, c)
	end()
	p.announceDonation(ctx, d, c)
	p.scheduleReconcile()
	return nil
}

// RelayCampaign announces a campaign created elsewhere.
func (p *Processor) RelayCampaign(ctx context.Context, c *repository.Campaign) error {
	if c == nil || c.ID == "" || c.Title == "" {
		return graceful.Invalid(ctx, "invalid campaign", repository.ErrInvalidCampaign)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	p.announceCampaign(ctx, c)
	p.scheduleReconcile()
	return nil
}

// RelayStatusChange announces a campaign lifecycle change.
func (p *Processor) RelayStatusChange(ctx context.Context, sc StatusChange) error {
	if sc.CampaignID == "" || sc.Status == "" {
		return graceful.Invalid(ctx, "status change needs campaignId and status", nil)
	}
	notice := StatusNotice{CampaignID: sc.CampaignID, Status: sc.Status, Message: sc.Message}
	c, err := p.store.GetCampaign(ctx, sc.CampaignID)
	switch {
	case err == nil:
		notice.Campaign = c
	case errors.Is(err, repository.ErrCampaignNotFound):
		return graceful.WrapErr(ctx, repository.Code(err), "relay status change", err)
	default:
		p.log.Warn("status change announced without campaign", zap.String("campaign_id", sc.CampaignID), zap.Error(err))
	}
	p.publishRooms(ctx, []string{events.CampaignRoom(sc.CampaignID), events.RoomAll}, events.CampaignStatusUpdate, notice)
	p.scheduleReconcile()
	return nil
}

// RelayUserStatus tells the user about their account and the admins about
// the change.
func (p *Processor) RelayUserStatus(ctx context.Context, us UserStatus) error {
	if us.UserID == "" {
		return graceful.Invalid(ctx, "user status change needs userId", nil)
	}
	p.publish(ctx, events.UserRoom(us.UserID), events.AccountStatusChanged, AccountStatus{
		IsActive: us.IsActive,
		Message:  us.Message,
	})
	p.publish(ctx, events.RoomAdmin, events.UserStatusUpdate, AccountStatus{
		UserID:   us.UserID,
		IsActive: us.IsActive,
		Message:  us.Message,
	})
	return nil
}

// scheduleReconcile refreshes the live stats from the store in the
// background. Concurrent requests collapse inside the aggregator.
func (p *Processor) scheduleReconcile() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		snap, err := p.agg.Reconcile(ctx)
		if err != nil {
			p.log.Warn("background reconcile failed", zap.Error(err))
			return
		}
		p.publishStats(ctx, snap)
	}()
}

// Wait blocks until background reconciles have finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) publishStats(ctx context.Context, snap stats.Snapshot) {
	p.publish(ctx, events.RoomAll, events.LiveStatsUpdate, snap)
}

func (p *Processor) publish(ctx context.Context, room, eventType string, payload interface{}) {
	if _, err := p.pub.Publish(ctx, room, eventType, payload); err != nil {
		p.log.Warn("publish failed", zap.String("room", room), zap.String("event", eventType), zap.Error(err))
	}
}

func (p *Processor) publishRooms(ctx context.Context, rooms []string, eventType string, payload interface{}) {
	if _, err := p.pub.PublishRooms(ctx, rooms, eventType, payload); err != nil {
		p.log.Warn("publish failed", zap.Strings("rooms", rooms), zap.String("event", eventType), zap.Error(err))
	}
}

func donationCampaign(d *repository.Donation) string {
	if d == nil {
		return ""
	}
	return d.CampaignID
}

func donorName(d *repository.Donation) string {
	if d.IsAnonymous || d.DonorName == "" {
		return "Anonymous"
	}
	return d.DonorName
}

func source(simulated bool) string {
	if simulated {
		return "simulation"
	}
	return "real"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
