package simulation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/graceful"
)

type seedCampaign struct {
	title, organizer, category, location string
	target                               float64
	featured                             bool
	donations                            []float64
}

// demoSet is the fixed data Seed inserts. The first campaign is left just
// short of its goal so the next donation completes it.
var demoSet = []seedCampaign{
	{"Emergency Flood Relief", "Open Hands", "emergency", "Lagos", 1000, true, []float64{250, 300, 150, 200, 50}},
	{"Kigali Coding Bootcamp", "Bright Futures", "education", "Kigali", 5000, false, []float64{500, 120, 75.5, 1000}},
	{"Community Garden", "Local Heroes", "environment", "Accra", 2500, false, []float64{45, 60, 25}},
	{"Solar Panels for the Clinic", "Hope Foundation", "health", "Nairobi", 10000, true, []float64{1500, 2500, 800}},
	{"Youth Football Club Kits", "Local Heroes", "sports", "Cape Town", 1500, false, nil},
}

var demoDonors = []string{"Amara Okafor", "Liam Chen", "Sofia Rossi", "Kwame Mensah", "Priya Nair"}

// SeedResult reports what Seed inserted.
type SeedResult struct {
	Campaigns int     `json:"campaigns"`
	Donations int     `json:"donations"`
	Amount    float64 `json:"amount"`
}

// Seed inserts the demo data set once. A second call fails with
// codes.AlreadyExists until Clear removes the simulated data.
func (e *Engine) Seed(ctx context.Context) (SeedResult, error) {
	e.seedMu.Lock()
	defer e.seedMu.Unlock()

	var res SeedResult
	if err := e.store.MarkSeeded(ctx); err != nil {
		if errors.Is(err, repository.ErrAlreadySeeded) {
			return res, graceful.WrapErr(ctx, codes.AlreadyExists, "simulation data already seeded", err)
		}
		return res, graceful.LogAndWrap(ctx, e.log, repository.Code(err), "seed simulation data", err)
	}

	now := e.clock.Now().UTC()
	for i, sc := range demoSet {
		c, err := e.proc.CreateCampaign(ctx, &repository.Campaign{
			Title:        sc.title,
			Organizer:    sc.organizer,
			Category:     sc.category,
			Location:     sc.location,
			TargetAmount: sc.target,
			EndDate:      now.Add(time.Duration(30+15*i) * 24 * time.Hour),
			IsActive:     true,
			IsApproved:   true,
			IsFeatured:   sc.featured,
			IsSimulation: true,
		})
		if err != nil {
			return res, err
		}
		res.Campaigns++
		for j, amount := range sc.donations {
			_, err := e.proc.ApplyDonation(ctx, &repository.Donation{
				CampaignID:    c.ID,
				Amount:        amount,
				DonorName:     demoDonors[(i+j)%len(demoDonors)],
				PaymentMethod: "card",
				IsSimulation:  true,
			})
			if err != nil {
				return res, err
			}
			res.Donations++
			res.Amount = repository.RoundCents(res.Amount + amount)
		}
	}
	e.log.Info("simulation data seeded", zap.Int("campaigns", res.Campaigns), zap.Int("donations", res.Donations))
	return res, nil
}

// Clear removes every simulation-flagged record and rebuilds the live stats.
// Clearing twice is harmless.
func (e *Engine) Clear(ctx context.Context) (repository.ClearResult, error) {
	e.seedMu.Lock()
	defer e.seedMu.Unlock()

	res, err := e.store.ClearSimulation(ctx)
	if err != nil {
		return res, graceful.LogAndWrap(ctx, e.log, repository.Code(err), "clear simulation data", err)
	}
	snap, err := e.recon.Reconcile(ctx)
	if err != nil {
		e.log.Warn("reconcile after clear failed", zap.Error(err))
	} else if _, err := e.pub.Publish(ctx, events.RoomAll, events.LiveStatsUpdate, snap); err != nil {
		e.log.Warn("publish live stats failed", zap.Error(err))
	}
	e.log.Info("simulation data cleared", zap.Int64("campaigns", res.Campaigns), zap.Int64("donations", res.Donations))
	return res, nil
}

// LoopAnalytics counts one loop's outcomes.
type LoopAnalytics struct {
	Ticks   int64 `json:"ticks"`
	Skipped int64 `json:"skipped"`
}

type Analytics struct {
	IsRunning          bool                     `json:"isRunning"`
	StartedAt          *time.Time               `json:"startedAt,omitempty"`
	UptimeSeconds      float64                  `json:"uptimeSeconds"`
	Runs               int64                    `json:"runs"`
	Restarts           int64                    `json:"restarts"`
	ActiveLoops        int32                    `json:"activeLoops"`
	Loops              map[string]LoopAnalytics `json:"loops"`
	SimulatedCampaigns int64                    `json:"simulatedCampaigns"`
	SimulatedDonations int64                    `json:"simulatedDonations"`
	SimulatedAmount    float64                  `json:"simulatedAmount"`
	Seeded             bool                     `json:"seeded"`
}

// Analytics combines the engine's counters with the simulated records in the
// store.
func (e *Engine) Analytics(ctx context.Context) (Analytics, error) {
	st := e.Status()
	a := Analytics{
		IsRunning:   st.IsRunning,
		StartedAt:   st.StartedAt,
		Runs:        e.runs.Load(),
		Restarts:    e.restarts.Load(),
		ActiveLoops: e.activeLoops.Load(),
		Loops:       make(map[string]LoopAnalytics, len(e.loops)),
	}
	if st.StartedAt != nil {
		a.UptimeSeconds = e.clock.Now().Sub(*st.StartedAt).Seconds()
	}
	for name, ls := range e.loops {
		a.Loops[name] = LoopAnalytics{Ticks: ls.ticks.Load(), Skipped: ls.skipped.Load()}
	}
	counts, err := e.store.SimulationCounts(ctx)
	if err != nil {
		return a, graceful.LogAndWrap(ctx, e.log, repository.Code(err), "read simulation counts", err)
	}
	a.SimulatedCampaigns = counts.Campaigns
	a.SimulatedDonations = counts.Donations
	a.SimulatedAmount = counts.Amount
	a.Seeded = counts.Seeded
	return a, nil
}
