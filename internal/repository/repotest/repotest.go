// Package repotest holds behaviour tests every Gateway implementation must
// pass.
package repotest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty gateway.
type Factory func(t *testing.T) repository.Gateway

func NewCampaign(title string, target float64) *repository.Campaign {
	return &repository.Campaign{
		Title:        title,
		Organizer:    "Test Org",
		Category:     "community",
		Location:     "Lagos",
		TargetAmount: target,
		EndDate:      time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
		IsActive:     true,
		IsApproved:   true,
	}
}

// Run executes the conformance suite against fresh gateways from newGateway.
func Run(t *testing.T, newGateway Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newGateway(t)) })
	t.Run("ApplyDonationIncrements", func(t *testing.T) { testApplyDonation(t, newGateway(t)) })
	t.Run("ApplyDonationErrors", func(t *testing.T) { testApplyDonationErrors(t, newGateway(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newGateway(t)) })
	t.Run("MarkCompletedOnce", func(t *testing.T) { testMarkCompletedOnce(t, newGateway(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newGateway(t)) })
	t.Run("Totals", func(t *testing.T) { testTotals(t, newGateway(t)) })
	t.Run("SeedMarkerAndClear", func(t *testing.T) { testSeedAndClear(t, newGateway(t)) })
	t.Run("ClearReopensUnfundedGoals", func(t *testing.T) { testClearReopens(t, newGateway(t)) })
}

func testCreateAndGet(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	created, err := gw.CreateCampaign(ctx, NewCampaign("Clean Water", 1000))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := gw.GetCampaign(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Clean Water", got.Title)
	assert.Equal(t, 1000.0, got.TargetAmount)
	assert.True(t, got.IsActive)

	_, err = gw.GetCampaign(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, repository.ErrCampaignNotFound)

	_, err = gw.CreateCampaign(ctx, NewCampaign("", 10))
	assert.ErrorIs(t, err, repository.ErrInvalidCampaign)

	// Money only arrives through donations.
	funded := NewCampaign("Prefunded", 100)
	funded.CurrentAmount = 40
	_, err = gw.CreateCampaign(ctx, funded)
	assert.ErrorIs(t, err, repository.ErrInvalidCampaign)
}

func testApplyDonation(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	c, err := gw.CreateCampaign(ctx, NewCampaign("School Roof", 1000))
	require.NoError(t, err)
	_, err = gw.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 950})
	require.NoError(t, err)

	d := &repository.Donation{CampaignID: c.ID, Amount: 75, IsAnonymous: true}
	updated, err := gw.ApplyDonation(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 1025.0, updated.CurrentAmount)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, repository.DonationCompleted, d.Status)
	assert.False(t, d.CreatedAt.IsZero())

	sum, err := gw.SumDonations(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1025.0, sum)
}

func testApplyDonationErrors(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	_, err := gw.ApplyDonation(ctx, &repository.Donation{CampaignID: "00000000-0000-0000-0000-000000000000", Amount: 5})
	assert.ErrorIs(t, err, repository.ErrCampaignNotFound)

	c, err := gw.CreateCampaign(ctx, NewCampaign("Library", 100))
	require.NoError(t, err)
	_, err = gw.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 0})
	assert.ErrorIs(t, err, repository.ErrInvalidDonation)
	_, err = gw.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: -3})
	assert.ErrorIs(t, err, repository.ErrInvalidDonation)

	rejected := NewCampaign("Rejected", 100)
	rejected.IsRejected = true
	rejected.IsActive = false
	rc, err := gw.CreateCampaign(ctx, rejected)
	require.NoError(t, err)
	_, err = gw.ApplyDonation(ctx, &repository.Donation{CampaignID: rc.ID, Amount: 5})
	assert.ErrorIs(t, err, repository.ErrCampaignClosed)
}

func testConcurrentIncrements(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	c, err := gw.CreateCampaign(ctx, NewCampaign("Clinic", 1_000_000))
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 12.34})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := gw.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	sum, err := gw.SumDonations(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, n*12.34, got.CurrentAmount, 0.001)
	assert.InDelta(t, got.CurrentAmount, sum, 0.001)
}

func testMarkCompletedOnce(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	c, err := gw.CreateCampaign(ctx, NewCampaign("Bridge", 100))
	require.NoError(t, err)

	ok, err := gw.MarkCompleted(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "goal not reached yet")

	_, err = gw.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 100})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := gw.MarkCompleted(ctx, c.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := gw.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted)
	assert.False(t, got.IsActive)

	updated, err := gw.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 10})
	require.NoError(t, err, "completed campaigns keep accepting donations")
	assert.Equal(t, 110.0, updated.CurrentAmount)
}

func testListActive(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	active, err := gw.CreateCampaign(ctx, NewCampaign("Active", 100))
	require.NoError(t, err)
	inactive := NewCampaign("Inactive", 100)
	inactive.IsActive = false
	_, err = gw.CreateCampaign(ctx, inactive)
	require.NoError(t, err)

	list, err := gw.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)
}

func testTotals(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	totals, err := gw.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.Totals{}, totals)

	a, err := gw.CreateCampaign(ctx, NewCampaign("A", 100))
	require.NoError(t, err)
	b := NewCampaign("B", 100)
	b.IsActive = false
	_, err = gw.CreateCampaign(ctx, b)
	require.NoError(t, err)
	for _, amt := range []float64{10, 20.5} {
		_, err := gw.ApplyDonation(ctx, &repository.Donation{CampaignID: a.ID, Amount: amt})
		require.NoError(t, err)
	}

	totals, err = gw.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.TotalCampaigns)
	assert.Equal(t, int64(1), totals.ActiveCampaigns)
	assert.Equal(t, int64(2), totals.TotalDonations)
	assert.InDelta(t, 30.5, totals.TotalAmountRaised, 0.001)
}

func testSeedAndClear(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	require.NoError(t, gw.MarkSeeded(ctx))
	assert.ErrorIs(t, gw.MarkSeeded(ctx), repository.ErrAlreadySeeded)

	realCampaign, err := gw.CreateCampaign(ctx, NewCampaign("Real", 1000))
	require.NoError(t, err)
	simC := NewCampaign("Sim", 1000)
	simC.IsSimulation = true
	sim, err := gw.CreateCampaign(ctx, simC)
	require.NoError(t, err)

	for _, d := range []*repository.Donation{
		{CampaignID: realCampaign.ID, Amount: 40},
		{CampaignID: realCampaign.ID, Amount: 15, IsSimulation: true},
		{CampaignID: sim.ID, Amount: 25, IsSimulation: true},
	} {
		_, err := gw.ApplyDonation(ctx, d)
		require.NoError(t, err)
	}

	counts, err := gw.SimulationCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Campaigns)
	assert.Equal(t, int64(2), counts.Donations)
	assert.InDelta(t, 40.0, counts.Amount, 0.001)
	assert.True(t, counts.Seeded)

	res, err := gw.ClearSimulation(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.ClearResult{Campaigns: 1, Donations: 2}, res)

	again, err := gw.ClearSimulation(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.ClearResult{}, again)

	got, err := gw.GetCampaign(ctx, realCampaign.ID)
	require.NoError(t, err)
	sum, err := gw.SumDonations(ctx, realCampaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.CurrentAmount)
	assert.Equal(t, got.CurrentAmount, sum)

	_, err = gw.GetCampaign(ctx, sim.ID)
	assert.ErrorIs(t, err, repository.ErrCampaignNotFound)
	require.NoError(t, gw.MarkSeeded(ctx), "clear resets the seed marker")
}

func testClearReopens(t *testing.T, gw repository.Gateway) {
	ctx := context.Background()
	reopened, err := gw.CreateCampaign(ctx, NewCampaign("Well", 100))
	require.NoError(t, err)
	kept, err := gw.CreateCampaign(ctx, NewCampaign("Roof", 100))
	require.NoError(t, err)

	for _, d := range []*repository.Donation{
		{CampaignID: reopened.ID, Amount: 30},
		{CampaignID: reopened.ID, Amount: 80, IsSimulation: true},
		{CampaignID: kept.ID, Amount: 100},
		{CampaignID: kept.ID, Amount: 20, IsSimulation: true},
	} {
		_, err := gw.ApplyDonation(ctx, d)
		require.NoError(t, err)
	}
	for _, id := range []string{reopened.ID, kept.ID} {
		won, err := gw.MarkCompleted(ctx, id)
		require.NoError(t, err)
		require.True(t, won)
	}

	_, err = gw.ClearSimulation(ctx)
	require.NoError(t, err)

	got, err := gw.GetCampaign(ctx, reopened.ID)
	require.NoError(t, err)
	assert.Equal(t, 30.0, got.CurrentAmount)
	assert.False(t, got.IsCompleted, "below target once simulated money is gone")
	assert.True(t, got.IsActive)

	got, err = gw.GetCampaign(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.CurrentAmount)
	assert.True(t, got.IsCompleted, "real money alone meets the target")
	assert.False(t, got.IsActive)

	totals, err := gw.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.ActiveCampaigns)
}
