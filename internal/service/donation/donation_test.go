package donation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/repository/memory"
	"github.com/nmxmxh/fundpulse/internal/repository/repotest"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/events/eventstest"
	"github.com/nmxmxh/fundpulse/pkg/graceful"
)

type fixture struct {
	store *memory.Store
	agg   *stats.Aggregator
	pub   *eventstest.Recorder
	proc  *Processor
}

func newFixture(t *testing.T, gw func(repository.Gateway) repository.Gateway) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{store: memory.New(), pub: &eventstest.Recorder{}}
	var store repository.Gateway = f.store
	if gw != nil {
		store = gw(f.store)
	}
	f.agg = stats.NewAggregator(store, log)
	f.proc = NewProcessor(store, f.agg, f.pub, log)
	t.Cleanup(f.proc.Wait)
	return f
}

// campaign creates a campaign whose current amount comes from a donation
// written straight to the store, so the aggregator has not seen it.
func (f *fixture) campaign(t *testing.T, target, current float64) *repository.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.store.CreateCampaign(ctx, repotest.NewCampaign("Clean Water", target))
	require.NoError(t, err)
	if current > 0 {
		c, err = f.store.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: current})
		require.NoError(t, err)
	}
	return c
}

func TestApplyDonationCrossesGoal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.campaign(t, 1000, 950)

	res, err := f.proc.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 75, IsSimulation: true})
	require.NoError(t, err)
	assert.True(t, res.GoalReached)
	assert.Equal(t, 1025.0, res.Campaign.CurrentAmount)
	assert.NotEmpty(t, res.Donation.ID)

	stored, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1025.0, stored.CurrentAmount)
	assert.True(t, stored.IsCompleted)
	assert.False(t, stored.IsActive)

	goals := f.pub.OfType(events.GoalReached)
	require.Len(t, goals, 1)
	assert.ElementsMatch(t, []string{events.CampaignRoom(c.ID), events.RoomAll}, goals[0].Rooms)
	assert.Equal(t, c.ID, goals[0].Payload.(GoalNotice).CampaignID)

	notes := f.pub.OfType(events.Notification)
	require.Len(t, notes, 1)
	assert.Equal(t, []string{events.RoomAdmin}, notes[0].Rooms)

	updates := f.pub.OfType(events.CampaignUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{events.CampaignRoom(c.ID)}, updates[0].Rooms)
	assert.Equal(t, 1025.0, updates[0].Payload.(CampaignUpdate).NewAmount)

	assert.Equal(t, 1, f.pub.Count(events.NewDonation))
	assert.Equal(t, 1, f.pub.Count(events.LiveActivity))

	snap := f.agg.Snapshot()
	assert.Equal(t, int64(1), snap.TotalDonations)
	assert.Equal(t, 75.0, snap.TotalAmountRaised)

	// A further donation overfunds but does not announce the goal again.
	_, err = f.proc.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, f.pub.Count(events.GoalReached))
}

func TestInactiveCampaignGoalKeepsActiveCount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.proc.CreateCampaign(ctx, repotest.NewCampaign("Open", 100))
	require.NoError(t, err)
	pending := repotest.NewCampaign("Awaiting approval", 100)
	pending.IsActive = false
	pending.IsApproved = false
	c, err := f.proc.CreateCampaign(ctx, pending)
	require.NoError(t, err)

	res, err := f.proc.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 150})
	require.NoError(t, err)
	require.True(t, res.GoalReached)

	totals, err := f.store.Totals(ctx)
	require.NoError(t, err)
	snap := f.agg.Snapshot()
	assert.Equal(t, int64(1), totals.ActiveCampaigns)
	assert.Equal(t, totals.ActiveCampaigns, snap.ActiveCampaigns)
	assert.Equal(t, totals.TotalCampaigns, snap.TotalCampaigns)
}

// reconcilingStore rebuilds the live stats right after each write lands,
// before the processor has aggregated it.
type reconcilingStore struct {
	repository.Gateway
	agg *stats.Aggregator
}

func (s *reconcilingStore) ApplyDonation(ctx context.Context, d *repository.Donation) (*repository.Campaign, error) {
	c, err := s.Gateway.ApplyDonation(ctx, d)
	if err == nil {
		_, _ = s.agg.Reconcile(ctx)
	}
	return c, err
}

func (s *reconcilingStore) CreateCampaign(ctx context.Context, c *repository.Campaign) (*repository.Campaign, error) {
	out, err := s.Gateway.CreateCampaign(ctx, c)
	if err == nil {
		_, _ = s.agg.Reconcile(ctx)
	}
	return out, err
}

func TestReconcileDuringWriteDoesNotDoubleCount(t *testing.T) {
	rs := &reconcilingStore{}
	f := newFixture(t, func(g repository.Gateway) repository.Gateway {
		rs.Gateway = g
		return rs
	})
	rs.agg = f.agg
	ctx := context.Background()

	c, err := f.proc.CreateCampaign(ctx, repotest.NewCampaign("Clinic", 1000))
	require.NoError(t, err)
	_, err = f.proc.ApplyDonation(ctx, &repository.Donation{CampaignID: c.ID, Amount: 40})
	require.NoError(t, err)

	totals, err := f.store.Totals(ctx)
	require.NoError(t, err)
	snap := f.agg.Snapshot()
	assert.Equal(t, totals.TotalCampaigns, snap.TotalCampaigns)
	assert.Equal(t, totals.TotalDonations, snap.TotalDonations)
	assert.Equal(t, totals.TotalAmountRaised, snap.TotalAmountRaised)
	assert.Equal(t, int64(1), snap.TotalDonations)

	snap, err = f.agg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40.0, snap.TotalAmountRaised)
}

func TestGoalReachedOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, 100, 0)

	const n = 25
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.proc.ApplyDonation(context.Background(), &repository.Donation{CampaignID: c.ID, Amount: 150})
			if assert.NoError(t, err) && res.GoalReached {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, 1, f.pub.Count(events.GoalReached))
	assert.Equal(t, n, f.pub.Count(events.CampaignUpdated))

	stored, err := f.store.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 150.0*n, stored.CurrentAmount)
}

type unavailableStore struct {
	repository.Gateway
}

func (unavailableStore) ApplyDonation(context.Context, *repository.Donation) (*repository.Campaign, error) {
	return nil, repository.ErrUnavailable
}

func TestPersistenceErrorNotAggregated(t *testing.T) {
	f := newFixture(t, func(g repository.Gateway) repository.Gateway { return unavailableStore{g} })
	c := f.campaign(t, 1000, 0)

	_, err := f.proc.ApplyDonation(context.Background(), &repository.Donation{CampaignID: c.ID, Amount: 20})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, graceful.CodeOf(err))
	assert.ErrorIs(t, err, repository.ErrUnavailable)

	assert.Zero(t, f.agg.Snapshot().TotalDonations)
	assert.Empty(t, f.pub.All())
}

type conflictingStore struct {
	repository.Gateway
	failures int32
	calls    atomic.Int32
}

func (s *conflictingStore) ApplyDonation(ctx context.Context, d *repository.Donation) (*repository.Campaign, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, repository.ErrConflict
	}
	return s.Gateway.ApplyDonation(ctx, d)
}

func TestConflictIsRetried(t *testing.T) {
	var cs *conflictingStore
	f := newFixture(t, func(g repository.Gateway) repository.Gateway {
		cs = &conflictingStore{Gateway: g, failures: 2}
		return cs
	})
	c := f.campaign(t, 1000, 0)

	res, err := f.proc.ApplyDonation(context.Background(), &repository.Donation{CampaignID: c.ID, Amount: 12.5})
	require.NoError(t, err)
	assert.Equal(t, 12.5, res.Campaign.CurrentAmount)
	assert.Equal(t, int32(3), cs.calls.Load())
}

func TestApplyDonationRejectsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, 1000, 0)

	tests := []struct {
		name string
		d    *repository.Donation
		code codes.Code
	}{
		{"zero amount", &repository.Donation{CampaignID: c.ID}, codes.InvalidArgument},
		{"negative amount", &repository.Donation{CampaignID: c.ID, Amount: -5}, codes.InvalidArgument},
		{"missing campaign id", &repository.Donation{Amount: 5}, codes.InvalidArgument},
		{"unknown campaign", &repository.Donation{CampaignID: "nope", Amount: 5}, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proc.ApplyDonation(context.Background(), tt.d)
			assert.Equal(t, tt.code, graceful.CodeOf(err))
		})
	}
	assert.Empty(t, f.pub.All())
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t, nil)

	c, err := f.proc.CreateCampaign(context.Background(), repotest.NewCampaign("Library", 500))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	created := f.pub.OfType(events.NewCampaign)
	require.Len(t, created, 1)
	assert.Equal(t, c.ID, created[0].Payload.(CampaignNotice).Campaign.ID)
	assert.Equal(t, int64(1), f.agg.Snapshot().TotalCampaigns)

	_, err = f.proc.CreateCampaign(context.Background(), repotest.NewCampaign("", 500))
	assert.Equal(t, codes.InvalidArgument, graceful.CodeOf(err))
}

func TestRelayDonationDetectsGoal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.campaign(t, 100, 0)

	// Persisted by someone else; the relay only announces.
	d := &repository.Donation{CampaignID: c.ID, Amount: 120, DonorName: "Ada"}
	_, err := f.store.ApplyDonation(ctx, d)
	require.NoError(t, err)

	require.NoError(t, f.proc.RelayDonation(ctx, d))
	f.proc.Wait()

	assert.Equal(t, 1, f.pub.Count(events.GoalReached))
	updates := f.pub.OfType(events.CampaignUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, 120.0, updates[0].Payload.(CampaignUpdate).NewAmount)
	assert.Equal(t, "Ada", f.pub.OfType(events.NewDonation)[0].Payload.(DonationNotice).DonorName)

	// The background reconcile picked the donation up from the store.
	assert.Equal(t, int64(1), f.agg.Snapshot().TotalDonations)

	err = f.proc.RelayDonation(ctx, &repository.Donation{CampaignID: "missing", Amount: 1})
	assert.Equal(t, codes.NotFound, graceful.CodeOf(err))
}

func TestRelayStatusAndUserChanges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.campaign(t, 100, 0)

	require.NoError(t, f.proc.RelayStatusChange(ctx, StatusChange{CampaignID: c.ID, Status: StatusApproved}))
	status := f.pub.OfType(events.CampaignStatusUpdate)
	require.Len(t, status, 1)
	assert.Equal(t, StatusApproved, status[0].Payload.(StatusNotice).Status)
	assert.Equal(t, c.ID, status[0].Payload.(StatusNotice).Campaign.ID)

	assert.Equal(t, codes.InvalidArgument, graceful.CodeOf(f.proc.RelayStatusChange(ctx, StatusChange{CampaignID: c.ID})))

	require.NoError(t, f.proc.RelayUserStatus(ctx, UserStatus{UserID: "u1", IsActive: false, Message: "suspended"}))
	account := f.pub.OfType(events.AccountStatusChanged)
	require.Len(t, account, 1)
	assert.Equal(t, []string{events.UserRoom("u1")}, account[0].Rooms)
	assert.False(t, account[0].Payload.(AccountStatus).IsActive)

	admin := f.pub.OfType(events.UserStatusUpdate)
	require.Len(t, admin, 1)
	assert.Equal(t, []string{events.RoomAdmin}, admin[0].Rooms)
	assert.Equal(t, "u1", admin[0].Payload.(AccountStatus).UserID)

	require.NoError(t, f.proc.RelayCampaign(ctx, c))
	assert.Equal(t, 1, f.pub.Count(events.NewCampaign))
}
