// Package stats keeps the live statistics snapshot. The snapshot is a cache:
// it is updated incrementally as donations and campaigns are applied and is
// periodically replaced by totals recomputed from the store.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/pkg/redis"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	snapshotEntity    = "live_snapshot"
	reconcileTimeout  = 30 * time.Second
	cacheWriteTimeout = 2 * time.Second
	// reconcileAttempts bounds how often Reconcile re-reads the store when
	// writes keep landing while it reads.
	reconcileAttempts = 5
	reconcileBackoff  = 10 * time.Millisecond
)

// Snapshot is the payload of live-stats-update.
type Snapshot struct {
	TotalCampaigns    int64     `json:"totalCampaigns"`
	TotalDonations    int64     `json:"totalDonations"`
	TotalAmountRaised float64   `json:"totalAmountRaised"`
	ActiveCampaigns   int64     `json:"activeCampaigns"`
	AverageDonation   float64   `json:"averageDonation"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TotalsSource is the part of the store reconciliation reads.
type TotalsSource interface {
	Totals(ctx context.Context) (repository.Totals, error)
}

// SnapshotCache persists snapshots for other instances. *redis.Cache
// satisfies it.
type SnapshotCache interface {
	Set(ctx context.Context, entity, attribute string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, entity, attribute string, dst interface{}) (bool, error)
}

type Aggregator struct {
	mu      sync.Mutex
	snap    Snapshot
	version uint64

	// store writes whose effect has not been applied yet
	pending atomic.Int64

	cacheMu   sync.Mutex
	persisted uint64

	src   TotalsSource
	cache SnapshotCache
	group singleflight.Group
	cron  *cron.Cron
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Aggregator)

// WithCache enables snapshot persistence.
func WithCache(c SnapshotCache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(src TotalsSource, log *zap.Logger, opts ...Option) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{
		src: src,
		log: log.With(zap.String("module", "stats")),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.snap.UpdatedAt = a.now().UTC()
	return a
}

// BeginApply announces a store write that the caller is about to mirror with
// Apply calls. Reconcile does not replace the snapshot while any such write
// is pending, so the store totals it reads are never counted twice. The
// returned func ends the write and is safe to call more than once.
func (a *Aggregator) BeginApply() (end func()) {
	a.pending.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { a.pending.Add(-1) })
	}
}

// ApplyDonation counts an applied donation.
func (a *Aggregator) ApplyDonation(d *repository.Donation) Snapshot {
	return a.update(func(s *Snapshot) {
		s.TotalDonations++
		s.TotalAmountRaised = repository.RoundCents(s.TotalAmountRaised + d.Amount)
	})
}

// ApplyNewCampaign counts a created campaign.
func (a *Aggregator) ApplyNewCampaign(c *repository.Campaign) Snapshot {
	return a.update(func(s *Snapshot) {
		s.TotalCampaigns++
		if c.IsActive {
			s.ActiveCampaigns++
		}
	})
}

// ApplyCampaignCompleted moves an active campaign out of the active count.
// Callers only report campaigns that were active before completing.
func (a *Aggregator) ApplyCampaignCompleted(*repository.Campaign) Snapshot {
	return a.update(func(s *Snapshot) {
		if s.ActiveCampaigns > 0 {
			s.ActiveCampaigns--
		}
	})
}

// update applies fn under the lock, then writes the result to the cache.
func (a *Aggregator) update(fn func(*Snapshot)) Snapshot {
	a.mu.Lock()
	fn(&a.snap)
	a.touch()
	snap, version := a.snap, a.version
	a.mu.Unlock()

	if a.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		a.persist(ctx, version, snap)
	}
	return snap
}

// touch recomputes derived fields. Callers hold a.mu.
func (a *Aggregator) touch() {
	a.snap.AverageDonation = average(a.snap.TotalAmountRaised, a.snap.TotalDonations)
	a.snap.UpdatedAt = a.now().UTC()
	a.version++
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Reconcile recomputes the snapshot from the store and replaces it. Concurrent
// calls share one store read. On a store error the current snapshot is kept.
func (a *Aggregator) Reconcile(ctx context.Context) (Snapshot, error) {
	v, err, _ := a.group.Do("reconcile", func() (interface{}, error) {
		return a.reconcile(ctx)
	})
	if err != nil {
		return a.Snapshot(), err
	}
	return v.(Snapshot), nil
}

func (a *Aggregator) reconcile(ctx context.Context) (Snapshot, error) {
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return a.Snapshot(), ctx.Err()
			case <-time.After(reconcileBackoff * time.Duration(attempt)):
			}
		}

		a.mu.Lock()
		before := a.version
		a.mu.Unlock()
		if a.pending.Load() > 0 {
			continue
		}

		totals, err := a.src.Totals(ctx)
		if err != nil {
			a.log.Warn("stats reconciliation failed", zap.Error(err))
			return Snapshot{}, err
		}

		a.mu.Lock()
		// A write that began, or an apply that landed, while the store was
		// read would be counted twice.
		if a.version != before || a.pending.Load() > 0 {
			a.mu.Unlock()
			continue
		}
		drift := a.snap.TotalDonations - totals.TotalDonations
		a.snap = fromTotals(totals, a.now().UTC())
		a.version++
		snap, version := a.snap, a.version
		a.mu.Unlock()

		if drift != 0 {
			a.log.Info("stats drift corrected", zap.Int64("donation_drift", drift))
		}
		a.persist(ctx, version, snap)
		return snap, nil
	}
	a.log.Debug("stats reconciliation deferred, writes in flight")
	return a.Snapshot(), nil
}

// persist writes snap to the cache unless a newer version is already there.
func (a *Aggregator) persist(ctx context.Context, version uint64, snap Snapshot) {
	if a.cache == nil {
		return
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if version <= a.persisted {
		return
	}
	if err := a.cache.Set(ctx, snapshotEntity, "", snap, redis.TTLStatsSnapshot); err != nil {
		a.log.Warn("failed to cache stats snapshot", zap.Error(err))
		return
	}
	a.persisted = version
}

// Warm loads the last cached snapshot, if any, so a restarted instance has
// numbers before its first reconciliation.
func (a *Aggregator) Warm(ctx context.Context) bool {
	if a.cache == nil {
		return false
	}
	var snap Snapshot
	found, err := a.cache.Get(ctx, snapshotEntity, "", &snap)
	if err != nil || !found {
		return false
	}
	a.mu.Lock()
	a.snap = snap
	a.version++
	a.mu.Unlock()
	return true
}

// Start schedules Reconcile with a cron spec such as "@every 1m".
func (a *Aggregator) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		_, _ = a.Reconcile(ctx)
	}); err != nil {
		return err
	}
	a.cron = c
	c.Start()
	a.log.Info("stats reconciliation scheduled", zap.String("spec", spec))
	return nil
}

// Stop halts the schedule and waits for a running reconciliation.
func (a *Aggregator) Stop() {
	if a.cron == nil {
		return
	}
	<-a.cron.Stop().Done()
}

func fromTotals(t repository.Totals, now time.Time) Snapshot {
	return Snapshot{
		TotalCampaigns:    t.TotalCampaigns,
		TotalDonations:    t.TotalDonations,
		TotalAmountRaised: repository.RoundCents(t.TotalAmountRaised),
		ActiveCampaigns:   t.ActiveCampaigns,
		AverageDonation:   average(t.TotalAmountRaised, t.TotalDonations),
		UpdatedAt:         now,
	}
}

func average(total float64, count int64) float64 {
	if count == 0 {
		return 0
	}
	return repository.RoundCents(total / float64(count))
}
