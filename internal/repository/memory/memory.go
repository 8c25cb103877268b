// Package memory is an in-process Gateway. A single mutex makes every
// operation atomic, which gives ApplyDonation and MarkCompleted the same
// guarantees the Postgres gateway gets from row-level updates.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nmxmxh/fundpulse/internal/repository"
)

type Store struct {
	mu        sync.Mutex
	campaigns map[string]*repository.Campaign
	donations map[string]*repository.Donation
	seeded    bool
	now       func() time.Time
}

var _ repository.Gateway = (*Store)(nil)

func New() *Store {
	return &Store{
		campaigns: make(map[string]*repository.Campaign),
		donations: make(map[string]*repository.Donation),
		now:       time.Now,
	}
}

func (s *Store) CreateCampaign(_ context.Context, c *repository.Campaign) (*repository.Campaign, error) {
	if c == nil || strings.TrimSpace(c.Title) == "" || !(c.TargetAmount > 0) || c.CurrentAmount != 0 {
		return nil, repository.ErrInvalidCampaign
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.campaigns[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (*repository.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrCampaignNotFound
	}
	out := *c
	return &out, nil
}

// ListActiveCampaigns returns active, not completed campaigns oldest first.
func (s *Store) ListActiveCampaigns(_ context.Context) ([]*repository.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if c.IsActive && !c.IsCompleted {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ApplyDonation(_ context.Context, d *repository.Donation) (*repository.Campaign, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[d.CampaignID]
	if !ok {
		return nil, repository.ErrCampaignNotFound
	}
	if !c.AcceptsDonations() {
		return nil, repository.ErrCampaignClosed
	}

	stored := *d
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	stored.Amount = repository.RoundCents(stored.Amount)
	stored.Status = repository.DonationCompleted
	s.donations[stored.ID] = &stored
	*d = stored

	c.CurrentAmount = repository.RoundCents(c.CurrentAmount + stored.Amount)
	c.UpdatedAt = s.now().UTC()
	out := *c
	return &out, nil
}

func (s *Store) MarkCompleted(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, repository.ErrCampaignNotFound
	}
	if c.IsCompleted || !c.GoalReached() {
		return false, nil
	}
	c.IsCompleted = true
	c.IsActive = false
	c.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *Store) SumDonations(_ context.Context, campaignID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaignID]; !ok {
		return 0, repository.ErrCampaignNotFound
	}
	var sum float64
	for _, d := range s.donations {
		if d.CampaignID == campaignID && d.Status != repository.DonationVoided {
			sum += d.Amount
		}
	}
	return repository.RoundCents(sum), nil
}

func (s *Store) Totals(_ context.Context) (repository.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t repository.Totals
	for _, c := range s.campaigns {
		t.TotalCampaigns++
		if c.IsActive {
			t.ActiveCampaigns++
		}
	}
	for _, d := range s.donations {
		if d.Status == repository.DonationVoided {
			continue
		}
		t.TotalDonations++
		t.TotalAmountRaised += d.Amount
	}
	t.TotalAmountRaised = repository.RoundCents(t.TotalAmountRaised)
	return t, nil
}

func (s *Store) SimulationCounts(_ context.Context) (repository.SimulationCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := repository.SimulationCounts{Seeded: s.seeded}
	for _, c := range s.campaigns {
		if c.IsSimulation {
			out.Campaigns++
		}
	}
	for _, d := range s.donations {
		if d.IsSimulation && d.Status != repository.DonationVoided {
			out.Donations++
			out.Amount += d.Amount
		}
	}
	out.Amount = repository.RoundCents(out.Amount)
	return out, nil
}

func (s *Store) MarkSeeded(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return repository.ErrAlreadySeeded
	}
	s.seeded = true
	return nil
}

// ClearSimulation removes simulated campaigns with all their donations and
// simulated donations on real campaigns. Real campaigns lose the amount the
// removed donations contributed so the sum invariant keeps holding, and a
// completed one that drops below its target is reopened.
func (s *Store) ClearSimulation(_ context.Context) (repository.ClearResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res repository.ClearResult
	for id, d := range s.donations {
		c := s.campaigns[d.CampaignID]
		if !d.IsSimulation && (c == nil || !c.IsSimulation) {
			continue
		}
		if c != nil && !c.IsSimulation && d.Status != repository.DonationVoided {
			c.CurrentAmount = repository.RoundCents(c.CurrentAmount - d.Amount)
		}
		delete(s.donations, id)
		res.Donations++
	}
	for id, c := range s.campaigns {
		if c.IsSimulation {
			delete(s.campaigns, id)
			res.Campaigns++
			continue
		}
		if c.IsCompleted && !c.GoalReached() {
			reopen(c)
			c.UpdatedAt = s.now().UTC()
		}
	}
	s.seeded = false
	return res, nil
}

func (s *Store) Ping(context.Context) error { return nil }

// reopen undoes completion. The campaign is active again only if nothing
// else keeps it closed.
func reopen(c *repository.Campaign) {
	c.IsCompleted = false
	c.IsActive = c.IsApproved && !c.IsRejected && !c.IsArchived
}
