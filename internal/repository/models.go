package repository

import (
	"math"
	"time"
)

// Campaign is a fundraising target. CurrentAmount only grows through
// Gateway.ApplyDonation.
type Campaign struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Organizer     string    `json:"organizer"`
	Category      string    `json:"category"`
	Location      string    `json:"location"`
	TargetAmount  float64   `json:"targetAmount"`
	CurrentAmount float64   `json:"currentAmount"`
	EndDate       time.Time `json:"endDate"`
	IsActive      bool      `json:"isActive"`
	IsApproved    bool      `json:"isApproved"`
	IsFeatured    bool      `json:"isFeatured"`
	IsRejected    bool      `json:"isRejected"`
	IsArchived    bool      `json:"isArchived"`
	IsCompleted   bool      `json:"isCompleted"`
	IsSimulation  bool      `json:"isSimulation"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// GoalReached reports whether the target has been met.
func (c *Campaign) GoalReached() bool {
	return c.TargetAmount > 0 && c.CurrentAmount >= c.TargetAmount
}

// Shortfall is how much is still missing, never negative.
func (c *Campaign) Shortfall() float64 {
	return math.Max(0, c.TargetAmount-c.CurrentAmount)
}

// AcceptsDonations is false for rejected and archived campaigns. Completed
// campaigns keep accepting donations.
func (c *Campaign) AcceptsDonations() bool {
	return !c.IsRejected && !c.IsArchived
}

type DonationStatus string

const (
	DonationCompleted DonationStatus = "completed"
	DonationVoided    DonationStatus = "voided"
)

type Donation struct {
	ID            string         `json:"id"`
	CampaignID    string         `json:"campaignId"`
	Amount        float64        `json:"amount"`
	DonorID       string         `json:"donorId,omitempty"`
	DonorName     string         `json:"donorName,omitempty"`
	IsAnonymous   bool           `json:"isAnonymous"`
	Message       string         `json:"message,omitempty"`
	PaymentMethod string         `json:"paymentMethod,omitempty"`
	IsSimulation  bool           `json:"isSimulation"`
	Status        DonationStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Validate checks the fields a store needs before applying the donation.
func (d *Donation) Validate() error {
	if d == nil || d.CampaignID == "" {
		return ErrInvalidDonation
	}
	if !(d.Amount > 0) || math.IsInf(d.Amount, 0) {
		return ErrInvalidDonation
	}
	return nil
}

// Totals are the store-side aggregates the live stats are reconciled from.
// Voided donations are excluded.
type Totals struct {
	TotalCampaigns    int64
	ActiveCampaigns   int64
	TotalDonations    int64
	TotalAmountRaised float64
}

// SimulationCounts describes simulation-flagged records.
type SimulationCounts struct {
	Campaigns int64   `json:"campaigns"`
	Donations int64   `json:"donations"`
	Amount    float64 `json:"amount"`
	Seeded    bool    `json:"seeded"`
}

// ClearResult reports what ClearSimulation removed.
type ClearResult struct {
	Campaigns int64 `json:"campaigns"`
	Donations int64 `json:"donations"`
}

// RoundCents rounds a dollar amount to whole cents.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
