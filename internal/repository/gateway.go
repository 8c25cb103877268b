package repository

import "context"

// Gateway is the persistence boundary for campaigns and donations.
//
// ApplyDonation must store the donation and increment the campaign's
// current amount atomically at the store level. It fills in the donation's
// ID, CreatedAt and Status and returns the campaign as updated. MarkCompleted is a
// compare-and-set: it returns true only for the single caller that flipped
// the campaign to completed.
type Gateway interface {
	CreateCampaign(ctx context.Context, c *Campaign) (*Campaign, error)
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]*Campaign, error)
	ApplyDonation(ctx context.Context, d *Donation) (*Campaign, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	SumDonations(ctx context.Context, campaignID string) (float64, error)
	Totals(ctx context.Context) (Totals, error)

	SimulationCounts(ctx context.Context) (SimulationCounts, error)
	// MarkSeeded records that demo data was seeded. It fails with
	// ErrAlreadySeeded when the marker already exists.
	MarkSeeded(ctx context.Context) error
	ClearSimulation(ctx context.Context) (ClearResult, error)

	Ping(ctx context.Context) error
}
