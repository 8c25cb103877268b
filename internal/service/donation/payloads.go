package donation

import "github.com/nmxmxh/fundpulse/internal/repository"

// Lifecycle values carried by campaign-status-update.
const (
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusArchived  = "archived"
	StatusFeatured  = "featured"
	StatusCompleted = "completed"
)

// CampaignUpdate is the payload of campaign-updated and campaign-progress.
type CampaignUpdate struct {
	CampaignID string               `json:"campaignId"`
	NewAmount  float64              `json:"newAmount"`
	Donation   *repository.Donation `json:"donation,omitempty"`
}

type DonationNotice struct {
	Amount        float64 `json:"amount"`
	CampaignID    string  `json:"campaignId"`
	CampaignTitle string  `json:"campaignTitle"`
	DonationType  string  `json:"donationType,omitempty"`
	DonorName     string  `json:"donorName"`
	IsSimulation  bool    `json:"isSimulation"`
}

type CampaignNotice struct {
	Campaign     *repository.Campaign `json:"campaign"`
	IsSimulation bool                 `json:"isSimulation"`
}

type GoalNotice struct {
	CampaignID    string  `json:"campaignId"`
	Title         string  `json:"title"`
	TargetAmount  float64 `json:"targetAmount"`
	CurrentAmount float64 `json:"currentAmount"`
}

// StatusNotice is the payload of campaign-status-update. Amount changes are
// announced separately as campaign-updated.
type StatusNotice struct {
	CampaignID string               `json:"campaignId"`
	Status     string               `json:"status"`
	Message    string               `json:"message,omitempty"`
	Campaign   *repository.Campaign `json:"campaign,omitempty"`
}

// AccountStatus is the payload of account-status-changed and, with UserID
// set, user-status-update.
type AccountStatus struct {
	UserID   string `json:"userId,omitempty"`
	IsActive bool   `json:"isActive"`
	Message  string `json:"message"`
}
