// Package events holds the live channel's event catalog, the frame envelope
// and room naming shared by the websocket layer and the services that
// publish through it.
package events

import (
	"context"
	"time"

	"github.com/nmxmxh/fundpulse/pkg/json"
)

// Outbound event types.
const (
	CampaignUpdated      = "campaign-updated"
	NewCampaign          = "new-campaign"
	CampaignStatusUpdate = "campaign-status-update"
	CampaignProgress     = "campaign-progress"
	GoalReached          = "goal-reached"
	NewDonation          = "new-donation"
	LiveActivity         = "live-activity"
	LiveStatsUpdate      = "live-stats-update"
	UserStatusUpdate     = "user-status-update"
	Notification         = "notification"
	AccountStatusChanged = "account-status-changed"
	SimulationStatus     = "simulation-status"
	Error                = "error"
)

// Inbound control and echo types.
const (
	JoinUserRoom          = "join-user-room"
	JoinAdminRoom         = "join-admin-room"
	JoinCampaign          = "join-campaign"
	LeaveCampaign         = "leave-campaign"
	RequestLiveStats      = "request-live-stats"
	StartSimulation       = "start-simulation"
	StopSimulation        = "stop-simulation"
	GetSimulationStatus   = "get-simulation-status"
	SendNotification      = "send-notification"
	DonationMade          = "donation-made"
	CampaignCreated       = "campaign-created"
	CampaignStatusChanged = "campaign-status-changed"
	UserStatusChanged     = "user-status-changed"
)

// Envelope is the JSON text frame exchanged with clients.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Inbound is a decoded client frame. Payload is left generic so each route
// can decode it into its own struct.
type Inbound struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Encode renders one frame. Publishers encode once per publish and share the
// bytes across all recipients.
func Encode(eventType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: eventType, Payload: payload})
}

// DecodeInbound parses a client frame.
func DecodeInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Publisher delivers an event to the current members of a room and reports
// how many connections accepted the frame. PublishRooms targets the union of
// several rooms, so a connection in more than one of them gets one frame.
type Publisher interface {
	Publish(ctx context.Context, room, eventType string, payload interface{}) (int, error)
	PublishRooms(ctx context.Context, rooms []string, eventType string, payload interface{}) (int, error)
}

// Activity is the payload of live-activity frames.
type Activity struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	CampaignID string    `json:"campaignId,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	Simulated  bool      `json:"isSimulation"`
	Timestamp  time.Time `json:"timestamp"`
}

// NotificationPayload is the payload of notification frames.
type NotificationPayload struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}
