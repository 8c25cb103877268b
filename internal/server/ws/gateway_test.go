package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/service/donation"
	"github.com/nmxmxh/fundpulse/internal/service/simulation"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/graceful"
)

type fixedStats struct{ snap stats.Snapshot }

func (f fixedStats) Snapshot() stats.Snapshot { return f.snap }

type fakeSimulation struct {
	mu      sync.Mutex
	running bool
	starts  int
}

func (f *fakeSimulation) Start(context.Context) (simulation.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	return simulation.Status{IsRunning: true, Message: "Simulation running"}, nil
}

func (f *fakeSimulation) Stop(context.Context) (simulation.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return simulation.Status{Message: "Simulation stopped"}, nil
}

func (f *fakeSimulation) Status() simulation.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return simulation.Status{IsRunning: f.running}
}

type fakeEcho struct {
	mu        sync.Mutex
	donations []*repository.Donation
	campaigns []*repository.Campaign
	statuses  []donation.StatusChange
	users     []donation.UserStatus
	err       error
}

func (f *fakeEcho) RelayDonation(ctx context.Context, d *repository.Donation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.donations = append(f.donations, d)
	return f.err
}

func (f *fakeEcho) RelayCampaign(ctx context.Context, c *repository.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns = append(f.campaigns, c)
	return f.err
}

func (f *fakeEcho) RelayStatusChange(ctx context.Context, sc donation.StatusChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, sc)
	return f.err
}

func (f *fakeEcho) RelayUserStatus(ctx context.Context, us donation.UserStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, us)
	return f.err
}

type gatewayHarness struct {
	registry *Registry
	gateway  *Gateway
	sim      *fakeSimulation
	echo     *fakeEcho
}

func newGatewayHarness(t *testing.T, conns ...*fakeConn) *gatewayHarness {
	t.Helper()
	r, b := newTestBroadcaster(t, conns...)
	h := &gatewayHarness{registry: r, sim: &fakeSimulation{}, echo: &fakeEcho{}}
	h.gateway = NewGateway(r, b, fixedStats{stats.Snapshot{TotalCampaigns: 5, TotalDonations: 15}}, h.sim, h.echo, zap.NewNop())
	return h
}

func (h *gatewayHarness) send(c *fakeConn, frame string) {
	h.gateway.Handle(context.Background(), c, []byte(frame))
}

func TestJoinAndLeaveCampaign(t *testing.T) {
	c := newFakeConn("c", anonIdentity)
	h := newGatewayHarness(t, c)

	h.send(c, `{"type":"join-campaign","payload":{"campaignId":"42"}}`)
	assert.Contains(t, h.registry.RoomsOf("c"), "campaign:42")

	// Numeric ids are accepted too.
	h.send(c, `{"type":"join-campaign","payload":{"campaignId":7}}`)
	assert.Contains(t, h.registry.RoomsOf("c"), "campaign:7")

	h.send(c, `{"type":"leave-campaign","payload":{"campaignId":"42"}}`)
	assert.NotContains(t, h.registry.RoomsOf("c"), "campaign:42")
	assert.Empty(t, c.received(t))
}

func TestRejectionsGoToSenderOnly(t *testing.T) {
	viewer := newFakeConn("viewer", anonIdentity)
	bystander := newFakeConn("bystander", adminIdentity)
	h := newGatewayHarness(t, viewer, bystander)

	tests := []struct {
		frame string
		code  codes.Code
	}{
		{`{"type":"start-simulation"}`, codes.PermissionDenied},
		{`{"type":"join-admin-room"}`, codes.PermissionDenied},
		{`{"type":"join-user-room","payload":{"id":"u1"}}`, codes.Unauthenticated},
		{`{"type":"donation-made","payload":{"campaignId":"42","amount":5}}`, codes.Unauthenticated},
		{`{"type":"join-campaign","payload":{}}`, codes.InvalidArgument},
		{`{"type":"join-campaign","payload":{"campaignId":"a b"}}`, codes.InvalidArgument},
		{`{"type":"dance"}`, codes.InvalidArgument},
		{`not json`, codes.InvalidArgument},
	}
	for _, tt := range tests {
		viewer.reset()
		h.send(viewer, tt.frame)
		got := viewer.received(t)
		require.Len(t, got, 1, tt.frame)
		assert.Equal(t, events.Error, got[0].Type, tt.frame)
		assert.Equal(t, tt.code.String(), got[0].Payload["code"], tt.frame)
	}
	assert.Empty(t, bystander.received(t))
	assert.Zero(t, h.sim.starts)
	assert.Empty(t, h.echo.donations)
	assert.Equal(t, []string{"all"}, h.registry.RoomsOf("viewer"))
}

func TestJoinOtherUsersRoomIsForbidden(t *testing.T) {
	c := newFakeConn("c", userIdentity)
	h := newGatewayHarness(t, c)

	h.send(c, `{"type":"join-user-room","payload":{"id":"u2"}}`)
	got := c.last(t)
	assert.Equal(t, events.Error, got.Type)
	assert.Equal(t, codes.PermissionDenied.String(), got.Payload["code"])
	assert.Equal(t, events.JoinUserRoom, got.Payload["source"])

	c.reset()
	h.send(c, `{"type":"join-user-room","payload":{"id":"u1"}}`)
	assert.Empty(t, c.received(t))
}

func TestSimulationControl(t *testing.T) {
	admin := newFakeConn("admin", adminIdentity)
	viewer := newFakeConn("viewer", anonIdentity)
	h := newGatewayHarness(t, admin, viewer)

	h.send(admin, `{"type":"start-simulation"}`)
	got := admin.last(t)
	assert.Equal(t, events.SimulationStatus, got.Type)
	assert.Equal(t, true, got.Payload["isRunning"])
	assert.Equal(t, 1, h.sim.starts)

	h.send(viewer, `{"type":"get-simulation-status"}`)
	assert.Equal(t, events.SimulationStatus, viewer.last(t).Type)
	assert.Equal(t, true, viewer.last(t).Payload["isRunning"])

	h.send(admin, `{"type":"stop-simulation"}`)
	assert.Equal(t, false, admin.last(t).Payload["isRunning"])
}

func TestRequestLiveStats(t *testing.T) {
	c := newFakeConn("c", anonIdentity)
	h := newGatewayHarness(t, c)

	h.send(c, `{"type":"request-live-stats"}`)
	got := c.last(t)
	assert.Equal(t, events.LiveStatsUpdate, got.Type)
	assert.EqualValues(t, 5, got.Payload["totalCampaigns"])
	assert.EqualValues(t, 15, got.Payload["totalDonations"])
}

func TestSendNotification(t *testing.T) {
	admin := newFakeConn("admin", adminIdentity)
	user := newFakeConn("user", userIdentity)
	viewer := newFakeConn("viewer", anonIdentity)
	h := newGatewayHarness(t, admin, user, viewer)

	h.send(admin, `{"type":"send-notification","payload":{"userId":"u1","title":"Hi","message":"Thanks"}}`)
	assert.Equal(t, []string{events.Notification}, user.types(t))
	assert.Empty(t, viewer.received(t))
	assert.Equal(t, "info", user.last(t).Payload["type"])

	h.send(admin, `{"type":"send-notification","payload":{"type":"warning","title":"Maintenance"}}`)
	assert.Equal(t, events.Notification, viewer.last(t).Type)
	assert.Equal(t, "warning", viewer.last(t).Payload["type"])

	admin.reset()
	h.send(admin, `{"type":"send-notification","payload":{"room":"lobby","title":"x"}}`)
	assert.Equal(t, codes.InvalidArgument.String(), admin.last(t).Payload["code"])
}

func TestEchoRoutes(t *testing.T) {
	user := newFakeConn("user", userIdentity)
	admin := newFakeConn("admin", adminIdentity)
	h := newGatewayHarness(t, user, admin)

	h.send(user, `{"type":"donation-made","payload":{"id":"d1","campaignId":"42","amount":"25.5","donationType":"card","createdAt":"2024-05-01T10:00:00Z"}}`)
	require.Len(t, h.echo.donations, 1)
	d := h.echo.donations[0]
	assert.Equal(t, "42", d.CampaignID)
	assert.Equal(t, 25.5, d.Amount)
	assert.Equal(t, "card", d.PaymentMethod)
	assert.Equal(t, "u1", d.DonorID)
	assert.Equal(t, 2024, d.CreatedAt.Year())

	h.send(user, `{"type":"campaign-created","payload":{"campaign":{"id":"c9","title":"Wells","targetAmount":500}}}`)
	require.Len(t, h.echo.campaigns, 1)
	assert.Equal(t, "Wells", h.echo.campaigns[0].Title)
	assert.Equal(t, 500.0, h.echo.campaigns[0].TargetAmount)

	h.send(user, `{"type":"campaign-status-changed","payload":{"campaignId":"42","status":"approved"}}`)
	assert.Empty(t, h.echo.statuses)
	assert.Equal(t, codes.PermissionDenied.String(), user.last(t).Payload["code"])

	h.send(admin, `{"type":"campaign-status-changed","payload":{"campaignId":"42","status":"approved"}}`)
	require.Len(t, h.echo.statuses, 1)
	assert.Equal(t, donation.StatusChange{CampaignID: "42", Status: "approved"}, h.echo.statuses[0])

	h.send(admin, `{"type":"user-status-changed","payload":{"userId":"u1","isActive":false}}`)
	require.Len(t, h.echo.users, 1)
	assert.Equal(t, "Your account has been deactivated", h.echo.users[0].Message)
}

func TestEchoErrorsAreReported(t *testing.T) {
	user := newFakeConn("user", userIdentity)
	h := newGatewayHarness(t, user)
	h.echo.err = graceful.WrapErr(context.Background(), codes.NotFound, "campaign not found", nil)

	h.send(user, `{"type":"donation-made","payload":{"campaignId":"missing","amount":5}}`)
	got := user.last(t)
	assert.Equal(t, events.Error, got.Type)
	assert.Equal(t, codes.NotFound.String(), got.Payload["code"])
	assert.Equal(t, "campaign not found", got.Payload["message"])
}
