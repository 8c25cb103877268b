package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/fundpulse/internal/repository"
	"github.com/nmxmxh/fundpulse/internal/service/donation"
	"github.com/nmxmxh/fundpulse/internal/service/simulation"
	"github.com/nmxmxh/fundpulse/internal/service/stats"
	"github.com/nmxmxh/fundpulse/pkg/auth"
	"github.com/nmxmxh/fundpulse/pkg/contextx"
	"github.com/nmxmxh/fundpulse/pkg/events"
	"github.com/nmxmxh/fundpulse/pkg/graceful"
	"github.com/nmxmxh/fundpulse/pkg/metrics"
)

type StatsSource interface {
	Snapshot() stats.Snapshot
}

type SimulationControl interface {
	Start(ctx context.Context) (simulation.Status, error)
	Stop(ctx context.Context) (simulation.Status, error)
	Status() simulation.Status
}

// EchoRelay announces changes that clients report after persisting them
// through the REST API.
type EchoRelay interface {
	RelayDonation(ctx context.Context, d *repository.Donation) error
	RelayCampaign(ctx context.Context, c *repository.Campaign) error
	RelayStatusChange(ctx context.Context, sc donation.StatusChange) error
	RelayUserStatus(ctx context.Context, us donation.UserStatus) error
}

type access int

const (
	accessAny access = iota
	accessUser
	accessAdmin
)

// HandlerFunc serves one inbound event type.
type HandlerFunc func(ctx context.Context, c Conn, payload map[string]interface{}) error

type route struct {
	access access
	handle HandlerFunc
}

// Gateway is the single demultiplexing point for inbound frames. Errors are
// reported to the sending connection only.
type Gateway struct {
	registry *Registry
	bc       *Broadcaster
	stats    StatsSource
	sim      SimulationControl
	relay    EchoRelay
	log      *zap.Logger
	routes   map[string]route
}

func NewGateway(registry *Registry, bc *Broadcaster, st StatsSource, sim SimulationControl, relay EchoRelay, log *zap.Logger) *Gateway {
	g := &Gateway{
		registry: registry,
		bc:       bc,
		stats:    st,
		sim:      sim,
		relay:    relay,
		log:      log.With(zap.String("module", "gateway")),
		routes:   make(map[string]route),
	}
	g.register(events.JoinUserRoom, accessUser, g.joinUserRoom)
	g.register(events.JoinAdminRoom, accessAdmin, g.joinAdminRoom)
	g.register(events.JoinCampaign, accessAny, g.joinCampaign)
	g.register(events.LeaveCampaign, accessAny, g.leaveCampaign)
	g.register(events.RequestLiveStats, accessAny, g.requestLiveStats)
	g.register(events.StartSimulation, accessAdmin, g.startSimulation)
	g.register(events.StopSimulation, accessAdmin, g.stopSimulation)
	g.register(events.GetSimulationStatus, accessAny, g.simulationStatus)
	g.register(events.SendNotification, accessAdmin, g.sendNotification)
	g.register(events.DonationMade, accessUser, g.donationMade)
	g.register(events.CampaignCreated, accessUser, g.campaignCreated)
	g.register(events.CampaignStatusChanged, accessAdmin, g.campaignStatusChanged)
	g.register(events.UserStatusChanged, accessAdmin, g.userStatusChanged)
	return g
}

func (g *Gateway) register(eventType string, a access, h HandlerFunc) {
	g.routes[eventType] = route{access: a, handle: h}
}

// Handle decodes one inbound frame and dispatches it.
func (g *Gateway) Handle(ctx context.Context, c Conn, data []byte) {
	id := c.Identity()
	requestID := uuid.NewString()
	ctx = contextx.WithConnectionID(ctx, c.ID())
	ctx = contextx.WithRequestID(ctx, requestID)
	ctx = contextx.WithLogger(ctx, g.log.With(zap.String("conn_id", c.ID()), zap.String("request_id", requestID)))
	ctx = auth.NewContext(ctx, id)

	in, err := events.DecodeInbound(data)
	if err != nil {
		g.reject(ctx, c, "", graceful.Invalid(ctx, "malformed frame", err))
		return
	}
	r, ok := g.routes[in.Type]
	if !ok {
		g.reject(ctx, c, in.Type, graceful.Invalid(ctx, fmt.Sprintf("unknown event type %q", in.Type), nil))
		return
	}
	switch {
	case r.access == accessAdmin && !id.IsAdmin():
		g.reject(ctx, c, in.Type, graceful.Rejected(ctx, in.Type+" requires an admin"))
		return
	case r.access == accessUser && !id.IsAuthenticated():
		g.reject(ctx, c, in.Type, graceful.WrapErr(ctx, codes.Unauthenticated, in.Type+" requires a signed-in user", nil))
		return
	}
	if in.Payload == nil {
		in.Payload = map[string]interface{}{}
	}
	if err := r.handle(ctx, c, in.Payload); err != nil {
		g.reject(ctx, c, in.Type, err)
	}
}

func (g *Gateway) reject(ctx context.Context, c Conn, eventType string, err error) {
	code := graceful.CodeOf(err)
	msg := err.Error()
	var ce *graceful.ContextError
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	metrics.ControlRejections.WithLabelValues(actionLabel(eventType, g.routes), code.String()).Inc()
	log := contextx.Logger(ctx, g.log)
	fields := []zap.Field{zap.String("event", eventType), zap.String("code", code.String()), zap.Error(err)}
	if graceful.IsControlRejected(err) {
		log.Debug("control message rejected", fields...)
	} else {
		log.Warn("control message failed", fields...)
	}
	if err := g.bc.SendTo(c.ID(), events.Error, events.ErrorPayload{Code: code.String(), Message: msg, Source: eventType}); err != nil {
		log.Debug("error reply not delivered", zap.Error(err))
	}
}

// actionLabel keeps metric cardinality bounded to known event types.
func actionLabel(eventType string, routes map[string]route) string {
	if _, ok := routes[eventType]; ok {
		return eventType
	}
	return "unknown"
}

func decode(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func (g *Gateway) decode(ctx context.Context, in map[string]interface{}, out interface{}) error {
	if err := decode(in, out); err != nil {
		return graceful.Invalid(ctx, "malformed payload", err)
	}
	return nil
}

func (g *Gateway) join(ctx context.Context, c Conn, room string) error {
	switch err := g.registry.Join(c.ID(), room); {
	case err == nil:
		return nil
	case errors.Is(err, ErrRoomForbidden):
		return graceful.Rejected(ctx, "not allowed to join "+room)
	case errors.Is(err, ErrInvalidRoom):
		return graceful.Invalid(ctx, "invalid room "+room, err)
	default:
		return graceful.WrapErr(ctx, codes.Canceled, "connection gone", err)
	}
}

type userRoomRequest struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

func (g *Gateway) joinUserRoom(ctx context.Context, c Conn, p map[string]interface{}) error {
	var req userRoomRequest
	if err := g.decode(ctx, p, &req); err != nil {
		return err
	}
	id := req.ID
	if id == "" {
		id = req.UserID
	}
	if id == "" {
		id = c.Identity().UserID
	}
	return g.join(ctx, c, events.UserRoom(id))
}

func (g *Gateway) joinAdminRoom(ctx context.Context, c Conn, _ map[string]interface{}) error {
	return g.join(ctx, c, events.RoomAdmin)
}

type campaignRequest struct {
	CampaignID string `json:"campaignId"`
}

func (g *Gateway) campaignRoom(ctx context.Context, p map[string]interface{}) (string, error) {
	var req campaignRequest
	if err := g.decode(ctx, p, &req); err != nil {
		return "", err
	}
	if req.CampaignID == "" {
		return "", graceful.Invalid(ctx, "campaignId is required", nil)
	}
	return events.CampaignRoom(req.CampaignID), nil
}

func (g *Gateway) joinCampaign(ctx context.Context, c Conn, p map[string]interface{}) error {
	room, err := g.campaignRoom(ctx, p)
	if err != nil {
		return err
	}
	return g.join(ctx, c, room)
}

func (g *Gateway) leaveCampaign(ctx context.Context, c Conn, p map[string]interface{}) error {
	room, err := g.campaignRoom(ctx, p)
	if err != nil {
		return err
	}
	if err := g.registry.Leave(c.ID(), room); err != nil {
		return graceful.WrapErr(ctx, codes.Canceled, "connection gone", err)
	}
	return nil
}

func (g *Gateway) requestLiveStats(_ context.Context, c Conn, _ map[string]interface{}) error {
	return g.bc.SendTo(c.ID(), events.LiveStatsUpdate, g.stats.Snapshot())
}

// The engine announces transitions to the admin room; the sender also gets
// the resulting status directly, including when nothing changed.
func (g *Gateway) startSimulation(ctx context.Context, c Conn, _ map[string]interface{}) error {
	st, err := g.sim.Start(ctx)
	if err != nil {
		return err
	}
	return g.bc.SendTo(c.ID(), events.SimulationStatus, st)
}

func (g *Gateway) stopSimulation(ctx context.Context, c Conn, _ map[string]interface{}) error {
	st, err := g.sim.Stop(ctx)
	if err != nil {
		return err
	}
	return g.bc.SendTo(c.ID(), events.SimulationStatus, st)
}

func (g *Gateway) simulationStatus(_ context.Context, c Conn, _ map[string]interface{}) error {
	return g.bc.SendTo(c.ID(), events.SimulationStatus, g.sim.Status())
}

type notificationRequest struct {
	Room    string `json:"room"`
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (g *Gateway) sendNotification(ctx context.Context, _ Conn, p map[string]interface{}) error {
	var req notificationRequest
	if err := g.decode(ctx, p, &req); err != nil {
		return err
	}
	if req.Title == "" && req.Message == "" {
		return graceful.Invalid(ctx, "notification needs a title or message", nil)
	}
	room := events.RoomAll
	switch {
	case req.UserID != "":
		room = events.UserRoom(req.UserID)
	case req.Room != "":
		room = req.Room
	}
	if !events.ValidRoom(room) {
		return graceful.Invalid(ctx, "invalid room "+room, nil)
	}
	if req.Type == "" {
		req.Type = "info"
	}
	_, err := g.bc.Publish(ctx, room, events.Notification, events.NotificationPayload{
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Timestamp: time.Now().UTC(),
	})
	return err
}

type donationEcho struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaignId"`
	Amount        float64   `json:"amount"`
	DonorName     string    `json:"donorName"`
	IsAnonymous   bool      `json:"isAnonymous"`
	Message       string    `json:"message"`
	PaymentMethod string    `json:"paymentMethod"`
	DonationType  string    `json:"donationType"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (g *Gateway) donationMade(ctx context.Context, c Conn, p map[string]interface{}) error {
	var echo donationEcho
	if err := g.decode(ctx, p, &echo); err != nil {
		return err
	}
	method := echo.PaymentMethod
	if method == "" {
		method = echo.DonationType
	}
	return g.relay.RelayDonation(ctx, &repository.Donation{
		ID:            echo.ID,
		CampaignID:    echo.CampaignID,
		Amount:        echo.Amount,
		DonorID:       c.Identity().UserID,
		DonorName:     echo.DonorName,
		IsAnonymous:   echo.IsAnonymous,
		Message:       echo.Message,
		PaymentMethod: method,
		Status:        repository.DonationCompleted,
		CreatedAt:     echo.CreatedAt,
	})
}

func (g *Gateway) campaignCreated(ctx context.Context, _ Conn, p map[string]interface{}) error {
	// Clients send either the campaign itself or {campaign: {...}}.
	if nested, ok := p["campaign"].(map[string]interface{}); ok {
		p = nested
	}
	var c repository.Campaign
	if err := g.decode(ctx, p, &c); err != nil {
		return err
	}
	return g.relay.RelayCampaign(ctx, &c)
}

type statusChangeRequest struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

func (g *Gateway) campaignStatusChanged(ctx context.Context, _ Conn, p map[string]interface{}) error {
	var req statusChangeRequest
	if err := g.decode(ctx, p, &req); err != nil {
		return err
	}
	return g.relay.RelayStatusChange(ctx, donation.StatusChange{
		CampaignID: req.CampaignID,
		Status:     req.Status,
		Message:    req.Message,
	})
}

type userStatusRequest struct {
	UserID   string `json:"userId"`
	IsActive bool   `json:"isActive"`
	Message  string `json:"message"`
}

func (g *Gateway) userStatusChanged(ctx context.Context, _ Conn, p map[string]interface{}) error {
	var req userStatusRequest
	if err := g.decode(ctx, p, &req); err != nil {
		return err
	}
	if req.Message == "" {
		if req.IsActive {
			req.Message = "Your account has been activated"
		} else {
			req.Message = "Your account has been deactivated"
		}
	}
	return g.relay.RelayUserStatus(ctx, donation.UserStatus{
		UserID:   req.UserID,
		IsActive: req.IsActive,
		Message:  req.Message,
	})
}
