package ws

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/pkg/auth"
)

// MessageHandler processes one inbound frame from c.
type MessageHandler interface {
	Handle(ctx context.Context, c Conn, data []byte)
}

// Handler upgrades HTTP requests to websocket connections and runs their
// pumps. The identity is fixed at upgrade time.
type Handler struct {
	ctx            context.Context
	registry       *Registry
	messages       MessageHandler
	secret         string
	allowedOrigins []string
	cfg            ClientConfig
	upgrader       websocket.Upgrader
	log            *zap.Logger
}

// NewHandler builds the websocket endpoint. ctx outlives individual
// connections and is handed to the message handler.
func NewHandler(ctx context.Context, registry *Registry, messages MessageHandler, secret string, allowedOrigins []string, cfg ClientConfig, log *zap.Logger) *Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	h := &Handler{
		ctx:            ctx,
		registry:       registry,
		messages:       messages,
		secret:         secret,
		allowedOrigins: allowedOrigins,
		cfg:            cfg,
		log:            log.With(zap.String("module", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"jwt"},
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins[0] == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.allowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// A missing token is an anonymous viewer; a bad one is refused.
	identity, err := auth.ResolveIdentity(auth.TokenFromRequest(r), h.secret)
	if err != nil {
		h.log.Debug("rejecting websocket with invalid token", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), identity, conn, h.cfg, h.log)
	if err := h.registry.Register(c); err != nil {
		h.log.Error("register connection failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	c.log.Info("websocket connected", zap.Strings("rooms", h.registry.RoomsOf(c.ID())))

	go c.writePump()
	go c.readPump(h.ctx, h.messages.Handle, func() {
		if h.registry.Unregister(c.ID()) {
			c.log.Info("websocket disconnected")
		}
	})
}
