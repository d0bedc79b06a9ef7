package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/takeout-platform/api/internal/platform/auth"
	"github.com/takeout-platform/api/internal/platform/httpx"
	"github.com/takeout-platform/api/internal/platform/realtime"
)

const notificationReadLimit = 512

// SubscriberRegistry is the part of the realtime hub the websocket endpoint needs.
type SubscriberRegistry interface {
	Register(conn realtime.Conn) (string, error)
	Unregister(id string)
}

// NotificationHandlers upgrades dispatch terminals to a websocket and registers them on the hub.
type NotificationHandlers struct {
	authn    *auth.Authenticator
	hub      SubscriberRegistry
	upgrader websocket.Upgrader
	logger   func(context.Context, string, map[string]any)
}

// NotificationOption customises NotificationHandlers.
type NotificationOption func(*NotificationHandlers)

// WithAllowedOrigins restricts the Origin header accepted on the handshake. Without it any origin is
// accepted, since terminals authenticate with a token.
func WithAllowedOrigins(origins ...string) NotificationOption {
	return func(h *NotificationHandlers) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			allowed[origin] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

// WithNotificationLogger routes connection events to the structured event logger.
func WithNotificationLogger(logger func(ctx context.Context, event string, fields map[string]any)) NotificationOption {
	return func(h *NotificationHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewNotificationHandlers constructs the websocket endpoint.
func NewNotificationHandlers(authn *auth.Authenticator, hub SubscriberRegistry, opts ...NotificationOption) *NotificationHandlers {
	h := &NotificationHandlers{
		authn: authn,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /admin/notifications/ws.
func (h *NotificationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireQueryToken(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/ws", h.subscribe)
}

func (h *NotificationHandlers) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.hub == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notifications_unavailable", "notifications unavailable", http.StatusServiceUnavailable))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		h.logger(ctx, "notifications.upgrade.failed", map[string]any{"error": err.Error()})
		return
	}

	id, err := h.hub.Register(conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.hub.Unregister(id)

	h.logger(ctx, "notifications.subscribed", map[string]any{"subscriberId": id, "actor": actorID(ctx)})

	// Terminals only listen. Reading drains control frames and notices when the peer goes away.
	conn.SetReadLimit(notificationReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger(ctx, "notifications.read.failed", map[string]any{"subscriberId": id, "error": err.Error()})
			}
			return
		}
	}
}
