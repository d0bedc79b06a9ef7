package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/go-chi/chi/v5"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/platform/auth"
	"github.com/takeout-platform/api/internal/platform/realtime"
)

func dialNotifications(t *testing.T, server *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/admin/notifications/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func waitForSubscribers(t *testing.T, hub *realtime.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", want, hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotificationHandlersDeliverBroadcasts(t *testing.T) {
	hub := realtime.NewHub()
	defer hub.Close()

	h := NewNotificationHandlers(nil, hub)
	server := httptest.NewServer(mountRoutes("/admin/notifications", h.Routes, asIdentity("staff-7", auth.RoleStaff)))
	defer server.Close()

	conn, _, err := dialNotifications(t, server, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	if err := hub.Broadcast(context.Background(), domain.OrderNotification{Type: domain.NotificationNewOrder, OrderID: 42, Content: "order number: 2504011200001A2B3C4D"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.OrderNotification
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != domain.NotificationNewOrder || got.OrderID != 42 {
		t.Fatalf("unexpected notification %+v", got)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitForSubscribers(t, hub, 0)
}

func TestNotificationHandlersAcceptQueryToken(t *testing.T) {
	verifier, err := auth.NewJWTVerifier("test-secret-with-enough-length")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	staffToken, err := verifier.Issue("staff-7", []string{auth.RoleStaff}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userToken, err := verifier.Issue("user-1", []string{auth.RoleUser}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	hub := realtime.NewHub()
	defer hub.Close()
	authn := auth.NewAuthenticator([]auth.Verifier{verifier})
	h := NewNotificationHandlers(authn, hub)
	r := chi.NewRouter()
	r.Route("/admin/notifications", h.Routes)
	server := httptest.NewServer(r)
	defer server.Close()

	base := "ws" + strings.TrimPrefix(server.URL, "http") + "/admin/notifications/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v %v", resp, err)
	}
	if _, resp, err := websocket.DefaultDialer.Dial(base+"?token="+userToken, nil); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a customer token, got %v %v", resp, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+staffToken, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, hub, 1)
}

func TestNotificationHandlersRejectForeignOrigin(t *testing.T) {
	hub := realtime.NewHub()
	defer hub.Close()

	h := NewNotificationHandlers(nil, hub, WithAllowedOrigins("https://dispatch.example.com"))
	server := httptest.NewServer(mountRoutes("/admin/notifications", h.Routes))
	defer server.Close()

	header := http.Header{"Origin": {"https://evil.example.com"}}
	if _, resp, err := dialNotifications(t, server, header); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected handshake to be refused, got %v %v", resp, err)
	}

	header = http.Header{"Origin": {"https://dispatch.example.com"}}
	conn, _, err := dialNotifications(t, server, header)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close()
}
