package realtime

import (
	"context"
	"errors"
	"testing"

	domain "github.com/takeout-platform/api/internal/domain"
)

type captureBroadcaster struct {
	got []domain.OrderNotification
	err error
}

func (b *captureBroadcaster) Broadcast(_ context.Context, notification domain.OrderNotification) error {
	b.got = append(b.got, notification)
	return b.err
}

func TestNotifierLocalisesContent(t *testing.T) {
	cases := []struct {
		locale string
		want   string
	}{
		{locale: "", want: "order number: 250401120000ABCDEFGH"},
		{locale: "en-US", want: "order number: 250401120000ABCDEFGH"},
		{locale: "zh-CN", want: "订单号：250401120000ABCDEFGH"},
		{locale: "ja", want: "注文番号：250401120000ABCDEFGH"},
		{locale: "fr-FR", want: "order number: 250401120000ABCDEFGH"},
	}

	for _, tc := range cases {
		t.Run(tc.locale, func(t *testing.T) {
			broadcaster := &captureBroadcaster{}
			notifier, err := NewNotifier(broadcaster, tc.locale)
			if err != nil {
				t.Fatalf("NewNotifier: %v", err)
			}
			order := domain.Order{ID: 9, Number: "250401120000ABCDEFGH"}
			if err := notifier.NotifyOrder(context.Background(), domain.NotificationNewOrder, order); err != nil {
				t.Fatalf("NotifyOrder: %v", err)
			}
			if len(broadcaster.got) != 1 {
				t.Fatalf("expected one broadcast, got %d", len(broadcaster.got))
			}
			got := broadcaster.got[0]
			if got.Type != domain.NotificationNewOrder || got.OrderID != 9 || got.Content != tc.want {
				t.Fatalf("unexpected notification %+v", got)
			}
		})
	}
}

func TestNotifierPropagatesBroadcastError(t *testing.T) {
	boom := errors.New("boom")
	notifier, err := NewNotifier(&captureBroadcaster{err: boom}, "en")
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	if err := notifier.NotifyOrder(context.Background(), domain.NotificationReminder, domain.Order{ID: 1, Number: "N"}); !errors.Is(err, boom) {
		t.Fatalf("expected broadcast error, got %v", err)
	}
}

func TestNewNotifierRequiresBroadcaster(t *testing.T) {
	if _, err := NewNotifier(nil, "en"); err == nil {
		t.Fatalf("expected error without broadcaster")
	}
}
