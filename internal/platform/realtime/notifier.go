package realtime

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/text/language"

	domain "github.com/takeout-platform/api/internal/domain"
)

var (
	supportedLocales = []language.Tag{language.English, language.Chinese, language.Japanese}
	localeMatcher    = language.NewMatcher(supportedLocales)

	contentFormats = map[string]string{
		"en": "order number: %s",
		"zh": "订单号：%s",
		"ja": "注文番号：%s",
	}
)

// Notifier turns lifecycle events into terminal notifications.
type Notifier struct {
	broadcaster Broadcaster
	format      string
}

// NewNotifier binds a broadcaster to the content locale. Unknown locales fall back to English.
func NewNotifier(broadcaster Broadcaster, locale string) (*Notifier, error) {
	if broadcaster == nil {
		return nil, errors.New("realtime: broadcaster is required")
	}
	return &Notifier{broadcaster: broadcaster, format: contentFormat(locale)}, nil
}

// NotifyOrder sends a notification of the given kind for order.
func (n *Notifier) NotifyOrder(ctx context.Context, kind domain.NotificationType, order domain.Order) error {
	return n.broadcaster.Broadcast(ctx, domain.OrderNotification{
		Type:    kind,
		OrderID: order.ID,
		Content: fmt.Sprintf(n.format, order.Number),
	})
}

func contentFormat(locale string) string {
	tag, _ := language.MatchStrings(localeMatcher, locale)
	base, _ := tag.Base()
	if format, ok := contentFormats[base.String()]; ok {
		return format
	}
	return contentFormats["en"]
}
