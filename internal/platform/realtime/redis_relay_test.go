package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/redis/go-redis/v9"

	domain "github.com/takeout-platform/api/internal/domain"
)

// publishHook answers PUBLISH locally so no server is needed.
type publishHook struct {
	channel string
	payload string
	err     error
}

func (h *publishHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled in tests")
	}
}

func (h *publishHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		args := cmd.Args()
		if len(args) == 3 && args[0] == "publish" {
			h.channel, _ = args[1].(string)
			switch payload := args[2].(type) {
			case []byte:
				h.payload = string(payload)
			case string:
				h.payload = payload
			}
			if h.err != nil {
				return h.err
			}
			if intCmd, ok := cmd.(*redis.IntCmd); ok {
				intCmd.SetVal(1)
			}
			return nil
		}
		return next(ctx, cmd)
	}
}

func (h *publishHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func newHookedClient(t *testing.T, hook *publishHook) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(hook)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRelayPublishesNotification(t *testing.T) {
	hook := &publishHook{}
	hub := NewHub()
	defer hub.Close()

	relay, err := NewRedisRelay(newHookedClient(t, hook), "orders:notifications", hub, nil)
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}

	conn := newFakeConn()
	if _, err := hub.Register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	notification := domain.OrderNotification{Type: domain.NotificationNewOrder, OrderID: 5, Content: "order number: X"}
	if err := relay.Broadcast(context.Background(), notification); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if hook.channel != "orders:notifications" {
		t.Fatalf("unexpected channel %q", hook.channel)
	}
	var got domain.OrderNotification
	if err := json.Unmarshal([]byte(hook.payload), &got); err != nil {
		t.Fatalf("decode published payload: %v", err)
	}
	if got != notification {
		t.Fatalf("unexpected payload %+v", got)
	}

	// Local delivery happens when the message comes back through the subscription.
	select {
	case <-conn.written:
		t.Fatalf("expected no direct local delivery on successful publish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisRelayFallsBackToLocalHubWhenPublishFails(t *testing.T) {
	hook := &publishHook{err: errors.New("connection refused")}
	hub := NewHub()
	defer hub.Close()

	relay, err := NewRedisRelay(newHookedClient(t, hook), "orders:notifications", hub, nil)
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	conn := newFakeConn()
	if _, err := hub.Register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	err = relay.Broadcast(context.Background(), domain.OrderNotification{Type: domain.NotificationReminder, OrderID: 6, Content: "order number: Y"})
	if err == nil {
		t.Fatalf("expected publish error to be reported")
	}
	waitWritten(t, conn, 1)
}

func TestRedisRelayPumpDeliversToHub(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	relay, err := NewRedisRelay(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "orders:notifications", hub, nil)
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	conn := newFakeConn()
	if _, err := hub.Register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	messages := make(chan *redis.Message, 3)
	messages <- &redis.Message{Channel: "orders:notifications", Payload: `{"type":1,"orderId":3,"content":"order number: Z"}`}
	messages <- &redis.Message{Channel: "orders:notifications", Payload: ""}
	close(messages)

	if err := relay.pump(context.Background(), messages); err == nil {
		t.Fatalf("expected closed subscription to be reported")
	}
	waitWritten(t, conn, 1)

	got, _ := conn.snapshot()
	if len(got) != 1 || string(got[0]) != `{"type":1,"orderId":3,"content":"order number: Z"}` {
		t.Fatalf("unexpected delivered payloads %q", got)
	}
}

func TestRedisRelayPumpStopsOnContextCancel(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	relay, err := NewRedisRelay(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "orders:notifications", hub, nil)
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := relay.pump(ctx, make(chan *redis.Message)); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestRedisRelayRunResubscribesAfterFailure(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var (
		mu     sync.Mutex
		events []string
	)
	logger := func(_ context.Context, event string, _ map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	}
	relay, err := NewRedisRelay(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "orders:notifications", hub, logger)
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	relay.backoff = gax.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}

	messages := make(chan *redis.Message, 1)
	attempts := 0
	closed := 0
	relay.subscribe = func(context.Context) (<-chan *redis.Message, func() error, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, nil, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
		}
		return messages, func() error {
			mu.Lock()
			defer mu.Unlock()
			closed++
			return nil
		}, nil
	}

	conn := newFakeConn()
	if _, err := hub.Register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	messages <- &redis.Message{Channel: "orders:notifications", Payload: `{"type":2,"orderId":8,"content":"order number: R"}`}
	waitWritten(t, conn, 1)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 || closed != 1 {
		t.Fatalf("expected 2 subscribe attempts and 1 close, got %d and %d", attempts, closed)
	}
	if len(events) < 2 || events[0] != "notifications.relay.retry" || events[1] != "notifications.relay.subscribed" {
		t.Fatalf("unexpected relay events %v", events)
	}
}

func TestRedisRelayRunStopsWhenCancelledAfterFailedSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	relay, err := NewRedisRelay(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "orders:notifications", hub, nil)
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	relay.backoff = gax.Backoff{Initial: time.Hour, Max: time.Hour, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	relay.subscribe = func(context.Context) (<-chan *redis.Message, func() error, error) {
		cancel()
		return nil, nil, errors.New("connection refused")
	}

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run kept waiting after cancel")
	}
}

func TestNewRedisRelayValidatesInputs(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	hub := NewHub()
	defer hub.Close()

	if _, err := NewRedisRelay(nil, "c", hub, nil); err == nil {
		t.Fatalf("expected error without client")
	}
	if _, err := NewRedisRelay(client, "c", nil, nil); err == nil {
		t.Fatalf("expected error without hub")
	}
	if _, err := NewRedisRelay(client, "  ", hub, nil); err == nil {
		t.Fatalf("expected error without channel")
	}
}
