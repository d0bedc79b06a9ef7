// Package realtime fans order notifications out to connected dispatch terminals.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	domain "github.com/takeout-platform/api/internal/domain"
)

const (
	defaultQueueSize    = 16
	defaultWriteTimeout = 10 * time.Second
)

// ErrHubClosed is returned when registering on a hub that has been shut down.
var ErrHubClosed = errors.New("realtime: hub closed")

// Conn is the subset of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Broadcaster delivers a notification to every subscriber, locally or through a relay.
type Broadcaster interface {
	Broadcast(ctx context.Context, notification domain.OrderNotification) error
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithQueueSize bounds the number of pending messages per subscriber.
func WithQueueSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.queueSize = size
		}
	}
}

// WithWriteTimeout sets the deadline applied to every websocket write.
func WithWriteTimeout(timeout time.Duration) HubOption {
	return func(h *Hub) {
		if timeout > 0 {
			h.writeTimeout = timeout
		}
	}
}

// WithHubLogger routes hub diagnostics to the structured event logger.
func WithHubLogger(logger func(ctx context.Context, event string, fields map[string]any)) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHubClock overrides the clock used for write deadlines.
func WithHubClock(clock func() time.Time) HubOption {
	return func(h *Hub) {
		if clock != nil {
			h.now = clock
		}
	}
}

// Hub keeps the set of local subscribers. Broadcast never blocks on a slow subscriber: each one owns a
// bounded queue drained by its own writer goroutine, and a full queue loses its oldest message.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	queueSize    int
	writeTimeout time.Duration
	now          func() time.Time
	logger       func(context.Context, string, map[string]any)

	dropped atomic.Int64
}

var _ Broadcaster = (*Hub)(nil)

// NewHub constructs an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers:  make(map[string]*subscriber),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		logger:       func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register adds conn as a subscriber and starts its writer. The returned id is passed to Unregister.
func (h *Hub) Register(conn Conn) (string, error) {
	if conn == nil {
		return "", errors.New("realtime: connection is required")
	}
	sub := &subscriber{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	go h.writeLoop(sub)

	h.logger(context.Background(), "notifications.subscriber.registered", map[string]any{"subscriberId": sub.id})
	return sub.id, nil
}

// Unregister removes the subscriber and closes its connection. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
		h.logger(context.Background(), "notifications.subscriber.unregistered", map[string]any{"subscriberId": id})
	}
}

// Broadcast marshals the notification once and queues it for every live subscriber.
func (h *Hub) Broadcast(ctx context.Context, notification domain.OrderNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("realtime: encode notification: %w", err)
	}
	h.Deliver(ctx, payload)
	return nil
}

// Deliver queues an already encoded payload. Subscribers whose writer failed since the last call are
// pruned first.
func (h *Hub) Deliver(ctx context.Context, payload []byte) {
	h.prune(ctx)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if sub.failed.Load() {
			continue
		}
		if sub.enqueue(payload) {
			h.dropped.Add(1)
			h.logger(ctx, "notifications.queue.overflow", map[string]any{"subscriberId": sub.id})
		}
	}
}

// Len reports the number of registered subscribers, including ones not pruned yet.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped reports how many queued messages were discarded because a subscriber fell behind.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]*subscriber)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) prune(ctx context.Context) {
	h.mu.RLock()
	var stale []string
	for id, sub := range h.subscribers {
		if sub.failed.Load() {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	if len(stale) == 0 {
		return
	}

	h.mu.Lock()
	removed := make([]*subscriber, 0, len(stale))
	for _, id := range stale {
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			removed = append(removed, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range removed {
		sub.close()
		h.logger(ctx, "notifications.subscriber.pruned", map[string]any{"subscriberId": sub.id})
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.queue:
			err := sub.conn.SetWriteDeadline(h.now().Add(h.writeTimeout))
			if err == nil {
				err = sub.conn.WriteMessage(websocket.TextMessage, payload)
			}
			if err != nil {
				h.fail(sub, err)
				return
			}
		}
	}
}

func (h *Hub) fail(sub *subscriber, err error) {
	sub.failed.Store(true)
	h.logger(context.Background(), "notifications.write.failed", map[string]any{
		"subscriberId": sub.id,
		"error":        err.Error(),
	})
}

type subscriber struct {
	id     string
	conn   Conn
	queue  chan []byte
	done   chan struct{}
	failed atomic.Bool
	once   sync.Once
}

// enqueue never blocks. It reports whether an older message was evicted to make room.
func (s *subscriber) enqueue(payload []byte) bool {
	dropped := false
	for {
		select {
		case s.queue <- payload:
			return dropped
		default:
		}
		select {
		case <-s.queue:
			dropped = true
		default:
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
