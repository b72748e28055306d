package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vendora/engine/internal/domain"
)

const (
	defaultQueueCapacity = 1024
	defaultBatchSize     = 32
	defaultTickInterval  = time.Second
	defaultBaseDelay     = 2 * time.Second
	defaultMaxRetries    = 3
)

var (
	// ErrQueueFull indicates the queue is at capacity and the item was not accepted.
	ErrQueueFull = errors.New("notifications: queue full")
	// ErrQueueClosed indicates the queue no longer accepts items.
	ErrQueueClosed = errors.New("notifications: queue closed")
)

// RenderedMessage is the transport-ready form of a notification.
type RenderedMessage struct {
	Recipient string
	Subject   string
	HTMLBody  string
	TextBody  string
}

// NotificationRenderer turns a queued notification into a sendable message.
type NotificationRenderer interface {
	Render(ctx context.Context, notification Notification) (RenderedMessage, error)
}

// MailTransport delivers rendered messages to the outbound mail system.
type MailTransport interface {
	Send(ctx context.Context, message RenderedMessage) error
}

// NotificationQueueConfig tunes the dispatch loop.
type NotificationQueueConfig struct {
	Capacity     int
	BatchSize    int
	TickInterval time.Duration
	BaseDelay    time.Duration
	MaxRetries   int
	Renderer     NotificationRenderer
	Transport    MailTransport
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type queuedNotification struct {
	notification domain.Notification
	readyAt      time.Time
}

// NotificationQueue is an in-process bounded dispatch queue with two
// priority bands. High-priority items always drain before normal ones;
// within a band delivery is FIFO. Failed sends retry with exponential
// backoff until the retry budget is spent, then land in the dead-letter
// list where they are kept for inspection and never retried.
type NotificationQueue struct {
	capacity     int
	batchSize    int
	tickInterval time.Duration
	baseDelay    time.Duration
	maxRetries   int
	renderer     NotificationRenderer
	transport    MailTransport
	clock        func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)

	mu          sync.Mutex
	high        []queuedNotification
	normal      []queuedNotification
	deadLetters []domain.Notification
	closed      bool

	stop chan struct{}
	done chan struct{}
}

// NewNotificationQueue constructs the queue. Run must be called to start draining.
func NewNotificationQueue(cfg NotificationQueueConfig) (*NotificationQueue, error) {
	if cfg.Renderer == nil {
		return nil, errors.New("notifications: renderer is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("notifications: transport is required")
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := cfg.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &NotificationQueue{
		capacity:     capacity,
		batchSize:    batchSize,
		tickInterval: tick,
		baseDelay:    baseDelay,
		maxRetries:   maxRetries,
		renderer:     cfg.Renderer,
		transport:    cfg.Transport,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Enqueue accepts a notification for asynchronous delivery.
func (q *NotificationQueue) Enqueue(ctx context.Context, notification Notification) error {
	if strings.TrimSpace(notification.Recipient) == "" {
		return fmt.Errorf("notifications: recipient is required for template %s", notification.Template)
	}
	if notification.ID == "" {
		notification.ID = notificationIDPrefix + q.newID()
	}
	now := q.clock()
	if notification.EnqueuedAt.IsZero() {
		notification.EnqueuedAt = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.high)+len(q.normal) >= q.capacity {
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, q.capacity)
	}

	item := queuedNotification{notification: notification, readyAt: now}
	if notification.Priority == domain.NotificationPriorityHigh {
		q.high = append(q.high, item)
	} else {
		q.normal = append(q.normal, item)
	}

	q.logger(ctx, "notifications.enqueued", map[string]any{
		"id":       notification.ID,
		"template": string(notification.Template),
		"priority": string(notification.Priority),
	})
	return nil
}

// Run drains the queue on a fixed tick until the context is cancelled or
// Shutdown is called.
func (q *NotificationQueue) Run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.drainBatch(ctx, false)
		}
	}
}

// Shutdown stops intake, waits for the loop to exit, and drains the
// remaining items synchronously before returning.
func (q *NotificationQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()
	if alreadyClosed {
		return
	}

	close(q.stop)
	select {
	case <-q.done:
	case <-ctx.Done():
	}

	for q.pending() > 0 {
		if ctx.Err() != nil {
			q.logger(ctx, "notifications.shutdown.interrupted", map[string]any{
				"remaining": q.pending(),
			})
			return
		}
		q.drainBatch(ctx, true)
	}
}

// DeadLetters returns a copy of the terminally failed notifications.
func (q *NotificationQueue) DeadLetters() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Notification, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Pending reports the number of queued, not yet dead-lettered items.
func (q *NotificationQueue) Pending() int {
	return q.pending()
}

func (q *NotificationQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// drainBatch sends up to batchSize ready items. During shutdown drain the
// backoff schedule is ignored so the queue can empty in bounded time.
func (q *NotificationQueue) drainBatch(ctx context.Context, ignoreBackoff bool) {
	for i := 0; i < q.batchSize; i++ {
		item, ok := q.next(ignoreBackoff)
		if !ok {
			return
		}
		q.deliver(ctx, item.notification)
	}
}

func (q *NotificationQueue) next(ignoreBackoff bool) (queuedNotification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	if item, rest, ok := takeReady(q.high, now, ignoreBackoff); ok {
		q.high = rest
		return item, true
	}
	if item, rest, ok := takeReady(q.normal, now, ignoreBackoff); ok {
		q.normal = rest
		return item, true
	}
	return queuedNotification{}, false
}

func takeReady(items []queuedNotification, now time.Time, ignoreBackoff bool) (queuedNotification, []queuedNotification, bool) {
	for i, item := range items {
		if ignoreBackoff || !item.readyAt.After(now) {
			rest := make([]queuedNotification, 0, len(items)-1)
			rest = append(rest, items[:i]...)
			rest = append(rest, items[i+1:]...)
			return item, rest, true
		}
	}
	return queuedNotification{}, items, false
}

func (q *NotificationQueue) deliver(ctx context.Context, notification domain.Notification) {
	message, err := q.renderer.Render(ctx, notification)
	if err == nil {
		err = q.transport.Send(ctx, message)
	}
	if err == nil {
		q.logger(ctx, "notifications.sent", map[string]any{
			"id":       notification.ID,
			"template": string(notification.Template),
		})
		return
	}

	notification.RetryCount++
	notification.LastError = err.Error()

	if notification.RetryCount > q.maxRetries {
		q.mu.Lock()
		q.deadLetters = append(q.deadLetters, notification)
		q.mu.Unlock()
		q.logger(ctx, "notifications.dead_letter", map[string]any{
			"id":       notification.ID,
			"template": string(notification.Template),
			"order":    notification.OrderID,
			"retries":  notification.RetryCount - 1,
			"error":    err.Error(),
		})
		return
	}

	delay := q.baseDelay * (1 << (notification.RetryCount - 1))
	q.mu.Lock()
	item := queuedNotification{notification: notification, readyAt: q.clock().Add(delay)}
	if notification.Priority == domain.NotificationPriorityHigh {
		q.high = append(q.high, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.mu.Unlock()

	q.logger(ctx, "notifications.retry.scheduled", map[string]any{
		"id":      notification.ID,
		"attempt": notification.RetryCount,
		"delay":   delay.String(),
		"error":   err.Error(),
	})
}
