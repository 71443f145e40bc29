package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"user_service/internal/metrics"
	"user_service/internal/models"
)

var (
	ErrBufferFull = errors.New("event buffer full")
	ErrClosed     = errors.New("publisher closed")
)

type envelope struct {
	topic string
	event models.AccountChangeEvent
}

// AsyncPublisher hands events to a background worker and never blocks the
// caller. Failed deliveries are retried with exponential backoff up to
// maxAttempts, so an event may be delivered more than once.
type AsyncPublisher struct {
	next        Publisher
	log         *slog.Logger
	queue       chan envelope
	maxAttempts int
	backoff     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(next Publisher, log *slog.Logger, buffer, maxAttempts int, backoff time.Duration) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncPublisher{
		next:        next,
		log:         log.With(slog.String("component", "events.AsyncPublisher")),
		queue:       make(chan envelope, buffer),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go a.run()

	return a
}

func (a *AsyncPublisher) Publish(_ context.Context, topic string, event models.AccountChangeEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		metrics.EventPublished(metrics.OutcomeDropped)
		return ErrClosed
	}

	select {
	case a.queue <- envelope{topic: topic, event: event}:
		return nil
	default:
		metrics.EventPublished(metrics.OutcomeDropped)
		return ErrBufferFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// If ctx ends first, in-flight retries are abandoned.
func (a *AsyncPublisher) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}

func (a *AsyncPublisher) run() {
	defer close(a.done)

	for msg := range a.queue {
		a.deliver(msg)
	}
}

func (a *AsyncPublisher) deliver(msg envelope) {
	log := a.log.With(
		slog.String("topic", msg.topic),
		slog.String("event_id", msg.event.EventID),
		slog.String("user_id", msg.event.UserID),
	)

	backoff := a.backoff
	for attempt := 1; ; attempt++ {
		err := a.next.Publish(a.ctx, msg.topic, msg.event)
		if err == nil {
			metrics.EventPublished(metrics.OutcomeOK)
			return
		}

		if attempt >= a.maxAttempts || a.ctx.Err() != nil {
			log.Error("event dropped", slog.Int("attempts", attempt), slog.Any("error", err))
			metrics.EventPublished(metrics.OutcomeFailed)
			return
		}

		log.Warn("event publish failed, retrying", slog.Int("attempt", attempt), slog.Any("error", err))

		select {
		case <-time.After(backoff):
		case <-a.ctx.Done():
			log.Error("event dropped on shutdown", slog.Int("attempts", attempt))
			metrics.EventPublished(metrics.OutcomeFailed)
			return
		}
		backoff *= 2
	}
}
