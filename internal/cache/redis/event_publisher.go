package redis

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// DefaultConsumerBuffer is the queue length used when none is given.
const DefaultConsumerBuffer = 1024

// queue decouples a dispatcher handler from Redis round trips. push never
// blocks; events that do not fit are counted and dropped.
type queue struct {
	ch      chan domain.StreamEvent
	dropped atomic.Uint64
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = DefaultConsumerBuffer
	}
	return &queue{ch: make(chan domain.StreamEvent, size)}
}

func (q *queue) push(ev domain.StreamEvent) {
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// EventPublisher forwards stream events to the event bus: every event is
// published on EventChannel(channel) and appended to EventStream(channel).
type EventPublisher struct {
	bus    domain.EventBus
	q      *queue
	logger *slog.Logger
}

// NewEventPublisher creates a publisher with the given queue length.
func NewEventPublisher(bus domain.EventBus, buffer int, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:    bus,
		q:      newQueue(buffer),
		logger: logger.With(slog.String("component", "event_publisher")),
	}
}

// Handle enqueues ev. It is meant to be registered as a session handler.
func (p *EventPublisher) Handle(ev domain.StreamEvent) { p.q.push(ev) }

// Dropped returns how many events were discarded because the queue was full.
func (p *EventPublisher) Dropped() uint64 { return p.q.dropped.Load() }

// Run publishes queued events until ctx is cancelled.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.q.ch:
			p.publish(ctx, ev)
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, ev domain.StreamEvent) {
	payload, err := json.Marshal(domain.Envelope(ev))
	if err != nil {
		p.logger.WarnContext(ctx, "marshal event failed", slog.String("kind", ev.Kind()), slog.String("error", err.Error()))
		return
	}
	ch := ev.Channel()
	if err := p.bus.Publish(ctx, EventChannel(ch), payload); err != nil {
		p.logger.WarnContext(ctx, "publish event failed", slog.String("channel", string(ch)), slog.String("error", err.Error()))
	}
	if err := p.bus.StreamAppend(ctx, EventStream(ch), payload); err != nil {
		p.logger.WarnContext(ctx, "append event failed", slog.String("channel", string(ch)), slog.String("error", err.Error()))
	}
}

// BookRecorder mirrors market channel events into the orderbook cache and
// drops cached metadata when a tick size changes.
type BookRecorder struct {
	books  domain.OrderbookCache
	meta   domain.MarketMetadataCache
	q      *queue
	logger *slog.Logger
}

// NewBookRecorder creates a recorder. meta may be nil.
func NewBookRecorder(books domain.OrderbookCache, meta domain.MarketMetadataCache, buffer int, logger *slog.Logger) *BookRecorder {
	return &BookRecorder{
		books:  books,
		meta:   meta,
		q:      newQueue(buffer),
		logger: logger.With(slog.String("component", "book_recorder")),
	}
}

// Handle enqueues market events and ignores the rest.
func (r *BookRecorder) Handle(ev domain.StreamEvent) {
	switch ev.(type) {
	case *domain.BookUpdate, *domain.PriceChange, *domain.TickSizeChange:
		r.q.push(ev)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *BookRecorder) Dropped() uint64 { return r.q.dropped.Load() }

// Run applies queued events until ctx is cancelled.
func (r *BookRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.q.ch:
			if err := r.apply(ctx, ev); err != nil {
				r.logger.WarnContext(ctx, "record book event failed",
					slog.String("kind", ev.Kind()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (r *BookRecorder) apply(ctx context.Context, ev domain.StreamEvent) error {
	switch e := ev.(type) {
	case *domain.BookUpdate:
		return r.books.SetSnapshot(ctx, e.Book)
	case *domain.PriceChange:
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		for _, c := range e.Changes {
			if err := r.books.ApplyChange(ctx, e.Market, c, ts); err != nil {
				return err
			}
		}
	case *domain.TickSizeChange:
		if r.meta != nil {
			return r.meta.Invalidate(ctx, e.AssetID)
		}
	}
	return nil
}
