package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// StreamAlerts turns session state changes into alerts. A degraded session
// alerts once per outage, when the attempt count reaches DegradedAfter, and
// once more when it recovers.
type StreamAlerts struct {
	n             *Notifier
	degradedAfter int
	queue         chan alert
	logger        *slog.Logger

	// touched only by Handle, which the dispatcher calls from one goroutine
	outage bool
}

type alert struct {
	event, title, message string
}

// NewStreamAlerts creates the alerter. degradedAfter below 1 is treated as 1.
func NewStreamAlerts(n *Notifier, degradedAfter int, logger *slog.Logger) *StreamAlerts {
	if degradedAfter < 1 {
		degradedAfter = 1
	}
	return &StreamAlerts{
		n:             n,
		degradedAfter: degradedAfter,
		queue:         make(chan alert, 16),
		logger:        logger.With(slog.String("component", "stream_alerts")),
	}
}

// Handle inspects control channel events.
func (a *StreamAlerts) Handle(ev domain.StreamEvent) {
	sc, ok := ev.(*domain.ConnectionStateChange)
	if !ok {
		return
	}
	switch sc.To {
	case domain.StateDegraded:
		if !a.outage && sc.Attempt >= a.degradedAfter {
			a.outage = true
			a.enqueue(alert{
				event:   EventStreamDegraded,
				title:   "Stream degraded",
				message: fmt.Sprintf("reconnect attempt %d failed: %s", sc.Attempt, sc.Err),
			})
		}
	case domain.StateSubscribed:
		if a.outage {
			a.outage = false
			a.enqueue(alert{
				event:   EventStreamRecovered,
				title:   "Stream recovered",
				message: fmt.Sprintf("resubscribed at %s", sc.Timestamp.UTC().Format(time.RFC3339)),
			})
		}
	}
}

// Unavailable reports that the session gave up reconnecting.
func (a *StreamAlerts) Unavailable(ctx context.Context, err error) {
	if err := a.n.Notify(ctx, EventStreamUnavailable, "Stream unavailable", err.Error()); err != nil {
		a.logger.WarnContext(ctx, "unavailable alert failed", slog.String("error", err.Error()))
	}
}

func (a *StreamAlerts) enqueue(al alert) {
	select {
	case a.queue <- al:
	default:
		a.logger.Warn("alert queue full, dropping", slog.String("event", al.event))
	}
}

// Run sends queued alerts until ctx is cancelled.
func (a *StreamAlerts) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case al := <-a.queue:
			if err := a.n.Notify(ctx, al.event, al.title, al.message); err != nil {
				a.logger.WarnContext(ctx, "alert failed", slog.String("event", al.event), slog.String("error", err.Error()))
			}
		}
	}
}

// OrderRejected formats an order rejection alert.
func (n *Notifier) OrderRejected(ctx context.Context, hash string, err error) error {
	return n.Notify(ctx, EventOrderRejected, "Order rejected", fmt.Sprintf("order %s: %v", hash, err))
}

// OrderPlaced formats an accepted order alert.
func (n *Notifier) OrderPlaced(ctx context.Context, hash string, ack domain.OrderAck) error {
	return n.Notify(ctx, EventOrderPlaced, "Order placed",
		fmt.Sprintf("order %s accepted as %s (%s)", hash, ack.OrderID, ack.Status))
}
