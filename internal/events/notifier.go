package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Notifier publishes events in the background. Notify returns immediately;
// a failed delivery is logged and dropped.
type Notifier struct {
	publisher Publisher
	timeout   time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewNotifier creates a Notifier. Each delivery is bounded by timeout.
func NewNotifier(publisher Publisher, timeout time.Duration) *Notifier {
	return &Notifier{
		publisher: publisher,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Notify publishes e without blocking the caller. The caller's cancellation
// does not abort delivery.
func (n *Notifier) Notify(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = n.now().UTC()
	}
	ctx = context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		if err := n.publisher.Publish(ctx, e); err != nil {
			slog.Warn("Failed to publish lifecycle event",
				"kind", e.Kind,
				"ocr_id", e.OCRID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every pending delivery has finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}
