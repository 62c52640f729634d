package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// ErrUnroutable is returned for an event kind without a route
var ErrUnroutable = errors.New("no route for event")

// Publisher delivers events to a sink
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// CloudEventsPublisher sends events as CloudEvents over HTTP. The route
// topic becomes the event type and the route key its subject.
type CloudEventsPublisher struct {
	client cloudevents.Client
	source string
}

// NewCloudEventsPublisher creates a publisher posting to target
func NewCloudEventsPublisher(target, source string) (*CloudEventsPublisher, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, fmt.Errorf("creating cloudevents client: %w", err)
	}
	return &CloudEventsPublisher{client: client, source: source}, nil
}

// Publish sends e and waits for the sink to acknowledge it
func (p *CloudEventsPublisher) Publish(ctx context.Context, e Event) error {
	route, err := RouteFor(e)
	if err != nil {
		return err
	}

	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(p.source)
	ce.SetType(route.Topic)
	ce.SetSubject(route.Key(e))
	ce.SetTime(e.OccurredAt)
	if err := ce.SetData(cloudevents.ApplicationJSON, e); err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}

	result := p.client.Send(ctx, ce)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("sending %s: %w", route.Topic, result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("sink rejected %s: %v", route.Topic, result)
	}
	return nil
}

// LogPublisher writes events to a structured log
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	route, err := RouteFor(e)
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Lifecycle event",
		"topic", route.Topic,
		"key", route.Key(e),
		"ocr_id", e.OCRID,
		"user_id", e.UserID,
		"document_type", e.DocumentType,
	)
	return nil
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
