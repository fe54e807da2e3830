package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "meetrelay:events"

// Envelope is what travels on the channel: a room event tagged with the
// instance that produced it.
type Envelope struct {
	InstanceID string           `json:"instance_id"`
	Event      domain.RoomEvent `json:"event"`
}

// EventBus publishes room lifecycle events on a Redis channel and lets
// observers such as meetctl subscribe to them.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

func NewEventBus(client redis.UniversalClient, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event domain.RoomEvent) error {
	data, err := json.Marshal(Envelope{InstanceID: eb.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"participant_id", event.ParticipantID,
	)
	return nil
}

// Subscribe calls handler for every event on the channel until ctx is done.
// Events published by this instance are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Envelope) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := DecodeEnvelope(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if env.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(env); err != nil {
				eb.logger.Warnw("error handling event",
					"type", env.Event.Type,
					"error", err,
				)
			}
		}
	}
}

func DecodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, err
	}
	if env.Event.Type == "" {
		return Envelope{}, errors.New("event type missing")
	}
	return env, nil
}

// PublisherFunc adapts a function to ports.RoomEventPublisher.
type PublisherFunc func(ctx context.Context, event domain.RoomEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event domain.RoomEvent) error {
	return f(ctx, event)
}

// Fanout publishes each event to every sink and joins their errors.
type Fanout []ports.RoomEventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.RoomEvent) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.RoomEvent) error { return nil }
