package reliability

import (
	"context"
	"errors"
	"sync"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/circuitbreaker"
	"meetrelay/pkg/retry"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event publisher closed")
)

// DropCounter is told about every event that never reached the sink.
type DropCounter interface {
	RoomEventDropped()
}

type Options struct {
	QueueSize int
	Retry     retry.Config
	Breaker   circuitbreaker.Config
}

func DefaultOptions() Options {
	return Options{
		QueueSize: 1024,
		Retry:     retry.DefaultConfig(),
		Breaker:   circuitbreaker.DefaultConfig(),
	}
}

// AsyncPublisher decouples room mutations from slow event sinks. Publish
// enqueues and returns immediately; a single worker delivers events in order
// through retry and a circuit breaker.
type AsyncPublisher struct {
	sink    ports.RoomEventPublisher
	drops   DropCounter
	logger  *zap.SugaredLogger
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker

	mu     sync.RWMutex
	closed bool
	queue  chan domain.RoomEvent
	done   chan struct{}
}

func NewAsyncPublisher(sink ports.RoomEventPublisher, drops DropCounter, opts Options, logger *zap.SugaredLogger) *AsyncPublisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	// An open breaker is not worth retrying against.
	opts.Retry.Permanent = append(opts.Retry.Permanent, circuitbreaker.ErrOpen)

	p := &AsyncPublisher{
		sink:    sink,
		drops:   drops,
		logger:  logger,
		retry:   opts.Retry,
		breaker: circuitbreaker.New(opts.Breaker),
		queue:   make(chan domain.RoomEvent, opts.QueueSize),
		done:    make(chan struct{}),
	}
	p.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("event sink circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	go p.run()
	return p
}

func (p *AsyncPublisher) Publish(_ context.Context, event domain.RoomEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped(event, ErrClosed)
		return ErrClosed
	}
	select {
	case p.queue <- event:
		return nil
	default:
		p.dropped(event, ErrQueueFull)
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		p.deliver(event)
	}
}

func (p *AsyncPublisher) deliver(event domain.RoomEvent) {
	// Delivery outlives the request that produced the event.
	ctx := context.Background()
	err := retry.Retry(ctx, p.retry, func() error {
		return p.breaker.Execute(ctx, func() error {
			return p.sink.Publish(ctx, event)
		})
	})
	if err != nil {
		p.dropped(event, err)
	}
}

func (p *AsyncPublisher) dropped(event domain.RoomEvent, err error) {
	if p.drops != nil {
		p.drops.RoomEventDropped()
	}
	p.logger.Warnw("room event dropped",
		"type", event.Type,
		"room_id", event.RoomID,
		"participant_id", event.ParticipantID,
		"error", err,
	)
}

// BreakerState exposes the sink breaker for health reporting.
func (p *AsyncPublisher) BreakerState() circuitbreaker.State {
	return p.breaker.State()
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
