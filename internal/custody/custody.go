package custody

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quote-engine/internal/allocation"
	"quote-engine/internal/metrics"
)

// Notifier informs the custodian about a new allocation.
type Notifier interface {
	Notify(ctx context.Context, rec allocation.Record) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, allocation.Record) error { return nil }

// Dispatcher queues notifications and delivers them on a background worker so
// settlement never waits on the custodian. When the queue is full the
// notification is dropped and logged.
type Dispatcher struct {
	sink    Notifier
	queue   chan allocation.Record
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.EngineMetrics

	once sync.Once
	done chan struct{}
}

// NewDispatcher wraps sink with a bounded queue.
func NewDispatcher(sink Notifier, size int, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan allocation.Record, size),
		timeout: timeout,
		logger:  logger.With().Str("component", "custody_dispatcher").Logger(),
		metrics: metrics.Engine(),
		done:    make(chan struct{}),
	}
}

// Notify enqueues rec without blocking.
func (d *Dispatcher) Notify(_ context.Context, rec allocation.Record) error {
	select {
	case d.queue <- rec:
	default:
		d.metrics.Custody("dropped")
		d.logger.Warn().Str("quote_id", rec.QuoteID).Str("account", rec.AccountID).Msg("custody queue full, notification dropped")
	}
	return nil
}

// Run delivers queued notifications until ctx is cancelled, then drains what
// is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		case rec := <-d.queue:
			d.deliver(context.Background(), rec)
		}
	}
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) drain() {
	for {
		select {
		case rec := <-d.queue:
			d.deliver(context.Background(), rec)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, rec allocation.Record) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	if err := d.sink.Notify(ctx, rec); err != nil {
		d.metrics.Custody("failed")
		d.logger.Error().Err(err).Str("quote_id", rec.QuoteID).Msg("custody notification failed")
		return
	}
	d.metrics.Custody("sent")
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*Dispatcher)(nil)
)
