// Package invocations collects tool invocations from the request path. Each
// one is fed to the metrics window immediately and queued for a bulk insert
// that runs on a size or interval trigger.
package invocations

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/storage"
	"github.com/ashita-ai/kaizen/internal/telemetry"
)

// maxBufferCapacity bounds queued invocations. Past it, the oldest rows of a
// failed batch are dropped rather than held.
const maxBufferCapacity = 50_000

// ErrBufferFull is returned by Record when the queue is at capacity.
var ErrBufferFull = errors.New("invocations: buffer at capacity")

// Sink persists invocation batches.
type Sink interface {
	InsertInvocations(ctx context.Context, invs []model.Invocation) (int64, error)
}

// Observer sees every invocation as it is recorded.
type Observer interface {
	Record(inv model.Invocation)
}

// Buffer queues invocations for bulk insert. A nil sink keeps metrics only.
type Buffer struct {
	sink          Sink
	observer      Observer
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []model.Invocation

	recorded atomic.Int64
	dropped  atomic.Int64
	started  atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer returns a buffer that flushes when maxSize invocations are queued
// or every flushInterval, whichever comes first.
func NewBuffer(sink Sink, observer Observer, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = storage.InvocationChunkSize
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		sink:          sink,
		observer:      observer,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start runs the flush loop until Drain. Calling it twice is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record fills in the id and timestamp if missing, hands the invocation to
// the observer and queues it for persistence.
func (b *Buffer) Record(inv model.Invocation) (model.Invocation, error) {
	inv = storage.PrepareInvocation(inv)
	if b.observer != nil {
		b.observer.Record(inv)
	}
	b.recorded.Add(1)
	if b.sink == nil {
		return inv, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= maxBufferCapacity {
		b.dropped.Add(1)
		return inv, ErrBufferFull
	}
	b.pending = append(b.pending, inv)
	if len(b.pending) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return inv, nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final := b.drainCtx
			if final == nil {
				var cancel context.CancelFunc
				final, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.Flush(final)
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.flushCh:
			b.Flush(ctx)
		}
	}
}

// Flush writes everything queued. On failure the batch is requeued ahead of
// newer rows, up to capacity.
func (b *Buffer) Flush(ctx context.Context) {
	if b.sink == nil {
		return
	}
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	start := time.Now()
	n, err := b.sink.InsertInvocations(ctx, batch)
	if err != nil {
		b.logger.Error("invocations: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		room := maxBufferCapacity - len(b.pending)
		if room < len(batch) {
			lost := len(batch) - max(room, 0)
			b.dropped.Add(int64(lost))
			batch = batch[lost:]
			b.logger.Error("invocations: dropping rows after flush failure", "dropped", lost)
		}
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return
	}

	b.logger.Debug("invocations: batch flushed",
		"batch_size", n,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		b.Flush(ctx)
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("invocations: drain timed out waiting for flush loop")
	}
}

// Len returns the number of queued invocations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Recorded returns the number of invocations recorded since start.
func (b *Buffer) Recorded() int64 { return b.recorded.Load() }

// Dropped returns the number of invocations lost to capacity limits.
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kaizen/invocations")

	_, _ = meter.Int64ObservableGauge("kaizen.invocations.buffer.depth",
		metric.WithDescription("Invocations waiting to be written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("kaizen.invocations.dropped",
		metric.WithDescription("Invocations dropped because the buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}
