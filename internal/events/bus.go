package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBuffer         = 64
	defaultPublishTimeout = 5 * time.Second
)

// Handler receives session-ended notifications on the dispatcher goroutine.
type Handler func(SessionEnded)

// Publisher forwards notifications to an external sink.
type Publisher interface {
	Publish(ctx context.Context, event SessionEnded) error
}

// BusConfig configures a Bus.
type BusConfig struct {
	Logger         *slog.Logger
	Buffer         int
	PublishTimeout time.Duration
}

// Bus fans events out from a buffered queue on a single dispatcher goroutine
// so producers never wait on slow handlers. Events that find the queue full
// are dropped.
type Bus struct {
	logger  *slog.Logger
	timeout time.Duration
	queue   chan SessionEnded
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool

	subMu      sync.RWMutex
	handlers   []Handler
	publishers []Publisher
}

// NewBus starts the dispatcher. Close stops it.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:  logger,
		timeout: cfg.PublishTimeout,
		queue:   make(chan SessionEnded, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers fn for every future event.
func (b *Bus) Subscribe(fn Handler) {
	if fn == nil {
		return
	}
	b.subMu.Lock()
	b.handlers = append(b.handlers, fn)
	b.subMu.Unlock()
}

// AddPublisher registers an external sink.
func (b *Bus) AddPublisher(p Publisher) {
	if p == nil {
		return
	}
	b.subMu.Lock()
	b.publishers = append(b.publishers, p)
	b.subMu.Unlock()
}

// Emit queues event for delivery without blocking. Events emitted after
// Close or while the queue is full are dropped and logged, so a handler may
// call back into the supervisor.
func (b *Bus) Emit(event SessionEnded) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		b.logger.Warn("session event dropped after shutdown", "session_id", event.SessionID, "reason", event.Reason)
		return
	}
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("session event dropped, queue full", "session_id", event.SessionID, "reason", event.Reason, "buffer", cap(b.queue))
	}
}

// Dropped reports how many events were discarded instead of delivered.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for event := range b.queue {
		b.dispatch(event)
	}
}

func (b *Bus) dispatch(event SessionEnded) {
	b.subMu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	publishers := append([]Publisher(nil), b.publishers...)
	b.subMu.RUnlock()

	for _, fn := range handlers {
		b.callHandler(fn, event)
	}
	for _, p := range publishers {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := p.Publish(ctx, event)
		cancel()
		if err != nil {
			b.logger.Error("publish session event", "session_id", event.SessionID, "publisher", fmt.Sprintf("%T", p), "error", err)
		}
	}
}

func (b *Bus) callHandler(fn Handler, event SessionEnded) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("session event handler panicked", "session_id", event.SessionID, "panic", r)
		}
	}()
	fn(event)
}
