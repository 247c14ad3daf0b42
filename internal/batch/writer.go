// Package batch amortizes persistence cost for high-volume events: rows are
// buffered and flushed when the buffer reaches a size threshold or a maximum
// wait has elapsed since the last flush, whichever comes first.
package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/livepulse/tracker/internal/store"
)

// FlushFunc persists one batch. A failed flush is logged and the batch is
// dropped (at-most-once), so a persistently failing sink cannot grow the buffer
// without bound.
type FlushFunc func(ctx context.Context, rows []store.EventRow) error

// Config tunes the writer. Zero values take defaults.
type Config struct {
	// Size is the buffer length that forces an immediate flush.
	Size int
	// MaxWait is the longest interval between flushes.
	MaxWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 50
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Second
	}
	return c
}

// Writer buffers event rows and flushes them on a dedicated loop.
type Writer struct {
	cfg    Config
	flush  FlushFunc
	logger *zap.Logger

	mu  sync.Mutex
	buf []store.EventRow

	full chan struct{}

	stateMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWriter creates a stopped writer flushing through fn.
func NewWriter(cfg Config, fn FlushFunc, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		cfg:    cfg.withDefaults(),
		flush:  fn,
		logger: logger,
		full:   make(chan struct{}, 1),
	}
}

// Enqueue appends one row to the buffer. Never blocks on the sink.
func (w *Writer) Enqueue(row store.EventRow) {
	w.mu.Lock()
	w.buf = append(w.buf, row)
	reached := len(w.buf) >= w.cfg.Size
	w.mu.Unlock()
	if reached {
		select {
		case w.full <- struct{}{}:
		default:
		}
	}
}

// Pending reports the current buffer length.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Start launches the flush loop. Idempotent.
func (w *Writer) Start() {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	w.logger.Info("batch writer started",
		zap.Int("batch_size", w.cfg.Size), zap.Duration("max_wait", w.cfg.MaxWait))
}

// Stop requests shutdown, attempts one final flush of buffered rows, and waits
// up to timeout for the loop to exit.
func (w *Writer) Stop(timeout time.Duration) bool {
	w.stateMu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.stateMu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		w.logger.Info("batch writer stopped")
		return true
	case <-time.After(timeout):
		w.logger.Warn("batch writer stop timed out")
		return false
	}
}

func (w *Writer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(w.cfg.MaxWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort final flush with a fresh context; the loop context
			// is already cancelled.
			w.flushNow(context.Background())
			return
		case <-w.full:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		w.flushNow(ctx)
		timer.Reset(w.cfg.MaxWait)
	}
}

// flushNow swaps out the buffer and hands it to the sink. Flush failures drop
// the batch.
func (w *Writer) flushNow(ctx context.Context) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	rows := w.buf
	w.buf = nil
	w.mu.Unlock()

	if err := w.flush(ctx, rows); err != nil {
		w.logger.Error("batch flush failed, dropping batch",
			zap.Int("rows", len(rows)), zap.Error(err))
		return
	}
	w.logger.Debug("batch flushed", zap.Int("rows", len(rows)))
}
