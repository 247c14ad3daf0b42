// Package dispatch implements the strict-priority event router that decouples
// the broadcast client's produce rate from consumer processing. Three FIFO
// lanes (critical/high/normal) feed a single worker that re-evaluates priority
// before every item, so a critical item enqueued mid-stream is always the next
// one dispatched.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority selects a router lane. Lower values dispatch first.
type Priority int

const (
	// Critical carries hardware-trigger-eligible events.
	Critical Priority = iota
	// High carries all other raw broadcast events.
	High
	// Normal is reserved for periodic statistics snapshots.
	Normal

	laneCount
)

// String returns the lane name for logging.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	}
	return "unknown"
}

// Item is one queued payload. The router owns it from Enqueue until a handler
// consumes it.
type Item struct {
	Payload    any
	Priority   Priority
	EnqueuedAt time.Time
}

// Handler consumes one item. A returned error (or panic) is logged and the
// item is dropped; there is no retry or requeue.
type Handler func(item Item) error

// Config tunes the router's worker pacing. Zero values take defaults.
type Config struct {
	// IdleWait is how long the worker sleeps when all lanes are empty.
	IdleWait time.Duration
	// HighPause is the self-imposed pause after processing a high item.
	HighPause time.Duration
	// NormalPause is the self-imposed pause after processing a normal item.
	NormalPause time.Duration
	// NormalLaneMax is the normal-lane length beyond which TrimNormal evicts.
	NormalLaneMax int
}

func (c Config) withDefaults() Config {
	if c.IdleWait <= 0 {
		c.IdleWait = 100 * time.Millisecond
	}
	if c.HighPause <= 0 {
		c.HighPause = 50 * time.Millisecond
	}
	if c.NormalPause <= 0 {
		c.NormalPause = 200 * time.Millisecond
	}
	if c.NormalLaneMax <= 0 {
		c.NormalLaneMax = 1000
	}
	return c
}

type lane struct {
	mu    sync.Mutex
	items []Item
}

func (l *lane) push(it Item) {
	l.mu.Lock()
	l.items = append(l.items, it)
	l.mu.Unlock()
}

func (l *lane) pop() (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return Item{}, false
	}
	it := l.items[0]
	l.items = l.items[1:]
	return it, true
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Router is the three-lane strict-priority dispatcher. Enqueue never blocks;
// a single worker drains lanes in critical > high > normal order, one item at
// a time.
type Router struct {
	cfg      Config
	logger   *zap.Logger
	lanes    [laneCount]lane
	handlers [laneCount]Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates a stopped router. Set handlers before Start.
func NewRouter(cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg.withDefaults(), logger: logger}
}

// SetHandler registers the consumer for one priority class. Not safe to call
// after Start.
func (r *Router) SetHandler(p Priority, h Handler) {
	r.handlers[p] = h
}

// Enqueue appends a payload to the matching lane. O(1), never blocks, never fails.
func (r *Router) Enqueue(payload any, p Priority) {
	r.lanes[p].push(Item{Payload: payload, Priority: p, EnqueuedAt: time.Now()})
}

// Len reports the pending item count for one lane.
func (r *Router) Len(p Priority) int {
	return r.lanes[p].len()
}

// Start launches the worker. Idempotent; a second call while running is a no-op.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	r.logger.Info("event router started")
}

// Stop requests cooperative shutdown and waits up to timeout for the worker
// to finish its in-flight item. Remaining queued items are not drained.
// Returns false if the worker did not exit in time (it is then abandoned).
func (r *Router) Stop(timeout time.Duration) bool {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		r.logger.Info("event router stopped")
		return true
	case <-time.After(timeout):
		r.logger.Warn("event router stop timed out, abandoning worker")
		return false
	}
}

// TrimNormal drops the oldest half of the normal lane once it exceeds the
// configured max length. Critical and high lanes are never trimmed. Returns
// the number of items dropped.
func (r *Router) TrimNormal() int {
	l := &r.lanes[Normal]
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) <= r.cfg.NormalLaneMax {
		return 0
	}
	keep := len(l.items) / 2
	dropped := len(l.items) - keep
	l.items = append([]Item(nil), l.items[dropped:]...)
	r.logger.Warn("normal lane trimmed", zap.Int("dropped", dropped), zap.Int("kept", keep))
	return dropped
}

func (r *Router) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		it, ok := r.next()
		if !ok {
			if !sleepCtx(ctx, r.cfg.IdleWait) {
				return
			}
			continue
		}

		r.dispatch(it)

		// Rate limit after lower-priority work so the next priority check is
		// not starved by a saturated producer.
		switch it.Priority {
		case High:
			if !sleepCtx(ctx, r.cfg.HighPause) {
				return
			}
		case Normal:
			if !sleepCtx(ctx, r.cfg.NormalPause) {
				return
			}
		}
	}
}

// next pops one item from the first non-empty lane in priority order.
func (r *Router) next() (Item, bool) {
	for p := Critical; p < laneCount; p++ {
		if it, ok := r.lanes[p].pop(); ok {
			return it, true
		}
	}
	return Item{}, false
}

func (r *Router) dispatch(it Item) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				zap.String("priority", it.Priority.String()),
				zap.Any("panic", rec))
		}
	}()
	h := r.handlers[it.Priority]
	if h == nil {
		return
	}
	if err := h(it); err != nil {
		r.logger.Error("handler failed",
			zap.String("priority", it.Priority.String()),
			zap.Duration("queued", time.Since(it.EnqueuedAt)),
			zap.Error(err))
	}
}

// sleepCtx sleeps for d or until ctx is cancelled; returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
