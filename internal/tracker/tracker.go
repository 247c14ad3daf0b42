// Package tracker owns the session lifecycle for one live broadcast at a time:
// it classifies and routes inbound events, maintains the in-memory session
// table and the current-session pointer, decides room continuations, captures
// periodic statistics snapshots, and runs memory-gated housekeeping.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/livepulse/tracker/internal/dispatch"
	"github.com/livepulse/tracker/internal/models"
	"github.com/livepulse/tracker/internal/store"
)

// ErrBroadcasterRequired is returned by StartSession without a broadcaster id.
var ErrBroadcasterRequired = errors.New("broadcaster id required")

// recentEventWindow bounds the recent-event count reported by Statistics.
const recentEventWindow = 5 * time.Minute

// SessionStore persists session lifecycle transitions synchronously.
type SessionStore interface {
	InsertSession(ctx context.Context, s store.SessionRow) error
	UpdateSession(ctx context.Context, s store.SessionRow) error
}

// EventSink buffers event rows for batched persistence.
type EventSink interface {
	Enqueue(row store.EventRow)
}

// Config tunes the orchestrator. Zero values take defaults.
type Config struct {
	EventBufferSize    int
	SnapshotBufferSize int
	ContinuationWindow time.Duration
	CleanupInterval    time.Duration
	MemoryThreshold    uint64
	GracePeriod        time.Duration
	SnapshotInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1000
	}
	if c.SnapshotBufferSize <= 0 {
		c.SnapshotBufferSize = 100
	}
	if c.ContinuationWindow <= 0 {
		c.ContinuationWindow = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 300 * time.Second
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = 500 * 1024 * 1024
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Hour
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 60 * time.Second
	}
	return c
}

// Tracker is the session orchestrator. Public methods are safe under
// concurrent calls from the broadcast client and the query surface.
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	store    SessionStore
	sink     EventSink
	router   *dispatch.Router
	resolver *Resolver

	mu       sync.RWMutex
	sessions map[string]*Record
	current  *Record

	cleanupMu   sync.Mutex
	lastCleanup time.Time

	startedAt time.Time
	nowFn     func() time.Time
	procStats func() models.ProcessStats

	stateMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTracker wires the orchestrator to its collaborators. The store is
// required; without it the system cannot run.
func NewTracker(cfg Config, st SessionStore, sink EventSink, router *dispatch.Router, logger *zap.Logger) (*Tracker, error) {
	if st == nil {
		return nil, errors.New("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		sink:      sink,
		router:    router,
		resolver:  NewResolver(cfg.ContinuationWindow),
		sessions:  make(map[string]*Record),
		startedAt: time.Now(),
		nowFn:     time.Now,
		procStats: readProcessStats,
	}, nil
}

// Resolver exposes the room continuation resolver.
func (t *Tracker) Resolver() *Resolver { return t.resolver }

// StartSession begins tracking a broadcast. When the room id maps to a session
// with activity inside the continuation window, the existing record is
// reattached instead; otherwise a new record is created and persisted
// synchronously. A failed persist yields no session and no durable record.
// A session still active when the start succeeds is ended, keeping at most
// one active record.
func (t *Tracker) StartSession(ctx context.Context, broadcaster, roomID string) (*Record, error) {
	if broadcaster == "" {
		return nil, ErrBroadcasterRequired
	}
	now := t.nowFn()

	if roomID != "" && t.resolver.ShouldContinue(roomID, now) {
		if rec, err := t.resumeRoom(ctx, roomID, now); rec != nil || err != nil {
			return rec, err
		}
	}

	rec := newRecord(
		fmt.Sprintf("%s_%d", broadcaster, now.UnixNano()),
		broadcaster, roomID, now,
		t.cfg.EventBufferSize, t.cfg.SnapshotBufferSize,
	)
	if err := t.store.InsertSession(ctx, rec.Row()); err != nil {
		t.logger.Error("session start persist failed", zap.String("broadcaster", broadcaster), zap.Error(err))
		return nil, fmt.Errorf("persist session start: %w", err)
	}

	t.mu.Lock()
	prev := t.current
	t.sessions[rec.id] = rec
	t.current = rec
	t.mu.Unlock()
	t.endDisplaced(ctx, prev, rec, now)

	if roomID != "" {
		t.resolver.Observe(roomID, rec.id, now)
	}
	t.logger.Info("session started",
		zap.String("session_id", rec.id),
		zap.String("broadcaster", broadcaster),
		zap.String("room_id", roomID))
	return rec, nil
}

// resumeRoom rebinds the current session to the record mapped for roomID.
// Returns (nil, nil) when no usable mapping exists so the caller falls back to
// creating a new session.
func (t *Tracker) resumeRoom(ctx context.Context, roomID string, now time.Time) (*Record, error) {
	sessionID, ok := t.resolver.SessionFor(roomID)
	if !ok {
		return nil, nil
	}
	t.mu.Lock()
	rec := t.sessions[sessionID]
	t.mu.Unlock()
	if rec == nil {
		return nil, nil
	}

	prevEnd := rec.reopen(now)
	if err := t.store.UpdateSession(ctx, rec.Row()); err != nil {
		rec.reclose(prevEnd)
		t.logger.Error("session continuation persist failed",
			zap.String("session_id", rec.id), zap.Error(err))
		return nil, fmt.Errorf("persist session continuation: %w", err)
	}

	t.mu.Lock()
	prev := t.current
	t.current = rec
	t.mu.Unlock()
	t.endDisplaced(ctx, prev, rec, now)

	t.resolver.Touch(roomID, now)
	t.logger.Info("session continued",
		zap.String("session_id", rec.id), zap.String("room_id", roomID))
	return rec, nil
}

// endDisplaced closes the session a start pushed out of the current slot, so
// at most one record stays active. Persisted synchronously like an explicit
// stop; on failure the record is still closed in memory and the row is left
// to the archiver.
func (t *Tracker) endDisplaced(ctx context.Context, prev, next *Record, now time.Time) {
	if prev == nil || prev == next {
		return
	}
	if !prev.closeIfActive(now) {
		return
	}
	if err := t.store.UpdateSession(ctx, prev.Row()); err != nil {
		t.logger.Error("displaced session persist failed",
			zap.String("session_id", prev.id), zap.Error(err))
		return
	}
	t.logger.Info("session displaced", zap.String("session_id", prev.id))
}

// StopSession ends the targeted session, or the current one when id is empty.
// Stopping an already-ended or absent session is a successful no-op.
func (t *Tracker) StopSession(ctx context.Context, id string) error {
	now := t.nowFn()

	t.mu.Lock()
	rec := t.current
	if id != "" {
		rec = t.sessions[id]
	}
	t.mu.Unlock()
	if rec == nil {
		return nil
	}
	if !rec.closeIfActive(now) {
		return nil
	}

	t.mu.Lock()
	if t.current == rec {
		t.current = nil
	}
	t.mu.Unlock()

	if err := t.store.UpdateSession(ctx, rec.Row()); err != nil {
		t.logger.Error("session stop persist failed", zap.String("session_id", rec.id), zap.Error(err))
		return fmt.Errorf("persist session stop: %w", err)
	}
	t.logger.Info("session stopped", zap.String("session_id", rec.id))
	return nil
}

// IngestEvent folds one decoded event into the current session, buffers it for
// batched persistence, and routes it at critical or high priority (normal is
// reserved for snapshots). Returns false when no session is being tracked.
func (t *Tracker) IngestEvent(ctx context.Context, ev *models.Event) bool {
	if ev == nil {
		return false
	}
	t.mu.RLock()
	rec := t.current
	t.mu.RUnlock()
	if rec == nil {
		return false
	}
	now := t.nowFn()

	if rec.Room() == "" && len(ev.Raw) > 0 {
		if room := t.resolver.Detect(ev.Raw); room != "" {
			rec.setRoom(room)
			t.resolver.Observe(room, rec.id, now)
			t.logger.Info("room detected",
				zap.String("session_id", rec.id), zap.String("room_id", room))
		}
	}

	rec.apply(ev, now)
	if room := rec.Room(); room != "" {
		t.resolver.Touch(room, now)
	}

	if t.sink != nil {
		t.sink.Enqueue(store.EventRow{
			SessionID: rec.id,
			Type:      string(ev.Type),
			Username:  ev.Username,
			Critical:  ev.Critical,
			Payload:   ev.Raw,
			CreatedAt: now,
		})
	}

	priority := dispatch.High
	if ev.Critical {
		priority = dispatch.Critical
	}
	t.router.Enqueue(ev, priority)

	t.maybeCleanup(now)
	return true
}

// CaptureSnapshot records a stat snapshot of the current session and enqueues
// it at normal priority. Returns false when nothing is active.
func (t *Tracker) CaptureSnapshot() (models.StatSnapshot, bool) {
	t.mu.RLock()
	rec := t.current
	t.mu.RUnlock()
	if rec == nil {
		return models.StatSnapshot{}, false
	}
	snap := rec.captureSnapshot(t.nowFn())
	t.router.Enqueue(snap, dispatch.Normal)
	return snap, true
}

// Start launches the periodic snapshot loop. Idempotent.
func (t *Tracker) Start() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
	t.logger.Info("tracker started", zap.Duration("snapshot_interval", t.cfg.SnapshotInterval))
}

// Stop ends the snapshot loop, waiting up to timeout.
func (t *Tracker) Stop(timeout time.Duration) bool {
	t.stateMu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.stateMu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		t.logger.Info("tracker stopped")
		return true
	case <-time.After(timeout):
		t.logger.Warn("tracker stop timed out")
		return false
	}
}

func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CaptureSnapshot()
		}
	}
}

// SessionSummary returns the read model for the targeted session, or the
// current one when id is empty.
func (t *Tracker) SessionSummary(id string) (models.SessionSummary, bool) {
	t.mu.RLock()
	rec := t.current
	if id != "" {
		rec = t.sessions[id]
	}
	t.mu.RUnlock()
	if rec == nil {
		return models.SessionSummary{}, false
	}
	return rec.Summary(), true
}

// LiveSnapshot returns the current session (if any), its recent stat
// snapshots, and process health. Pure read, safe to poll.
func (t *Tracker) LiveSnapshot() models.LiveSnapshot {
	t.mu.RLock()
	rec := t.current
	t.mu.RUnlock()

	out := models.LiveSnapshot{Process: t.procStats()}
	if rec != nil {
		s := rec.Summary()
		out.Session = &s
		out.Snapshots = rec.recentSnapshots()
	}
	return out
}

// Statistics reports process and pipeline counters.
func (t *Tracker) Statistics() models.Statistics {
	t.mu.RLock()
	rec := t.current
	sessionCount := len(t.sessions)
	t.mu.RUnlock()

	stats := models.Statistics{
		UptimeSeconds: int64(time.Since(t.startedAt).Seconds()),
		SessionCount:  sessionCount,
		ActiveSession: rec != nil,
		QueueDepths: models.QueueDepths{
			Critical: t.router.Len(dispatch.Critical),
			High:     t.router.Len(dispatch.High),
			Normal:   t.router.Len(dispatch.Normal),
		},
		Process: t.procStats(),
	}
	if rec != nil {
		stats.RecentEventCount = rec.recentEventCount(recentEventWindow, t.nowFn())
	}
	return stats
}
