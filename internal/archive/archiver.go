// Package archive bounds long-term storage growth: on a daily cycle, sessions
// older than the retention cutoff are exported to a timestamped archive file
// (optionally replicated to S3) and only then deleted from the store,
// children before parents.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepulse/tracker/internal/store"
)

// Store is the slice of the repository the archiver needs.
type Store interface {
	SessionsStartedBefore(ctx context.Context, cutoff time.Time) ([]store.SessionRow, error)
	EventsBySession(ctx context.Context, sessionID string) ([]store.EventRow, error)
	SnapshotsBySession(ctx context.Context, sessionID string) ([]store.SnapshotRow, error)
	DeleteSessionCascade(ctx context.Context, sessionID string) error
}

// Uploader replicates a written archive to remote storage. Optional; a nil
// uploader keeps archives local only.
type Uploader interface {
	UploadArchive(ctx context.Context, name string, body []byte) (string, error)
}

// Config tunes the archiver. Zero values take defaults.
type Config struct {
	// Dir is where archive files are written.
	Dir string
	// RetentionDays is the age beyond which sessions are archived and purged.
	RetentionDays int
	// CheckInterval is the cadence of successful cycles.
	CheckInterval time.Duration
	// RetryInterval is the cadence after a failed cycle.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = "archives"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Hour
	}
	return c
}

// SessionExport is one archived session with its dependents and derived stats.
type SessionExport struct {
	Session   store.SessionRow    `json:"session"`
	Events    []store.EventRow    `json:"events,omitempty"`
	Snapshots []store.SnapshotRow `json:"snapshots,omitempty"`
	Derived   DerivedStats        `json:"derived"`
}

// DerivedStats are computed at export time for offline analysis.
type DerivedStats struct {
	DurationSeconds int64 `json:"duration_seconds"`
	EventCount      int   `json:"event_count"`
	SnapshotCount   int   `json:"snapshot_count"`
}

// Batch is the immutable export written before any row is deleted.
type Batch struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Cutoff    time.Time       `json:"cutoff"`
	Sessions  []SessionExport `json:"sessions"`
}

// Archiver runs the export-then-delete retention cycle.
type Archiver struct {
	cfg      Config
	store    Store
	uploader Uploader
	logger   *zap.Logger
	nowFn    func() time.Time

	stateMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewArchiver creates a stopped archiver.
func NewArchiver(cfg Config, st Store, uploader Uploader, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		cfg:      cfg.withDefaults(),
		store:    st,
		uploader: uploader,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Start launches the scheduler loop. Idempotent.
func (a *Archiver) Start() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx, a.done)
	a.logger.Info("retention archiver started",
		zap.Int("retention_days", a.cfg.RetentionDays),
		zap.Duration("check_interval", a.cfg.CheckInterval))
}

// Stop ends the scheduler, waiting up to timeout for an in-flight cycle.
func (a *Archiver) Stop(timeout time.Duration) bool {
	a.stateMu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.stateMu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		a.logger.Info("retention archiver stopped")
		return true
	case <-time.After(timeout):
		a.logger.Warn("retention archiver stop timed out")
		return false
	}
}

func (a *Archiver) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(a.cfg.CheckInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := a.cfg.CheckInterval
		if err := a.RunCycle(ctx); err != nil {
			// Unexpected errors never kill the scheduler; retry sooner.
			a.logger.Error("archive cycle failed", zap.Error(err))
			next = a.cfg.RetryInterval
		}
		timer.Reset(next)
	}
}

// RunCycle performs one retention pass: query expired sessions, export them to
// one timestamped archive file, then delete their rows. Deletion never
// proceeds for a batch whose export failed.
func (a *Archiver) RunCycle(ctx context.Context) error {
	now := a.nowFn()
	cutoff := now.AddDate(0, 0, -a.cfg.RetentionDays)

	sessions, err := a.store.SessionsStartedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("query expired sessions: %w", err)
	}
	if len(sessions) == 0 {
		a.logger.Debug("no sessions past retention cutoff", zap.Time("cutoff", cutoff))
		return nil
	}

	batch := Batch{
		ID:        uuid.New().String(),
		CreatedAt: now,
		Cutoff:    cutoff,
		Sessions:  make([]SessionExport, 0, len(sessions)),
	}
	for _, s := range sessions {
		exp, err := a.exportSession(ctx, s)
		if err != nil {
			return fmt.Errorf("export session %s: %w", s.ID, err)
		}
		batch.Sessions = append(batch.Sessions, exp)
	}

	path, err := a.writeBatch(batch, now)
	if err != nil {
		return err
	}

	if a.uploader != nil {
		// The local file is the authoritative export; replication failure is
		// logged, not fatal.
		name := filepath.Base(path)
		body, readErr := os.ReadFile(path)
		if readErr != nil {
			a.logger.Warn("archive replication skipped", zap.Error(readErr))
		} else if url, upErr := a.uploader.UploadArchive(ctx, name, body); upErr != nil {
			a.logger.Warn("archive replication failed", zap.String("file", name), zap.Error(upErr))
		} else {
			a.logger.Info("archive replicated", zap.String("url", url))
		}
	}

	for _, s := range sessions {
		if err := a.store.DeleteSessionCascade(ctx, s.ID); err != nil {
			return fmt.Errorf("delete archived session %s: %w", s.ID, err)
		}
	}

	a.logger.Info("archive cycle completed",
		zap.Int("sessions", len(sessions)),
		zap.Time("cutoff", cutoff),
		zap.String("file", path))
	return nil
}

func (a *Archiver) exportSession(ctx context.Context, s store.SessionRow) (SessionExport, error) {
	events, err := a.store.EventsBySession(ctx, s.ID)
	if err != nil {
		return SessionExport{}, err
	}
	snapshots, err := a.store.SnapshotsBySession(ctx, s.ID)
	if err != nil {
		return SessionExport{}, err
	}
	derived := DerivedStats{
		EventCount:    len(events),
		SnapshotCount: len(snapshots),
	}
	if s.EndTime != nil {
		derived.DurationSeconds = int64(s.EndTime.Sub(s.StartTime).Seconds())
	}
	return SessionExport{Session: s, Events: events, Snapshots: snapshots, Derived: derived}, nil
}

// writeBatch serializes the batch to a timestamped file via write-then-rename.
func (a *Archiver) writeBatch(batch Batch, now time.Time) (string, error) {
	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(batch); err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}

	name := fmt.Sprintf("sessions_%s.json", now.UTC().Format("20060102T150405Z"))
	path := filepath.Join(a.cfg.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	return path, nil
}
