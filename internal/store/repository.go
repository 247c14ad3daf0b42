// Package store persists tracking sessions, their events, and statistics
// snapshots in PostgreSQL. Session start/stop writes are synchronous; event
// rows arrive pre-batched from the batch writer.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles tracking_sessions, session_events and stat_snapshots.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the tracking store repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertSession persists a newly created session.
func (r *Repository) InsertSession(ctx context.Context, s SessionRow) error {
	const q = `INSERT INTO tracking_sessions
		(id, broadcaster, room_id, start_time, end_time, active, current_viewers, peak_viewers,
		 total_gifts, total_comments, total_likes, total_follows, total_shares, gift_value, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, q,
		s.ID, s.Broadcaster, nullableString(s.RoomID), s.StartTime, s.EndTime, s.Active,
		s.CurrentViewers, s.PeakViewers, s.TotalGifts, s.TotalComments, s.TotalLikes,
		s.TotalFollows, s.TotalShares, s.GiftValue, s.LastActivity)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession persists session state for start/stop transitions and
// continuation reattaches.
func (r *Repository) UpdateSession(ctx context.Context, s SessionRow) error {
	const q = `UPDATE tracking_sessions SET
		room_id = $2, end_time = $3, active = $4, current_viewers = $5, peak_viewers = $6,
		total_gifts = $7, total_comments = $8, total_likes = $9, total_follows = $10,
		total_shares = $11, gift_value = $12, last_activity = $13, updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q,
		s.ID, nullableString(s.RoomID), s.EndTime, s.Active, s.CurrentViewers, s.PeakViewers,
		s.TotalGifts, s.TotalComments, s.TotalLikes, s.TotalFollows, s.TotalShares,
		s.GiftValue, s.LastActivity)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// InsertEventsBatch persists one flushed batch of event rows in a single
// round trip via pgx batching.
func (r *Repository) InsertEventsBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	const q = `INSERT INTO session_events (session_id, type, username, critical, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	b := &pgx.Batch{}
	for _, e := range rows {
		b.Queue(q, e.SessionID, e.Type, e.Username, e.Critical, e.Payload, e.CreatedAt)
	}
	br := r.pool.SendBatch(ctx, b)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert events batch: %w", err)
		}
	}
	return nil
}

// InsertSnapshot persists one statistics snapshot.
func (r *Repository) InsertSnapshot(ctx context.Context, s SnapshotRow) error {
	const q = `INSERT INTO stat_snapshots
		(session_id, taken_at, current_viewers, peak_viewers, total_gifts, total_comments,
		 total_likes, total_follows, total_shares, gift_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, q,
		s.SessionID, s.Timestamp, s.CurrentViewers, s.PeakViewers, s.TotalGifts,
		s.TotalComments, s.TotalLikes, s.TotalFollows, s.TotalShares, s.GiftValue)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// SessionsStartedBefore returns sessions whose start_time precedes the cutoff,
// for the retention archiver.
func (r *Repository) SessionsStartedBefore(ctx context.Context, cutoff time.Time) ([]SessionRow, error) {
	const q = `SELECT id, broadcaster, COALESCE(room_id, ''), start_time, end_time, active,
		current_viewers, peak_viewers, total_gifts, total_comments, total_likes,
		total_follows, total_shares, gift_value, last_activity
		FROM tracking_sessions WHERE start_time < $1 ORDER BY start_time`
	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query sessions before cutoff: %w", err)
	}
	defer rows.Close()
	var list []SessionRow
	for rows.Next() {
		var s SessionRow
		if err := rows.Scan(&s.ID, &s.Broadcaster, &s.RoomID, &s.StartTime, &s.EndTime, &s.Active,
			&s.CurrentViewers, &s.PeakViewers, &s.TotalGifts, &s.TotalComments, &s.TotalLikes,
			&s.TotalFollows, &s.TotalShares, &s.GiftValue, &s.LastActivity); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// EventsBySession returns all persisted events for one session, oldest first.
func (r *Repository) EventsBySession(ctx context.Context, sessionID string) ([]EventRow, error) {
	const q = `SELECT session_id, type, username, critical, payload, created_at
		FROM session_events WHERE session_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()
	var list []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.SessionID, &e.Type, &e.Username, &e.Critical, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// SnapshotsBySession returns all persisted snapshots for one session, oldest first.
func (r *Repository) SnapshotsBySession(ctx context.Context, sessionID string) ([]SnapshotRow, error) {
	const q = `SELECT session_id, taken_at, current_viewers, peak_viewers, total_gifts,
		total_comments, total_likes, total_follows, total_shares, gift_value
		FROM stat_snapshots WHERE session_id = $1 ORDER BY taken_at`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	var list []SnapshotRow
	for rows.Next() {
		var s SnapshotRow
		if err := rows.Scan(&s.SessionID, &s.Timestamp, &s.CurrentViewers, &s.PeakViewers,
			&s.TotalGifts, &s.TotalComments, &s.TotalLikes, &s.TotalFollows,
			&s.TotalShares, &s.GiftValue); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// DeleteSessionCascade removes one session and its dependents, children first,
// in a single transaction.
func (r *Repository) DeleteSessionCascade(ctx context.Context, sessionID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete cascade: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM stat_snapshots WHERE session_id = $1`,
		`DELETE FROM session_events WHERE session_id = $1`,
		`DELETE FROM tracking_sessions WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("delete cascade: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
