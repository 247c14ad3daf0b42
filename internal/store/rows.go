package store

import (
	"encoding/json"
	"time"
)

// SessionRow is the persistent shape of a tracking session.
type SessionRow struct {
	ID             string     `json:"id"`
	Broadcaster    string     `json:"broadcaster"`
	RoomID         string     `json:"room_id,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Active         bool       `json:"active"`
	CurrentViewers int        `json:"current_viewers"`
	PeakViewers    int        `json:"peak_viewers"`
	TotalGifts     int        `json:"total_gifts"`
	TotalComments  int        `json:"total_comments"`
	TotalLikes     int        `json:"total_likes"`
	TotalFollows   int        `json:"total_follows"`
	TotalShares    int        `json:"total_shares"`
	GiftValue      int64      `json:"gift_value"`
	LastActivity   time.Time  `json:"last_activity"`
}

// EventRow is one persisted broadcast event, buffered through the batch writer.
type EventRow struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Username  string          `json:"username"`
	Critical  bool            `json:"critical"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SnapshotRow is one persisted statistics snapshot.
type SnapshotRow struct {
	SessionID      string    `json:"session_id"`
	Timestamp      time.Time `json:"timestamp"`
	CurrentViewers int       `json:"current_viewers"`
	PeakViewers    int       `json:"peak_viewers"`
	TotalGifts     int       `json:"total_gifts"`
	TotalComments  int       `json:"total_comments"`
	TotalLikes     int       `json:"total_likes"`
	TotalFollows   int       `json:"total_follows"`
	TotalShares    int       `json:"total_shares"`
	GiftValue      int64     `json:"gift_value"`
}
