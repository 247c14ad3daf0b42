package models

import "time"

// StatSnapshot is a point-in-time capture of a session's aggregates, taken on
// a fixed interval and dispatched at normal priority.
type StatSnapshot struct {
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
