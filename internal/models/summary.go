package models

import "time"

// SessionSummary is the read model for one tracking session.
type SessionSummary struct {
	ID             string     `json:"id"`
	Broadcaster    string     `json:"broadcaster"`
	RoomID         string     `json:"room_id,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Active         bool       `json:"active"`
	Connected      bool       `json:"connected"`
	CurrentViewers int        `json:"current_viewers"`
	PeakViewers    int        `json:"peak_viewers"`
	TotalGifts     int        `json:"total_gifts"`
	TotalComments  int        `json:"total_comments"`
	TotalLikes     int        `json:"total_likes"`
	TotalFollows   int        `json:"total_follows"`
	TotalShares    int        `json:"total_shares"`
	GiftValue      int64      `json:"gift_value"`
	EventCount     int        `json:"event_count"`
	LastActivity   time.Time  `json:"last_activity"`
	TopGifters     []Gifter   `json:"top_gifters,omitempty"`
}

// Gifter is one entry in a session's top-gifters list, derived on demand from
// the bounded event buffer.
type Gifter struct {
	Username string `json:"username"`
	Gifts    int    `json:"gifts"`
	Value    int64  `json:"value"`
}

// LiveSnapshot is the polling read model for the current session plus process health.
type LiveSnapshot struct {
	Session   *SessionSummary `json:"session,omitempty"`
	Snapshots []StatSnapshot  `json:"snapshots,omitempty"`
	Process   ProcessStats    `json:"process"`
}

// ProcessStats reports resource usage of this process.
type ProcessStats struct {
	MemoryRSS  uint64  `json:"memory_rss"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// Statistics is the read model for GET /statistics.
type Statistics struct {
	UptimeSeconds    int64        `json:"uptime_seconds"`
	SessionCount     int          `json:"session_count"`
	ActiveSession    bool         `json:"active_session"`
	RecentEventCount int          `json:"recent_event_count"`
	QueueDepths      QueueDepths  `json:"queue_depths"`
	Process          ProcessStats `json:"process"`
}

// QueueDepths reports pending items per priority lane.
type QueueDepths struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Normal   int `json:"normal"`
}
