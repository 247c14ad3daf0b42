package tracker

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// recentRoomCap bounds the recently-seen room ring used as a fallback when a
// mapping carries no activity timestamp.
const recentRoomCap = 16

var roomIDKeys = []string{"room_id", "roomId", "roomID"}

var roomIDPattern = regexp.MustCompile(`(?i)room[_\s]?id["']?\s*[:=]\s*["']?(\d+)`)

type roomMapping struct {
	sessionID    string
	lastActivity time.Time
}

// Resolver decides whether a reappearing broadcast room should continue an
// existing session instead of starting a new one. The time-window check is
// authoritative; the recently-seen ring is consulted only when a mapping has
// no activity timestamp.
type Resolver struct {
	window time.Duration

	mu     sync.Mutex
	rooms  map[string]roomMapping
	recent *Ring[string]
}

// NewResolver creates a resolver with the given continuation window.
func NewResolver(window time.Duration) *Resolver {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Resolver{
		window: window,
		rooms:  make(map[string]roomMapping),
		recent: NewRing[string](recentRoomCap),
	}
}

// Detect extracts a room id from a raw payload: a direct key, a key nested one
// level down, or a pattern match on free text. Returns "" when nothing matches.
func (r *Resolver) Detect(raw []byte) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		if id := roomIDFrom(m); id != "" {
			return id
		}
		for _, v := range m {
			if nested, ok := v.(map[string]any); ok {
				if id := roomIDFrom(nested); id != "" {
					return id
				}
			}
		}
	}
	if match := roomIDPattern.FindSubmatch(raw); match != nil {
		return string(match[1])
	}
	return ""
}

func roomIDFrom(m map[string]any) string {
	for _, key := range roomIDKeys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

// ShouldContinue reports whether the room maps to a session with activity
// inside the continuation window.
func (r *Resolver) ShouldContinue(roomID string, now time.Time) bool {
	if roomID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if !m.lastActivity.IsZero() {
		return now.Sub(m.lastActivity) <= r.window
	}
	// Timestamp missing: fall back to the recently-seen ring.
	for _, seen := range r.recent.Items() {
		if seen == roomID {
			return true
		}
	}
	return false
}

// SessionFor returns the session mapped to a room.
func (r *Resolver) SessionFor(roomID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return m.sessionID, true
}

// Observe records (or replaces) the live mapping for a room. At most one
// mapping exists per room id.
func (r *Resolver) Observe(roomID, sessionID string, at time.Time) {
	if roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[roomID] = roomMapping{sessionID: sessionID, lastActivity: at}
	for _, seen := range r.recent.Items() {
		if seen == roomID {
			return
		}
	}
	r.recent.Append(roomID)
}

// Touch refreshes a room's last activity.
func (r *Resolver) Touch(roomID string, at time.Time) {
	if roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rooms[roomID]; ok {
		m.lastActivity = at
		r.rooms[roomID] = m
	}
}

// Forget drops every mapping pointing at a session, called when the session is
// evicted from memory.
func (r *Resolver) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, m := range r.rooms {
		if m.sessionID == sessionID {
			delete(r.rooms, room)
		}
	}
}
