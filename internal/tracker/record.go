package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/livepulse/tracker/internal/models"
	"github.com/livepulse/tracker/internal/store"
)

// Record is the in-memory state of one tracking session. Counter and buffer
// mutations are guarded by the record's own lock so concurrent ingests for the
// same session cannot corrupt aggregates.
type Record struct {
	mu sync.Mutex

	id          string
	broadcaster string
	roomID      string

	startTime time.Time
	endTime   time.Time // zero while active
	active    bool
	connected bool

	events    *Ring[models.Event]
	snapshots *Ring[models.StatSnapshot]

	currentViewers int
	peakViewers    int
	totalGifts     int
	totalComments  int
	totalLikes     int
	totalFollows   int
	totalShares    int
	giftValue      int64

	lastActivity time.Time
}

func newRecord(id, broadcaster, roomID string, now time.Time, eventCap, snapshotCap int) *Record {
	return &Record{
		id:           id,
		broadcaster:  broadcaster,
		roomID:       roomID,
		startTime:    now,
		active:       true,
		connected:    true,
		events:       NewRing[models.Event](eventCap),
		snapshots:    NewRing[models.StatSnapshot](snapshotCap),
		lastActivity: now,
	}
}

// ID returns the session id.
func (r *Record) ID() string { return r.id }

// Room returns the bound room id, empty until detected.
func (r *Record) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

func (r *Record) setRoom(roomID string) {
	r.mu.Lock()
	r.roomID = roomID
	r.mu.Unlock()
}

// apply folds one event into the bounded buffer and the aggregate counters.
func (r *Record) apply(ev *models.Event, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events.Append(*ev)
	r.lastActivity = now

	switch ev.Type {
	case models.EventGift:
		if ev.Gift != nil {
			r.totalGifts += ev.Gift.Count
			r.giftValue += ev.GiftValue()
		}
	case models.EventComment:
		r.totalComments++
	case models.EventLike:
		if ev.Like != nil {
			r.totalLikes += ev.Like.Count
		}
	case models.EventFollow:
		r.totalFollows++
	case models.EventShare:
		r.totalShares++
	case models.EventViewerUpdate:
		if ev.Viewer != nil {
			r.currentViewers = ev.Viewer.Count
			if ev.Viewer.Count > r.peakViewers {
				r.peakViewers = ev.Viewer.Count
			}
		}
	}
}

// closeIfActive marks the session ended. Returns false when it already was,
// making stop idempotent.
func (r *Record) closeIfActive(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return false
	}
	r.active = false
	r.connected = false
	r.endTime = now
	r.lastActivity = now
	return true
}

// reopen reattaches a session after a room continuation. Returns the previous
// end time so a failed persist can roll the transition back.
func (r *Record) reopen(now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	prevEnd := r.endTime
	r.active = true
	r.connected = true
	r.endTime = time.Time{}
	r.lastActivity = now
	return prevEnd
}

// reclose reverts a reopen after the synchronous persist failed.
func (r *Record) reclose(prevEnd time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.connected = false
	r.endTime = prevEnd
}

// endedBefore reports whether the session has ended and been idle since cutoff.
func (r *Record) endedBefore(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.active && r.lastActivity.Before(cutoff)
}

// recentEventCount counts buffered events newer than the window.
func (r *Record) recentEventCount(window time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-window)
	n := 0
	for _, ev := range r.events.Items() {
		if ev.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// captureSnapshot records a point-in-time stat snapshot into the bounded
// snapshot buffer and returns it.
func (r *Record) captureSnapshot(now time.Time) models.StatSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := models.StatSnapshot{
		SessionID:      r.id,
		Timestamp:      now,
		CurrentViewers: r.currentViewers,
		PeakViewers:    r.peakViewers,
		TotalGifts:     r.totalGifts,
		TotalComments:  r.totalComments,
		TotalLikes:     r.totalLikes,
		TotalFollows:   r.totalFollows,
		TotalShares:    r.totalShares,
		GiftValue:      r.giftValue,
	}
	r.snapshots.Append(snap)
	return snap
}

// recentSnapshots returns the buffered stat snapshots oldest first.
func (r *Record) recentSnapshots() []models.StatSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots.Items()
}

// Summary builds the read model, deriving top gifters on demand from the
// bounded event buffer.
func (r *Record) Summary() models.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := models.SessionSummary{
		ID:             r.id,
		Broadcaster:    r.broadcaster,
		RoomID:         r.roomID,
		StartTime:      r.startTime,
		Active:         r.active,
		Connected:      r.connected,
		CurrentViewers: r.currentViewers,
		PeakViewers:    r.peakViewers,
		TotalGifts:     r.totalGifts,
		TotalComments:  r.totalComments,
		TotalLikes:     r.totalLikes,
		TotalFollows:   r.totalFollows,
		TotalShares:    r.totalShares,
		GiftValue:      r.giftValue,
		EventCount:     r.events.Len(),
		LastActivity:   r.lastActivity,
		TopGifters:     r.topGiftersLocked(5),
	}
	if !r.endTime.IsZero() {
		end := r.endTime
		s.EndTime = &end
	}
	return s
}

func (r *Record) topGiftersLocked(n int) []models.Gifter {
	byUser := make(map[string]*models.Gifter)
	for _, ev := range r.events.Items() {
		if ev.Type != models.EventGift || ev.Gift == nil {
			continue
		}
		g, ok := byUser[ev.Username]
		if !ok {
			g = &models.Gifter{Username: ev.Username}
			byUser[ev.Username] = g
		}
		g.Gifts += ev.Gift.Count
		g.Value += ev.GiftValue()
	}
	if len(byUser) == 0 {
		return nil
	}
	out := make([]models.Gifter, 0, len(byUser))
	for _, g := range byUser {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Username < out[j].Username
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Row converts the record into its persistent shape.
func (r *Record) Row() store.SessionRow {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := store.SessionRow{
		ID:             r.id,
		Broadcaster:    r.broadcaster,
		RoomID:         r.roomID,
		StartTime:      r.startTime,
		Active:         r.active,
		CurrentViewers: r.currentViewers,
		PeakViewers:    r.peakViewers,
		TotalGifts:     r.totalGifts,
		TotalComments:  r.totalComments,
		TotalLikes:     r.totalLikes,
		TotalFollows:   r.totalFollows,
		TotalShares:    r.totalShares,
		GiftValue:      r.giftValue,
		LastActivity:   r.lastActivity,
	}
	if !r.endTime.IsZero() {
		end := r.endTime
		row.EndTime = &end
	}
	return row
}
