package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepulse/tracker/internal/dispatch"
	"github.com/livepulse/tracker/internal/models"
	"github.com/livepulse/tracker/internal/store"
)

type fakeSessionStore struct {
	mu        sync.Mutex
	inserted  []store.SessionRow
	updated   []store.SessionRow
	insertErr error
	updateErr error
}

func (f *fakeSessionStore) InsertSession(_ context.Context, s store.SessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, s)
	return nil
}

func (f *fakeSessionStore) UpdateSession(_ context.Context, s store.SessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, s)
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	rows []store.EventRow
}

func (f *fakeSink) Enqueue(row store.EventRow) {
	f.mu.Lock()
	f.rows = append(f.rows, row)
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func newTestTracker(t *testing.T, cfg Config, st SessionStore) (*Tracker, *dispatch.Router, *fakeSink) {
	t.Helper()
	router := dispatch.NewRouter(dispatch.Config{}, nil) // not started: lanes observable
	sink := &fakeSink{}
	tr, err := NewTracker(cfg, st, sink, router, nil)
	require.NoError(t, err)
	return tr, router, sink
}

func event(raw string) *models.Event {
	ev, err := models.DecodeEvent([]byte(raw), time.Now())
	if err != nil {
		panic(err)
	}
	return ev
}

func TestNewTrackerRequiresStore(t *testing.T) {
	_, err := NewTracker(Config{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestStartSessionPersistsSynchronously(t *testing.T) {
	st := &fakeSessionStore{}
	tr, _, _ := newTestTracker(t, Config{}, st)

	rec, err := tr.StartSession(context.Background(), "alice", "999")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, st.inserted, 1)
	assert.Equal(t, rec.ID(), st.inserted[0].ID)
	assert.True(t, st.inserted[0].Active)

	summary, ok := tr.SessionSummary("")
	require.True(t, ok)
	assert.Equal(t, rec.ID(), summary.ID)
	assert.Equal(t, "999", summary.RoomID)
}

func TestFailedStartLeavesNothingBehind(t *testing.T) {
	st := &fakeSessionStore{insertErr: errors.New("db down")}
	tr, _, _ := newTestTracker(t, Config{}, st)

	rec, err := tr.StartSession(context.Background(), "alice", "")
	require.Error(t, err)
	assert.Nil(t, rec)

	_, ok := tr.SessionSummary("")
	assert.False(t, ok, "no current session after failed start")
	assert.Equal(t, 0, tr.Statistics().SessionCount)
}

func TestStartSessionRequiresBroadcaster(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	_, err := tr.StartSession(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrBroadcasterRequired)
}

func TestStopSessionIsIdempotent(t *testing.T) {
	st := &fakeSessionStore{}
	tr, _, _ := newTestTracker(t, Config{}, st)

	require.NoError(t, tr.StopSession(context.Background(), ""), "stop with nothing active is a no-op")

	rec, err := tr.StartSession(context.Background(), "alice", "")
	require.NoError(t, err)

	require.NoError(t, tr.StopSession(context.Background(), ""))
	require.NoError(t, tr.StopSession(context.Background(), rec.ID()), "second stop is a no-op")
	require.NoError(t, tr.StopSession(context.Background(), "absent"), "absent id is a no-op")

	require.Len(t, st.updated, 1, "only the real transition persisted")
	assert.False(t, st.updated[0].Active)
	assert.NotNil(t, st.updated[0].EndTime)
}

func TestContinuationWithinWindowReturnsSameSession(t *testing.T) {
	st := &fakeSessionStore{}
	tr, _, _ := newTestTracker(t, Config{ContinuationWindow: 30 * time.Minute}, st)
	ctx := context.Background()

	first, err := tr.StartSession(ctx, "alice", "999")
	require.NoError(t, err)

	require.True(t, tr.IngestEvent(ctx, event(`{"type":"gift","username":"bob","gift_name":"rose","count":2,"diamond_value":10}`)))
	require.NoError(t, tr.StopSession(ctx, ""))

	// Reconnect five minutes later.
	tr.nowFn = func() time.Time { return time.Now().Add(5 * time.Minute) }
	second, err := tr.StartSession(ctx, "alice", "999")
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID(), "same session id across the gap")
	summary, ok := tr.SessionSummary("")
	require.True(t, ok)
	assert.Equal(t, 2, summary.TotalGifts, "event counts survive the gap")
	assert.True(t, summary.Active)
	assert.Nil(t, summary.EndTime)
}

func TestContinuationPastWindowStartsNewSession(t *testing.T) {
	st := &fakeSessionStore{}
	tr, _, _ := newTestTracker(t, Config{ContinuationWindow: 30 * time.Minute}, st)
	ctx := context.Background()

	first, err := tr.StartSession(ctx, "alice", "999")
	require.NoError(t, err)
	require.NoError(t, tr.StopSession(ctx, ""))

	tr.nowFn = func() time.Time { return time.Now().Add(31 * time.Minute) }
	second, err := tr.StartSession(ctx, "alice", "999")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
}

func TestFailedContinuationPersistRollsBack(t *testing.T) {
	st := &fakeSessionStore{}
	tr, _, _ := newTestTracker(t, Config{ContinuationWindow: 30 * time.Minute}, st)
	ctx := context.Background()

	first, err := tr.StartSession(ctx, "alice", "999")
	require.NoError(t, err)
	require.NoError(t, tr.StopSession(ctx, ""))
	endedAt := first.Summary().EndTime
	require.NotNil(t, endedAt)

	st.updateErr = errors.New("db down")
	rec, err := tr.StartSession(ctx, "alice", "999")
	require.Error(t, err)
	assert.Nil(t, rec)

	summary, ok := tr.SessionSummary(first.ID())
	require.True(t, ok)
	assert.False(t, summary.Active, "reopen rolled back")
	require.NotNil(t, summary.EndTime)
	assert.Equal(t, *endedAt, *summary.EndTime)
}

func TestStartDisplacesPreviousActiveSession(t *testing.T) {
	st := &fakeSessionStore{}
	tr, _, _ := newTestTracker(t, Config{}, st)
	ctx := context.Background()

	first, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	second, err := tr.StartSession(ctx, "bob", "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())

	old, ok := tr.SessionSummary(first.ID())
	require.True(t, ok)
	assert.False(t, old.Active, "displaced session ended")
	require.NotNil(t, old.EndTime)

	require.Len(t, st.updated, 1, "displacement persisted like an explicit stop")
	assert.Equal(t, first.ID(), st.updated[0].ID)
	assert.False(t, st.updated[0].Active)

	cur, ok := tr.SessionSummary("")
	require.True(t, ok)
	assert.Equal(t, second.ID(), cur.ID)
	assert.True(t, cur.Active)

	assert.Equal(t, 1, tr.evictStale(time.Now().Add(time.Hour)),
		"displaced record is ended, so housekeeping can evict it")
}

func TestContinuationDisplacesInterleavedSession(t *testing.T) {
	st := &fakeSessionStore{}
	tr, _, _ := newTestTracker(t, Config{ContinuationWindow: 30 * time.Minute}, st)
	ctx := context.Background()

	first, err := tr.StartSession(ctx, "alice", "999")
	require.NoError(t, err)
	require.NoError(t, tr.StopSession(ctx, ""))

	second, err := tr.StartSession(ctx, "bob", "")
	require.NoError(t, err)

	resumed, err := tr.StartSession(ctx, "alice", "999")
	require.NoError(t, err)
	assert.Equal(t, first.ID(), resumed.ID())

	displaced, ok := tr.SessionSummary(second.ID())
	require.True(t, ok)
	assert.False(t, displaced.Active, "interleaved session ended by the resume")
	require.NotNil(t, displaced.EndTime)
}

func TestIngestUpdatesCountersAndBuffers(t *testing.T) {
	tr, router, sink := newTestTracker(t, Config{}, &fakeSessionStore{})
	ctx := context.Background()
	_, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	require.True(t, tr.IngestEvent(ctx, event(`{"type":"viewer_update","viewer_count":50}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"viewer_update","viewer_count":120}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"viewer_update","viewer_count":80}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"comment","username":"bob","text":"hi"}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"like","count":7}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"follow","username":"carol"}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"share","username":"dan"}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"gift","username":"eve","gift_name":"rose","count":3,"diamond_value":5}`)))

	s, ok := tr.SessionSummary("")
	require.True(t, ok)
	assert.Equal(t, 80, s.CurrentViewers)
	assert.Equal(t, 120, s.PeakViewers, "peak is a running max")
	assert.Equal(t, 1, s.TotalComments)
	assert.Equal(t, 7, s.TotalLikes)
	assert.Equal(t, 1, s.TotalFollows)
	assert.Equal(t, 1, s.TotalShares)
	assert.Equal(t, 3, s.TotalGifts)
	assert.Equal(t, int64(15), s.GiftValue)
	assert.Equal(t, 8, s.EventCount)

	assert.Equal(t, 8, sink.count(), "every event buffered for batched persistence")
	assert.Equal(t, 8, router.Len(dispatch.High), "non-critical events go high")
	assert.Equal(t, 0, router.Len(dispatch.Critical))
}

func TestIngestClassifiesCriticalByCallerFlag(t *testing.T) {
	tr, router, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	ctx := context.Background()
	_, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	require.True(t, tr.IngestEvent(ctx, event(`{"type":"gift","username":"bob","gift_name":"rocket","critical":true}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"gift","username":"bob","gift_name":"rose"}`)))

	assert.Equal(t, 1, router.Len(dispatch.Critical))
	assert.Equal(t, 1, router.Len(dispatch.High))
}

func TestIngestWithoutSessionIsDropped(t *testing.T) {
	tr, router, sink := newTestTracker(t, Config{}, &fakeSessionStore{})
	assert.False(t, tr.IngestEvent(context.Background(), event(`{"type":"like"}`)))
	assert.Equal(t, 0, router.Len(dispatch.High))
	assert.Equal(t, 0, sink.count())
}

func TestIngestToleratesMissingVariant(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	ctx := context.Background()
	_, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	// Hand-constructed events can arrive without the variant pointer set.
	now := time.Now()
	require.True(t, tr.IngestEvent(ctx, &models.Event{Type: models.EventGift, Username: "bob", Timestamp: now}))
	require.True(t, tr.IngestEvent(ctx, &models.Event{Type: models.EventLike, Username: "bob", Timestamp: now}))
	require.True(t, tr.IngestEvent(ctx, &models.Event{Type: models.EventViewerUpdate, Timestamp: now}))

	s, ok := tr.SessionSummary("")
	require.True(t, ok)
	assert.Equal(t, 0, s.TotalGifts)
	assert.Equal(t, 0, s.TotalLikes)
	assert.Equal(t, 0, s.CurrentViewers)
	assert.Equal(t, 3, s.EventCount, "events still buffered")
}

func TestEventBufferIsBounded(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{EventBufferSize: 5}, &fakeSessionStore{})
	ctx := context.Background()
	rec, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	for i := 1; i <= 8; i++ {
		require.True(t, tr.IngestEvent(ctx, event(fmt.Sprintf(`{"type":"comment","username":"u","text":"%d"}`, i))))
	}

	events := rec.events.Items()
	require.Len(t, events, 5)
	var texts []string
	for _, ev := range events {
		texts = append(texts, ev.Comment.Text)
	}
	assert.Equal(t, []string{"4", "5", "6", "7", "8"}, texts)
}

func TestRoomDetectedFromPayloadRecordsMapping(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	ctx := context.Background()
	rec, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	require.Empty(t, rec.Room())

	require.True(t, tr.IngestEvent(ctx, event(`{"type":"comment","username":"bob","text":"hi","room_id":"4242"}`)))

	assert.Equal(t, "4242", rec.Room())
	id, ok := tr.Resolver().SessionFor("4242")
	require.True(t, ok)
	assert.Equal(t, rec.ID(), id)
}

func TestTopGiftersDerivedFromBuffer(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	ctx := context.Background()
	_, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	require.True(t, tr.IngestEvent(ctx, event(`{"type":"gift","username":"bob","count":1,"diamond_value":100}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"gift","username":"carol","count":5,"diamond_value":1}`)))
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"gift","username":"bob","count":1,"diamond_value":50}`)))

	s, ok := tr.SessionSummary("")
	require.True(t, ok)
	require.Len(t, s.TopGifters, 2)
	assert.Equal(t, "bob", s.TopGifters[0].Username)
	assert.Equal(t, int64(150), s.TopGifters[0].Value)
	assert.Equal(t, "carol", s.TopGifters[1].Username)
}

func TestCaptureSnapshotGoesToNormalLane(t *testing.T) {
	tr, router, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	ctx := context.Background()

	_, ok := tr.CaptureSnapshot()
	assert.False(t, ok, "no snapshot without a session")

	rec, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"viewer_update","viewer_count":10}`)))

	snap, ok := tr.CaptureSnapshot()
	require.True(t, ok)
	assert.Equal(t, rec.ID(), snap.SessionID)
	assert.Equal(t, 10, snap.CurrentViewers)
	assert.Equal(t, 1, router.Len(dispatch.Normal), "snapshots ride the normal lane")
	assert.Len(t, rec.recentSnapshots(), 1)
}

func TestHousekeepingEvictsEndedStaleRecords(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{GracePeriod: 2 * time.Hour}, &fakeSessionStore{})
	ctx := context.Background()

	old, err := tr.StartSession(ctx, "alice", "111")
	require.NoError(t, err)
	require.NoError(t, tr.StopSession(ctx, ""))
	old.mu.Lock()
	old.lastActivity = time.Now().Add(-3 * time.Hour)
	old.mu.Unlock()

	cur, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	evicted := tr.evictStale(time.Now().Add(-2 * time.Hour))
	assert.Equal(t, 1, evicted)

	_, ok := tr.SessionSummary(old.ID())
	assert.False(t, ok, "stale ended record evicted")
	_, ok = tr.SessionSummary(cur.ID())
	assert.True(t, ok, "current record kept")
	_, ok = tr.Resolver().SessionFor("111")
	assert.False(t, ok, "room mapping forgotten")
}

func TestStatisticsReflectsPipeline(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	tr.procStats = func() models.ProcessStats { return models.ProcessStats{MemoryRSS: 1} }
	ctx := context.Background()

	stats := tr.Statistics()
	assert.False(t, stats.ActiveSession)
	assert.Equal(t, 0, stats.SessionCount)

	_, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	require.True(t, tr.IngestEvent(ctx, event(`{"type":"comment","username":"bob","text":"hi"}`)))

	stats = tr.Statistics()
	assert.True(t, stats.ActiveSession)
	assert.Equal(t, 1, stats.SessionCount)
	assert.Equal(t, 1, stats.RecentEventCount)
	assert.Equal(t, 1, stats.QueueDepths.High)
}

func TestConcurrentIngestDoesNotCorruptCounters(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{}, &fakeSessionStore{})
	ctx := context.Background()
	_, err := tr.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tr.IngestEvent(ctx, event(`{"type":"like","count":1}`))
			}
		}()
	}
	wg.Wait()

	s, ok := tr.SessionSummary("")
	require.True(t, ok)
	assert.Equal(t, workers*perWorker, s.TotalLikes)
}

func TestDecodeEventDefaults(t *testing.T) {
	ev, err := models.DecodeEvent([]byte(`{"type":"gift"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.UnknownUsername, ev.Username)
	assert.Equal(t, 1, ev.Gift.Count, "missing count defaults to one gift")

	_, err = models.DecodeEvent([]byte(`{"note":"no type"}`), time.Now())
	assert.ErrorIs(t, err, models.ErrUnknownEventType)

	var raw json.RawMessage = []byte(`{"type":"viewer_update"}`)
	ev, err = models.DecodeEvent(raw, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Viewer.Count)
}
