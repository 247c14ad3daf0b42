package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livepulse/tracker/internal/dispatch"
	"github.com/livepulse/tracker/internal/models"
	"github.com/livepulse/tracker/internal/store"
	"github.com/livepulse/tracker/internal/tracker"
)

type memStore struct{}

func (memStore) InsertSession(context.Context, store.SessionRow) error { return nil }
func (memStore) UpdateSession(context.Context, store.SessionRow) error { return nil }

type memSink struct{ rows []store.EventRow }

func (m *memSink) Enqueue(row store.EventRow) { m.rows = append(m.rows, row) }

func newTestRouter(t *testing.T) (*gin.Engine, *tracker.Tracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := dispatch.NewRouter(dispatch.Config{}, zap.NewNop())
	tr, err := tracker.NewTracker(tracker.Config{}, memStore{}, &memSink{}, router, zap.NewNop())
	require.NoError(t, err)

	h := NewHandler(tr, zap.NewNop())
	r := gin.New()
	r.POST("/sessions/start", h.StartSession)
	r.POST("/sessions/stop", h.StopSession)
	r.POST("/events", h.IngestEvent)
	r.GET("/live", h.Live)
	r.GET("/sessions/:id/summary", h.SessionSummary)
	r.GET("/statistics", h.Statistics)
	return r, tr
}

func do(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func TestStartSessionReturnsSummary(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/sessions/start", []byte(`{"broadcaster":"streamer_a","room_id":"777"}`))
	require.Equal(t, http.StatusCreated, w.Code)

	summary := decodeData[models.SessionSummary](t, w)
	assert.Equal(t, "streamer_a", summary.Broadcaster)
	assert.Equal(t, "777", summary.RoomID)
	assert.True(t, summary.Active)
}

func TestStartSessionRequiresBroadcaster(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/sessions/start", []byte(`{"room_id":"777"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopSessionWithEmptyBodyStopsCurrent(t *testing.T) {
	r, tr := newTestRouter(t)
	_, err := tr.StartSession(context.Background(), "streamer_a", "")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/sessions/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := tr.SessionSummary("")
	assert.False(t, ok)
}

func TestStopSessionWithoutActiveSessionIsOK(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/sessions/stop", []byte(`{"session_id":"nope"}`))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestEventAccepted(t *testing.T) {
	r, tr := newTestRouter(t)
	_, err := tr.StartSession(context.Background(), "streamer_a", "")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/events", []byte(`{"type":"gift","username":"fan1","gift_name":"rose","count":3,"diamond_value":5}`))
	require.Equal(t, http.StatusAccepted, w.Code)

	summary, ok := tr.SessionSummary("")
	require.True(t, ok)
	assert.Equal(t, 3, summary.TotalGifts)
}

func TestIngestEventUnknownTypeRejected(t *testing.T) {
	r, tr := newTestRouter(t)
	_, err := tr.StartSession(context.Background(), "streamer_a", "")
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/events", []byte(`{"type":"mystery"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestEventWithoutSessionConflicts(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/events", []byte(`{"type":"like","username":"fan1","count":1}`))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionSummaryByIDAndCurrent(t *testing.T) {
	r, tr := newTestRouter(t)
	rec, err := tr.StartSession(context.Background(), "streamer_a", "")
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/sessions/"+rec.ID()+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.ID(), decodeData[models.SessionSummary](t, w).ID)

	w = do(r, http.MethodGet, "/sessions/current/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.ID(), decodeData[models.SessionSummary](t, w).ID)

	w = do(r, http.MethodGet, "/sessions/missing/summary", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiveAndStatistics(t *testing.T) {
	r, tr := newTestRouter(t)
	_, err := tr.StartSession(context.Background(), "streamer_a", "")
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	live := decodeData[models.LiveSnapshot](t, w)
	require.NotNil(t, live.Session)
	assert.Equal(t, "streamer_a", live.Session.Broadcaster)

	w = do(r, http.MethodGet, "/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeData[models.Statistics](t, w)
	assert.True(t, stats.ActiveSession)
	assert.Equal(t, 1, stats.SessionCount)
}
