package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgsched/internal/domain"
	"msgsched/internal/store"
)

var now = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC) // Monday

type staticInFlight []int64

func (s staticInFlight) InFlight() []int64 { return s }

func newTestServer(t *testing.T) (http.Handler, store.Repository) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := store.NewSQLiteRepo(db, store.WithLocation(time.UTC))
	h := NewServer(repo, staticInFlight{4, 9}, Options{Location: time.UTC, Now: func() time.Time { return now }})
	return h, repo
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const weeklyBody = `{
  "recipients":[{"jid":"1@s.whatsapp.net","name":"Ann"},{"jid":"2@s.whatsapp.net","name":""}],
  "message":"standup",
  "scheduled_time":"2024-01-01T09:00:00Z",
  "repeat_type":"custom_days",
  "repeat_days":10
}`

func TestCreateAndGet(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/messages", weeklyBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created createMessageResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	rec = do(t, h, http.MethodGet, "/api/messages/"+itoa(created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got messageResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))

	assert.Equal(t, "custom_days", got.RepeatType)
	assert.Equal(t, int(domain.Monday|domain.Wednesday), got.RepeatDays)
	assert.Equal(t, "Mon,Wed", got.RepeatDaysLabel)
	assert.Equal(t, "Ann, 2@s.whatsapp.net", got.DisplayRecipients)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.LastSentTime)
	require.NotNil(t, got.NextFireTime)
	assert.True(t, got.NextFireTime.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	assert.True(t, got.CreatedTime.Equal(now))
}

func TestCreateValidation(t *testing.T) {
	h, _ := newTestServer(t)

	cases := map[string]string{
		"no recipients": `{"message":"x","scheduled_time":"2024-01-01T09:00:00Z"}`,
		"no content":    `{"recipients":[{"jid":"1"}],"scheduled_time":"2024-01-01T09:00:00Z"}`,
		"bad repeat":    `{"recipients":[{"jid":"1"}],"message":"x","scheduled_time":"2024-01-01T09:00:00Z","repeat_type":"yearly"}`,
		"mask range":    `{"recipients":[{"jid":"1"}],"message":"x","scheduled_time":"2024-01-01T09:00:00Z","repeat_type":"custom_days","repeat_days":300}`,
		"no time":       `{"recipients":[{"jid":"1"}],"message":"x"}`,
		"bad json":      `{`,
	}
	for name, body := range cases {
		rec := do(t, h, http.MethodPost, "/api/messages", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestDailyMaskIsCleared(t *testing.T) {
	h, repo := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/messages",
		`{"recipients":[{"jid":"1"}],"message":"x","scheduled_time":"2024-01-01T09:00:00Z","repeat_type":"daily","repeat_days":3}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created createMessageResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	it, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DayMask(0), it.RepeatDays)
}

func TestNotFoundAndBadID(t *testing.T) {
	h, _ := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/messages/42", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/messages/42", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/messages/42/active", `{"active":false}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/messages/42", weeklyBody).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/messages/abc", "").Code)
}

func TestUpdateReschedulesSentItem(t *testing.T) {
	h, repo := newTestServer(t)
	ctx := context.Background()

	it := domain.NewScheduledItem([]domain.Recipient{{JID: "1"}}, "x", now, domain.RepeatOnce, 0, now)
	id, err := repo.Insert(ctx, it)
	require.NoError(t, err)
	require.NoError(t, repo.MarkAsSent(ctx, id, now))

	rec := do(t, h, http.MethodPut, "/api/messages/"+itoa(id),
		`{"recipients":[{"jid":"1"}],"message":"again","scheduled_time":"2024-01-02T08:00:00Z","is_active":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "again", got.Message)
	assert.False(t, got.IsSent)
	assert.True(t, got.IsActive)
	assert.True(t, got.LastSentTime.IsZero())
}

// A PUT built from a read taken before the delivery landed must not re-arm it.
func TestUpdateKeepsDeliveredOneShot(t *testing.T) {
	h, repo := newTestServer(t)
	ctx := context.Background()

	it := domain.NewScheduledItem([]domain.Recipient{{JID: "1"}}, "x", now, domain.RepeatOnce, 0, now)
	id, err := repo.Insert(ctx, it)
	require.NoError(t, err)
	require.NoError(t, repo.MarkAsSent(ctx, id, now))

	rec := do(t, h, http.MethodPut, "/api/messages/"+itoa(id),
		`{"recipients":[{"jid":"1"}],"message":"edited","scheduled_time":"2024-01-01T08:00:00Z","is_active":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp messageResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsSent)
	assert.False(t, resp.IsActive)

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Message)
	assert.True(t, got.IsSent)
	assert.False(t, got.IsActive)
	assert.True(t, got.LastSentTime.Equal(now))
}

func TestToggleListAndDelete(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/messages", weeklyBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createMessageResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	path := "/api/messages/" + itoa(created.ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, path+"/active", `{}`).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, path+"/active", `{"active":false}`).Code)

	var list []messageResp
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/api/messages?active=true", "").Body.Bytes(), &list))
	assert.Empty(t, list)
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/api/messages", "").Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Nil(t, list[0].NextFireTime)

	var st store.Stats
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/api/stats", "").Body.Bytes(), &st))
	assert.Equal(t, store.Stats{Total: 1}, st)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, path, "").Code)
}

func TestHistoryInFlightAndHealth(t *testing.T) {
	h, repo := newTestServer(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, domain.NewScheduledItem([]domain.Recipient{{JID: "1"}}, "x", now, domain.RepeatOnce, 0, now))
	require.NoError(t, err)
	require.NoError(t, repo.MarkAsSent(ctx, id, now.Add(time.Minute)))

	var hist []messageResp
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/api/history", "").Body.Bytes(), &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, id, hist[0].ID)
	assert.True(t, hist[0].IsSent)
	require.NotNil(t, hist[0].LastSentTime)

	var inflight inflightResp
	require.NoError(t, json.Unmarshal(do(t, h, http.MethodGet, "/api/inflight", "").Body.Bytes(), &inflight))
	assert.Equal(t, []int64{4, 9}, inflight.IDs)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func TestProbeServer(t *testing.T) {
	h := NewProbeServer()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/messages", "").Code)
}
