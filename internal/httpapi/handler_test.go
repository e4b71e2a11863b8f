package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/attendance/attendancetest"
	"rollcall/internal/auth"
	"rollcall/internal/httpmiddleware"
)

type fixture struct {
	backend *attendancetest.Backend
	router  *gin.Engine
	token   string
	journal *fakeJournal
}

type fakeJournal struct {
	sessionID     string
	limit, offset int
}

func (f *fakeJournal) ListAttempts(_ context.Context, sessionID, _ string, limit, offset int) ([]attendance.Attempt, error) {
	f.sessionID, f.limit, f.offset = sessionID, limit, offset
	return []attendance.Attempt{{ID: "a1", SessionID: sessionID, Outcome: "confirmed"}}, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, 3, nil)
}

func newFixtureWith(t *testing.T, students int, configure func(*Handler)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := attendancetest.NewBackend()
	b.SetRoster("c1", attendancetest.Students(students))
	signer := auth.NewSigner("secret", "rollcall")
	pair, err := signer.Issue("operator-1", auth.RoleOperator, time.Minute, time.Hour)
	require.NoError(t, err)

	j := &fakeJournal{}
	h := &Handler{
		Controller:     attendance.NewController(b, attendance.Options{}),
		History:        b,
		Signer:         signer,
		Limiter:        httpmiddleware.NewTokenBucket(1000, 1000),
		CaptureLimiter: httpmiddleware.NewTokenBucket(1000, 1000),
		Journal:        j,
		BadgeSize:      256,
		AccessTTL:      time.Minute,
		RefreshTTL:     time.Hour,
		DevRoutes:      true,
	}
	if configure != nil {
		configure(h)
	}
	r := gin.New()
	h.Register(r)
	return &fixture{backend: b, router: r, token: pair.AccessToken, journal: j}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Header().Get("Content-Type") != "image/png" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (f *fixture) start(t *testing.T, mode string) string {
	t.Helper()
	w, body := f.do(t, http.MethodPost, "/v1/sessions", gin.H{"classroom_id": "c1", "mode": mode})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := body["session"].(map[string]any)["session"].(map[string]any)
	return session["id"].(string)
}

func counterOf(body map[string]any, key string) int {
	c := body["session"].(map[string]any)["counters"].(map[string]any)
	return int(c[key].(float64))
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestManualFlow(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, "manual")
	assert.Equal(t, id, f.start(t, "MANUAL"), "second start resumes")

	w, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/decisions", gin.H{"student_id": "s1", "status": "PRESENT"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, counterOf(body, "present"))
	assert.Equal(t, 2, counterOf(body, "remaining"))

	w, body = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/decisions", gin.H{"student_id": "s1", "status": "ABSENT"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_marked", body["kind"])

	w, body = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/decisions", gin.H{"student_id": "s3", "status": "ABSENT"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", body["kind"])

	w, _ = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/scans", gin.H{"raw_code": "s2"})
	assert.Equal(t, http.StatusLocked, w.Code)

	f.backend.MarkErr["s2"] = attendance.NewError(attendance.KindTransient, "mark", "timeout", nil)
	w, body = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/decisions", gin.H{"student_id": "s2", "status": "ABSENT"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, body["retryable"])

	w, body = f.do(t, http.MethodGet, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s2", body["session"].(map[string]any)["current"].(map[string]any)["id"])

	w, _ = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestQRFlow(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, "QR")

	w, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/scans", gin.H{"raw_code": "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, counterOf(body, "present"))

	w, _ = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/scans", gin.H{"raw_code": "s1"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/scans", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/resync", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.backend.EndExternally(id)
	w, body = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/scans", gin.H{"raw_code": "s2"})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "session_closed", body["kind"])
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", body["kind"])
}

func TestStartRejectsUnknownMode(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodPost, "/v1/sessions", gin.H{"classroom_id": "c1", "mode": "FACE"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAttempts(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/v1/sessions/sess-9/attempts?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["attempts"], 1)
	assert.Equal(t, "sess-9", f.journal.sessionID)
}

func TestAttemptsLimitIsBounded(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodGet, "/v1/sessions/sess-9/attempts?limit=1000000&offset=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 500, f.journal.limit)
	assert.Equal(t, 20, f.journal.offset)

	w, _ = f.do(t, http.MethodGet, "/v1/sessions/sess-9/attempts?limit=-3&offset=-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, f.journal.limit)
	assert.Equal(t, 0, f.journal.offset)
}

func TestScansNotThrottledByManagementLimit(t *testing.T) {
	f := newFixtureWith(t, 50, func(h *Handler) {
		h.Limiter = httpmiddleware.NewTokenBucket(3, 3)
		h.CaptureLimiter = httpmiddleware.NewTokenBucket(6000, 6000)
	})
	id := f.start(t, "QR")

	for i := 1; i <= 50; i++ {
		w, _ := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/scans", gin.H{"raw_code": fmt.Sprintf("s%d", i)})
		require.Equal(t, http.StatusOK, w.Code, "scan %d: %s", i, w.Body.String())
	}
	w, body := f.do(t, http.MethodGet, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, counterOf(body, "present"))

	w, _ = f.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/v1/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "management routes keep their own budget")
}

func TestClassroomSessions(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, "QR")
	w, _ := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/scans", gin.H{"raw_code": "s2"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, http.MethodGet, "/v1/classrooms/c1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := body["sessions"].([]any)
	require.Len(t, list, 1)
	row := list[0].(map[string]any)
	assert.Equal(t, id, row["id"])
	assert.Equal(t, true, row["active"])
	assert.Equal(t, float64(1), row["present_students"])
	assert.Equal(t, float64(3), row["total_students"])

	w, _ = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, body = f.do(t, http.MethodGet, "/v1/classrooms/c1/sessions", nil)
	row = body["sessions"].([]any)[0].(map[string]any)
	assert.Equal(t, false, row["active"])
	assert.Equal(t, float64(1), row["present_students"])

	w, body = f.do(t, http.MethodGet, "/v1/classrooms/empty/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["sessions"])
}

func TestBadge(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/badges/s1?size=128", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestDevToken(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodPost, "/v1/dev/token", gin.H{"subject": "station-1", "role": "station"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, body["access_token"])

	w, _ = f.do(t, http.MethodPost, "/v1/dev/token", gin.H{"subject": "x", "role": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(attendance.KindConflict))
	assert.Equal(t, http.StatusGone, StatusFor(attendance.KindSessionClosed))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(attendance.KindUnknown))
}
