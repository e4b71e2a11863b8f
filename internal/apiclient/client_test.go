package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", 2*time.Second)
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "message": msg, "data": data})
}

func TestCreateSessionSendsBearerAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/attendance/session/create", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"classroomId":"c1","mode":"QR","topic":"Week 3"}`, string(b))
		writeEnvelope(w, http.StatusCreated, true, "created", map[string]any{
			"session": map[string]any{"_id": "s1", "classroomId": map[string]any{"_id": "c1", "name": "Math"}, "mode": "QR", "createdAt": "2026-03-01T09:00:00Z"},
		})
	})

	s, err := c.CreateSession(context.Background(), attendance.NewSession{ClassroomID: "c1", Mode: attendance.ModeQR, Topic: "Week 3"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "c1", s.ClassroomID)
	assert.Equal(t, attendance.ModeQR, s.Mode)
	assert.True(t, s.Active())
	assert.Equal(t, 2026, s.CreatedAt.Year())
}

func TestCreateSessionConflictCarriesActiveSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusConflict, false, "An attendance session is already active for this classroom", map[string]any{
			"activeSession": map[string]any{"id": "s9", "classroomId": "c1", "mode": "MANUAL"},
		})
	})

	_, err := c.CreateSession(context.Background(), attendance.NewSession{ClassroomID: "c1", Mode: attendance.ModeManual})
	require.Error(t, err)
	assert.True(t, errors.Is(err, attendance.ErrConflict))
	var ae *attendance.Error
	require.True(t, errors.As(err, &ae))
	require.NotNil(t, ae.Session)
	assert.Equal(t, "s9", ae.Session.ID)
	assert.Equal(t, attendance.ModeManual, ae.Session.Mode)
}

func TestActiveSessionNone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/classroom/c1/active-session", r.URL.Path)
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{"activeSession": nil})
	})

	s, err := c.ActiveSession(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSessionRosterNormalizesStudents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/session/s1/students", r.URL.Path)
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{
			"session": map[string]any{"_id": "s1", "classroomId": "c1", "mode": "MANUAL"},
			"students": []any{
				map[string]any{"_id": "u1", "firstName": "Ada", "lastName": "Lovelace", "studentId": "S-001"},
				map[string]any{"userId": map[string]any{"_id": "u2", "firstName": "Alan", "lastName": "Turing", "email": "alan@example.com"}},
				map[string]any{"_id": "u1", "firstName": "Ada"},
			},
			"markedCount":   1,
			"unmarkedCount": 1,
		})
	})

	r, err := c.SessionRoster(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, r.Students, 2)
	assert.Equal(t, "Ada Lovelace", r.Students[0].Name)
	assert.Equal(t, "S-001", r.Students[0].StudentCode)
	assert.Equal(t, "u2", r.Students[1].ID)
	assert.Equal(t, "alan@example.com", r.Students[1].Email)
	assert.Equal(t, attendance.ModeManual, r.Session.Mode)
	assert.Equal(t, 1, r.MarkedCount)
}

func TestMarkedStudentsDefaultsPresent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{
			"markedStudents": []any{
				map[string]any{"_id": "u1", "name": "Ada", "scannedAt": "2026-03-01T09:05:00Z"},
				map[string]any{"_id": "u2", "name": "Alan", "status": "absent"},
				map[string]any{"name": "no id"},
			},
		})
	})

	rows, err := c.MarkedStudents(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, attendance.StatusPresent, rows[0].Status)
	assert.False(t, rows[0].MarkedAt.IsZero())
	assert.Equal(t, attendance.StatusAbsent, rows[1].Status)
}

func TestMarkPostsDecision(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/session/s1/mark", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body["studentId"])
		assert.Equal(t, "ABSENT", body["status"])
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{
			"record": map[string]any{"_id": "r1", "studentId": map[string]any{"_id": "u1"}, "status": "ABSENT"},
		})
	})

	rec, err := c.Mark(context.Background(), "s1", "u1", attendance.StatusAbsent)
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, "u1", rec.StudentID)
	assert.Equal(t, attendance.StatusAbsent, rec.Status)
	assert.Equal(t, "s1", rec.SessionID)
}

func TestScanResolvesStudent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/session/s1/scan-qr", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, `{"studentId":"u1"}`, body["qrData"])
		writeEnvelope(w, http.StatusOK, true, "Attendance marked", map[string]any{
			"student": map[string]any{"id": "u1", "name": "Ada", "studentId": "S-001"},
			"record":  map[string]any{"_id": "r1", "studentId": "u1", "status": "PRESENT", "markedAt": "2026-03-01T09:05:00Z"},
		})
	})

	res, err := c.Scan(context.Background(), "s1", `{"studentId":"u1"}`)
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Student.StudentID)
	assert.Equal(t, "S-001", res.Student.StudentCode)
	assert.Equal(t, attendance.StatusPresent, res.Record.Status)
	assert.Equal(t, res.Record.MarkedAt, res.Student.MarkedAt)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		msg    string
		want   error
	}{
		{"already marked", http.StatusBadRequest, "Attendance already marked for this student", attendance.ErrAlreadyMarked},
		{"ended", http.StatusBadRequest, "Session has ended", attendance.ErrSessionClosed},
		{"not active", http.StatusBadRequest, "Session is not active", attendance.ErrSessionClosed},
		{"bad payload", http.StatusBadRequest, "Invalid QR code", attendance.ErrValidation},
		{"not found", http.StatusNotFound, "Student not found", attendance.ErrValidation},
		{"server", http.StatusInternalServerError, "boom", attendance.ErrTransient},
		{"throttled", http.StatusTooManyRequests, "slow down", attendance.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tc.status, false, tc.msg, nil)
			})
			_, err := c.Scan(context.Background(), "s1", "code")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestUnreachableBackendIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, "", time.Second)
	_, err := c.EndSession(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, attendance.ErrTransient))
}

func TestNonJSONSuccessIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	})
	_, err := c.MarkedStudents(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, attendance.ErrTransient))
}

func TestClassroomSessions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/attendance/classroom/c1/sessions", r.URL.Path)
		writeEnvelope(w, http.StatusOK, true, "", map[string]any{
			"sessions": []map[string]any{
				{"id": "s2", "date": "2026-03-08T09:00:00Z", "type": "QR", "status": "active", "totalStudents": 30, "presentStudents": 12, "topic": "Week 2"},
				{"_id": "s1", "createdAt": "2026-03-01T09:00:00Z", "type": "MANUAL", "status": "completed", "totalStudents": 30, "presentStudents": 27},
				{"type": "QR", "status": "completed"},
			},
		})
	})

	list, err := c.ClassroomSessions(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, list, 2, "rows without an id are dropped")
	assert.Equal(t, "s2", list[0].ID)
	assert.Equal(t, attendance.ModeQR, list[0].Mode)
	assert.True(t, list[0].Active)
	assert.Equal(t, 12, list[0].PresentStudents)
	assert.Equal(t, "Week 2", list[0].Topic)
	assert.Equal(t, "s1", list[1].ID)
	assert.False(t, list[1].Active)
	assert.Equal(t, attendance.ModeManual, list[1].Mode)
	assert.Equal(t, 1, list[1].Date.Day(), "falls back to createdAt")
	assert.Equal(t, "c1", list[1].ClassroomID)
}

func TestClassroomSessionsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, false, "Classroom not found", nil)
	})
	_, err := c.ClassroomSessions(context.Background(), "missing")
	assert.True(t, errors.Is(err, attendance.ErrValidation))
}
