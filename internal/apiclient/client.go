package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rollcall/internal/attendance"
)

// Client calls the attendance backend of record.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

var (
	_ attendance.Backend = (*Client)(nil)
	_ attendance.History = (*Client)(nil)
)

// New creates a client. The timeout bounds each request on top of the
// caller's context.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CreateSession creates a session. A 409 carries the active session.
func (c *Client) CreateSession(ctx context.Context, req attendance.NewSession) (attendance.Session, error) {
	var out struct {
		Session       *wireSession `json:"session"`
		ActiveSession *wireSession `json:"activeSession"`
	}
	err := c.do(ctx, "session.create", http.MethodPost, "/attendance/session/create", req, &out)
	if err != nil {
		if ae, ok := err.(*attendance.Error); ok && ae.Kind == attendance.KindConflict {
			if out.ActiveSession != nil {
				s := out.ActiveSession.normalize()
				ae.Session = &s
			} else if out.Session != nil {
				s := out.Session.normalize()
				ae.Session = &s
			}
		}
		return attendance.Session{}, err
	}
	if out.Session == nil {
		return attendance.Session{}, attendance.NewError(attendance.KindTransient, "session.create", "response missing session", nil)
	}
	s := out.Session.normalize()
	if s.Mode == "" {
		s.Mode = req.Mode
	}
	if s.ClassroomID == "" {
		s.ClassroomID = req.ClassroomID
	}
	return s, nil
}

// ActiveSession returns the classroom's open session, or nil.
func (c *Client) ActiveSession(ctx context.Context, classroomID string) (*attendance.Session, error) {
	var out struct {
		ActiveSession *wireSession `json:"activeSession"`
	}
	path := "/attendance/classroom/" + url.PathEscape(classroomID) + "/active-session"
	if err := c.do(ctx, "session.active", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.ActiveSession == nil {
		return nil, nil
	}
	s := out.ActiveSession.normalize()
	if s.ID == "" {
		return nil, nil
	}
	if s.ClassroomID == "" {
		s.ClassroomID = classroomID
	}
	return &s, nil
}

// SessionRoster returns the session with its students.
func (c *Client) SessionRoster(ctx context.Context, sessionID string) (attendance.Roster, error) {
	var out struct {
		Session       *wireSession  `json:"session"`
		Students      []wireStudent `json:"students"`
		MarkedCount   int           `json:"markedCount"`
		UnmarkedCount int           `json:"unmarkedCount"`
	}
	path := "/attendance/session/" + url.PathEscape(sessionID) + "/students"
	if err := c.do(ctx, "session.students", http.MethodGet, path, nil, &out); err != nil {
		return attendance.Roster{}, err
	}
	r := attendance.Roster{MarkedCount: out.MarkedCount, UnmarkedCount: out.UnmarkedCount}
	if out.Session != nil {
		r.Session = out.Session.normalize()
	}
	if r.Session.ID == "" {
		r.Session.ID = sessionID
	}
	seen := make(map[string]bool, len(out.Students))
	for _, w := range out.Students {
		e := w.normalize()
		if e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		r.Students = append(r.Students, e)
	}
	return r, nil
}

// MarkedStudents returns the confirmed marks of a session.
func (c *Client) MarkedStudents(ctx context.Context, sessionID string) ([]attendance.MarkedStudent, error) {
	var out struct {
		MarkedStudents []wireMarked `json:"markedStudents"`
	}
	path := "/attendance/session/" + url.PathEscape(sessionID) + "/marked"
	if err := c.do(ctx, "session.marked", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	res := make([]attendance.MarkedStudent, 0, len(out.MarkedStudents))
	for _, w := range out.MarkedStudents {
		m := w.normalize()
		if m.StudentID == "" {
			continue
		}
		res = append(res, m)
	}
	return res, nil
}

// Mark records a manual decision.
func (c *Client) Mark(ctx context.Context, sessionID, studentID string, status attendance.Status) (attendance.Record, error) {
	body := map[string]string{"studentId": studentID, "status": string(status)}
	var out struct {
		Record *wireRecord `json:"record"`
	}
	path := "/attendance/session/" + url.PathEscape(sessionID) + "/mark"
	if err := c.do(ctx, "mark", http.MethodPost, path, body, &out); err != nil {
		return attendance.Record{}, err
	}
	rec := attendance.Record{SessionID: sessionID, StudentID: studentID, Status: status}
	if out.Record != nil {
		rec = out.Record.normalize(sessionID)
		if rec.StudentID == "" {
			rec.StudentID = studentID
		}
		if rec.Status == "" {
			rec.Status = status
		}
	}
	return rec, nil
}

// Scan submits a decoded QR payload; the server resolves and marks it.
func (c *Client) Scan(ctx context.Context, sessionID, rawCode string) (attendance.ScanResult, error) {
	body := map[string]string{"qrData": rawCode}
	var out struct {
		Student *wireMarked `json:"student"`
		Record  *wireRecord `json:"record"`
	}
	path := "/attendance/session/" + url.PathEscape(sessionID) + "/scan-qr"
	if err := c.do(ctx, "scan", http.MethodPost, path, body, &out); err != nil {
		return attendance.ScanResult{}, err
	}
	if out.Student == nil {
		return attendance.ScanResult{}, attendance.NewError(attendance.KindTransient, "scan", "response missing student", nil)
	}
	res := attendance.ScanResult{Student: out.Student.normalize()}
	if out.Record != nil {
		res.Record = out.Record.normalize(sessionID)
	}
	if res.Record.StudentID == "" {
		res.Record.StudentID = res.Student.StudentID
	}
	if res.Record.Status == "" {
		res.Record.Status = attendance.StatusPresent
	}
	res.Student.Status = res.Record.Status
	if res.Student.MarkedAt.IsZero() {
		res.Student.MarkedAt = res.Record.MarkedAt
	}
	return res, nil
}

// EndSession finalizes the session.
func (c *Client) EndSession(ctx context.Context, sessionID string) (attendance.Session, error) {
	var out struct {
		Session *wireSession `json:"session"`
	}
	path := "/attendance/session/" + url.PathEscape(sessionID) + "/end"
	if err := c.do(ctx, "session.end", http.MethodPost, path, nil, &out); err != nil {
		return attendance.Session{}, err
	}
	if out.Session == nil {
		return attendance.Session{ID: sessionID}, nil
	}
	s := out.Session.normalize()
	if s.ID == "" {
		s.ID = sessionID
	}
	return s, nil
}

// ClassroomSessions returns the classroom's session history, newest first
// as the server orders it.
func (c *Client) ClassroomSessions(ctx context.Context, classroomID string) ([]attendance.SessionSummary, error) {
	var out struct {
		Sessions []wireSummary `json:"sessions"`
	}
	path := "/attendance/classroom/" + url.PathEscape(classroomID) + "/sessions"
	if err := c.do(ctx, "classroom.sessions", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	res := make([]attendance.SessionSummary, 0, len(out.Sessions))
	for _, w := range out.Sessions {
		s := w.normalize(classroomID)
		if s.ID == "" {
			continue
		}
		res = append(res, s)
	}
	return res, nil
}

// do performs one request. On error responses it still decodes data into
// out when possible, so conflicts can expose the active session.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return attendance.NewError(attendance.KindValidation, op, "encode request", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return attendance.NewError(attendance.KindValidation, op, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return attendance.NewError(attendance.KindTransient, op, "backend unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return attendance.NewError(attendance.KindTransient, op, "read response", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr == nil && len(env.Data) > 0 && out != nil {
		decodeErr = json.Unmarshal(env.Data, out)
	}

	if resp.StatusCode >= 300 || (decodeErr == nil && !env.Success) {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = resp.Status
		}
		return classifyResponse(op, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return attendance.NewError(attendance.KindTransient, op, "decode response", decodeErr)
	}
	return nil
}

// classifyResponse maps a backend failure onto the capture error kinds.
func classifyResponse(op string, status int, msg string) *attendance.Error {
	lower := strings.ToLower(msg)
	cause := fmt.Errorf("backend status %d", status)
	switch {
	case strings.Contains(lower, "already marked"):
		return attendance.NewError(attendance.KindAlreadyMarked, op, msg, cause)
	case status == http.StatusConflict && op == "session.create",
		strings.Contains(lower, "already active"), strings.Contains(lower, "active session"):
		return attendance.NewError(attendance.KindConflict, op, msg, cause)
	case strings.Contains(lower, "already ended"), strings.Contains(lower, "has ended"),
		strings.Contains(lower, "session ended"), strings.Contains(lower, "not active"):
		return attendance.NewError(attendance.KindSessionClosed, op, msg, cause)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return attendance.NewError(attendance.KindTransient, op, msg, cause)
	}
	return attendance.NewError(attendance.KindValidation, op, msg, cause)
}
