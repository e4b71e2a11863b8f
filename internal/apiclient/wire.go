package apiclient

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"rollcall/internal/attendance"
)

// envelope is the backend's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ref is a field the backend sends either as a bare id or as a populated
// object carrying `id` / `_id`.
type ref struct {
	ID     string
	Object map[string]json.RawMessage
}

func (r *ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.Object = obj
	r.ID = r.str("id")
	if r.ID == "" {
		r.ID = r.str("_id")
	}
	return nil
}

func (r ref) str(key string) string {
	raw, ok := r.Object[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// wireTime accepts RFC 3339 strings, empty strings and null.
type wireTime struct{ time.Time }

func (t *wireTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return nil
}

func (t *wireTime) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

type wireSession struct {
	ID          string    `json:"id"`
	MongoID     string    `json:"_id"`
	ClassroomID ref       `json:"classroomId"`
	Mode        string    `json:"mode"`
	Topic       string    `json:"topic"`
	CreatedAt   wireTime  `json:"createdAt"`
	EndedAt     *wireTime `json:"endedAt"`
}

func (w wireSession) normalize() attendance.Session {
	s := attendance.Session{
		ID:          firstNonEmpty(w.ID, w.MongoID),
		ClassroomID: w.ClassroomID.ID,
		Topic:       w.Topic,
		CreatedAt:   w.CreatedAt.Time,
		EndedAt:     w.EndedAt.ptr(),
	}
	if m, err := attendance.ParseMode(w.Mode); err == nil {
		s.Mode = m
	}
	return s
}

type wireStudent struct {
	ID           string `json:"id"`
	MongoID      string `json:"_id"`
	UserID       ref    `json:"userId"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	StudentID    string `json:"studentId"`
	ProfileImage string `json:"profileImage"`
}

func (w wireStudent) normalize() attendance.RosterEntry {
	e := attendance.RosterEntry{
		ID:           firstNonEmpty(w.ID, w.MongoID, w.UserID.ID),
		FirstName:    firstNonEmpty(w.FirstName, w.UserID.str("firstName")),
		LastName:     firstNonEmpty(w.LastName, w.UserID.str("lastName")),
		Email:        firstNonEmpty(w.Email, w.UserID.str("email")),
		StudentCode:  w.StudentID,
		ProfileImage: firstNonEmpty(w.ProfileImage, w.UserID.str("profileImage")),
	}
	e.Name = firstNonEmpty(w.Name, strings.TrimSpace(e.FirstName+" "+e.LastName))
	return e
}

type wireMarked struct {
	ID        string   `json:"id"`
	MongoID   string   `json:"_id"`
	Name      string   `json:"name"`
	StudentID string   `json:"studentId"`
	Email     string   `json:"email"`
	ScannedAt wireTime `json:"scannedAt"`
	MarkedAt  wireTime `json:"markedAt"`
	Status    string   `json:"status"`
}

func (w wireMarked) normalize() attendance.MarkedStudent {
	m := attendance.MarkedStudent{
		StudentID:   firstNonEmpty(w.ID, w.MongoID),
		Name:        w.Name,
		StudentCode: w.StudentID,
		Email:       w.Email,
		MarkedAt:    w.ScannedAt.Time,
	}
	if m.MarkedAt.IsZero() {
		m.MarkedAt = w.MarkedAt.Time
	}
	if st, err := attendance.ParseStatus(w.Status); err == nil {
		m.Status = st
	} else {
		m.Status = attendance.StatusPresent
	}
	return m
}

type wireRecord struct {
	ID        string   `json:"id"`
	MongoID   string   `json:"_id"`
	StudentID ref      `json:"studentId"`
	Status    string   `json:"status"`
	CreatedAt wireTime `json:"createdAt"`
	MarkedAt  wireTime `json:"markedAt"`
}

func (w wireRecord) normalize(sessionID string) attendance.Record {
	r := attendance.Record{
		ID:        firstNonEmpty(w.ID, w.MongoID),
		SessionID: sessionID,
		StudentID: w.StudentID.ID,
		MarkedAt:  w.MarkedAt.Time,
	}
	if r.MarkedAt.IsZero() {
		r.MarkedAt = w.CreatedAt.Time
	}
	if st, err := attendance.ParseStatus(w.Status); err == nil {
		r.Status = st
	}
	return r
}

type wireSummary struct {
	ID              string   `json:"id"`
	MongoID         string   `json:"_id"`
	Date            wireTime `json:"date"`
	CreatedAt       wireTime `json:"createdAt"`
	Type            string   `json:"type"`
	Mode            string   `json:"mode"`
	Status          string   `json:"status"`
	TotalStudents   int      `json:"totalStudents"`
	PresentStudents int      `json:"presentStudents"`
	Topic           string   `json:"topic"`
}

func (w wireSummary) normalize(classroomID string) attendance.SessionSummary {
	s := attendance.SessionSummary{
		ID:              firstNonEmpty(w.ID, w.MongoID),
		ClassroomID:     classroomID,
		Topic:           w.Topic,
		Date:            w.Date.Time,
		Active:          strings.EqualFold(w.Status, "active"),
		TotalStudents:   w.TotalStudents,
		PresentStudents: w.PresentStudents,
	}
	if s.Date.IsZero() {
		s.Date = w.CreatedAt.Time
	}
	if m, err := attendance.ParseMode(firstNonEmpty(w.Type, w.Mode)); err == nil {
		s.Mode = m
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
