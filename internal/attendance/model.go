package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how students are captured during a session.
type Mode string

const (
	ModeManual Mode = "MANUAL"
	ModeQR     Mode = "QR"
)

// ParseMode accepts the wire value in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeManual:
		return ModeManual, nil
	case ModeQR:
		return ModeQR, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Status is the outcome of marking one student.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
)

// ParseStatus accepts the wire value in any case; the marked list
// endpoint reports lower case.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPresent:
		return StatusPresent, nil
	case StatusAbsent:
		return StatusAbsent, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Session is one attendance-taking event for one classroom.
type Session struct {
	ID          string     `json:"id"`
	ClassroomID string     `json:"classroom_id"`
	Mode        Mode       `json:"mode"`
	Topic       string     `json:"topic,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the server still considers the session open.
func (s Session) Active() bool { return s.EndedAt == nil }

// SessionSummary is one row of a classroom's session history.
type SessionSummary struct {
	ID              string    `json:"id"`
	ClassroomID     string    `json:"classroom_id"`
	Mode            Mode      `json:"mode"`
	Topic           string    `json:"topic,omitempty"`
	Date            time.Time `json:"date"`
	Active          bool      `json:"active"`
	TotalStudents   int       `json:"total_students"`
	PresentStudents int       `json:"present_students"`
}

// RosterEntry is a student eligible to be marked in a session.
type RosterEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Email        string `json:"email,omitempty"`
	StudentCode  string `json:"student_code,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
}

// Roster is the session together with its student snapshot.
type Roster struct {
	Session       Session
	Students      []RosterEntry
	MarkedCount   int
	UnmarkedCount int
}

// Record is a confirmed attendance mark. At most one exists per
// (SessionID, StudentID).
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	Status    Status    `json:"status"`
	MarkedAt  time.Time `json:"marked_at"`
}

// MarkedStudent is a display row for a student already marked in a session.
type MarkedStudent struct {
	StudentID   string    `json:"student_id"`
	Name        string    `json:"name"`
	StudentCode string    `json:"student_code,omitempty"`
	Email       string    `json:"email,omitempty"`
	Status      Status    `json:"status"`
	MarkedAt    time.Time `json:"marked_at"`
}

// ScanResult is what the server returns after resolving and marking a QR code.
type ScanResult struct {
	Student MarkedStudent
	Record  Record
}

// Counters is the running tally for a session.
type Counters struct {
	Present   int `json:"present"`
	Absent    int `json:"absent"`
	Remaining int `json:"remaining"`
}

// Total is the roster size the counters were computed against.
func (c Counters) Total() int { return c.Present + c.Absent + c.Remaining }

func (c *Counters) apply(status Status, delta int) {
	switch status {
	case StatusPresent:
		c.Present += delta
	case StatusAbsent:
		c.Absent += delta
	}
	c.Remaining -= delta
}

// DisplayName falls back to the student code or id when the roster has no name.
func (e RosterEntry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	if full := strings.TrimSpace(e.FirstName + " " + e.LastName); full != "" {
		return full
	}
	if e.StudentCode != "" {
		return e.StudentCode
	}
	return e.ID
}
