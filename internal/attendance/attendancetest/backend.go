// Package attendancetest provides an in-memory attendance backend for tests.
package attendancetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rollcall/internal/attendance"
)

// Backend is a fake attendance server. Failure toggles are one-shot unless
// noted. Hold blocks a mark (keyed by student id), a scan (keyed by raw
// code) or an end (keyed "end:<session id>") until the channel is closed.
type Backend struct {
	mu sync.Mutex

	sessions  map[string]*attendance.Session
	rosters   map[string][]attendance.RosterEntry
	marks     map[string]map[string]attendance.Record
	order     map[string][]string
	directory map[string]attendance.RosterEntry
	calls     map[string]int
	nextID    int

	// Codes maps a QR payload to a student id; unmapped payloads are taken
	// as the id itself.
	Codes map[string]string

	MarkErr   map[string]error
	ScanErr   map[string]error
	EndErr    error
	CreateErr error
	RosterErr error
	// ConflictWithoutSession makes create conflicts omit the active session.
	ConflictWithoutSession bool

	Hold map[string]chan struct{}
	Now  func() time.Time
}

var (
	_ attendance.Backend = (*Backend)(nil)
	_ attendance.History = (*Backend)(nil)
)

// NewBackend returns an empty fake.
func NewBackend() *Backend {
	return &Backend{
		sessions:  make(map[string]*attendance.Session),
		rosters:   make(map[string][]attendance.RosterEntry),
		marks:     make(map[string]map[string]attendance.Record),
		order:     make(map[string][]string),
		directory: make(map[string]attendance.RosterEntry),
		calls:     make(map[string]int),
		Codes:     make(map[string]string),
		MarkErr:   make(map[string]error),
		ScanErr:   make(map[string]error),
		Hold:      make(map[string]chan struct{}),
		Now:       time.Now,
	}
}

// Students builds n roster entries with ids s1..sn.
func Students(n int) []attendance.RosterEntry {
	out := make([]attendance.RosterEntry, n)
	for i := range out {
		id := fmt.Sprintf("s%d", i+1)
		out[i] = attendance.RosterEntry{ID: id, Name: "Student " + id, StudentCode: "C-" + id}
	}
	return out
}

// AddSession registers an active session with its roster.
func (b *Backend) AddSession(classroomID string, mode attendance.Mode, roster []attendance.RosterEntry) attendance.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(classroomID, mode, "", roster)
}

// SetRoster replaces the roster used for sessions of classroomID created later.
func (b *Backend) SetRoster(classroomID string, roster []attendance.RosterEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rosters["classroom:"+classroomID] = roster
	for _, e := range roster {
		b.directory[e.ID] = e
	}
}

// Enroll adds a student known to the server but not on any roster.
func (b *Backend) Enroll(e attendance.RosterEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.directory[e.ID] = e
}

// MarkExternally records a mark made by another device.
func (b *Backend) MarkExternally(sessionID, studentID string, status attendance.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordLocked(sessionID, studentID, status)
}

// EndExternally closes a session as if another operator had.
func (b *Backend) EndExternally(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok && s.EndedAt == nil {
		now := b.Now().UTC()
		s.EndedAt = &now
	}
}

// Calls reports how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Marked returns the server's record ids for a session in mark order.
func (b *Backend) Marked(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order[sessionID]...)
}

func (b *Backend) CreateSession(_ context.Context, req attendance.NewSession) (attendance.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["create"]++
	if err := b.takeErr(&b.CreateErr); err != nil {
		return attendance.Session{}, err
	}
	if s := b.activeLocked(req.ClassroomID); s != nil {
		ae := attendance.NewError(attendance.KindConflict, "session.create", "An attendance session is already active", nil)
		if !b.ConflictWithoutSession {
			cp := *s
			ae.Session = &cp
		}
		return attendance.Session{}, ae
	}
	return b.addLocked(req.ClassroomID, req.Mode, req.Topic, b.rosters["classroom:"+req.ClassroomID]), nil
}

func (b *Backend) ActiveSession(_ context.Context, classroomID string) (*attendance.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["active"]++
	s := b.activeLocked(classroomID)
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (b *Backend) SessionRoster(_ context.Context, sessionID string) (attendance.Roster, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["roster"]++
	if err := b.takeErr(&b.RosterErr); err != nil {
		return attendance.Roster{}, err
	}
	s, ok := b.sessions[sessionID]
	if !ok {
		return attendance.Roster{}, attendance.NewError(attendance.KindValidation, "session.students", "session not found", nil)
	}
	roster := append([]attendance.RosterEntry(nil), b.rosters[sessionID]...)
	marked := 0
	for _, e := range roster {
		if _, ok := b.marks[sessionID][e.ID]; ok {
			marked++
		}
	}
	return attendance.Roster{Session: *s, Students: roster, MarkedCount: marked, UnmarkedCount: len(roster) - marked}, nil
}

func (b *Backend) MarkedStudents(_ context.Context, sessionID string) ([]attendance.MarkedStudent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["marked"]++
	if _, ok := b.sessions[sessionID]; !ok {
		return nil, attendance.NewError(attendance.KindValidation, "session.marked", "session not found", nil)
	}
	rows := make([]attendance.MarkedStudent, 0, len(b.order[sessionID]))
	for _, id := range b.order[sessionID] {
		rows = append(rows, b.rowLocked(b.marks[sessionID][id]))
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].MarkedAt.After(rows[j].MarkedAt) })
	return rows, nil
}

func (b *Backend) Mark(ctx context.Context, sessionID, studentID string, status attendance.Status) (attendance.Record, error) {
	if err := b.wait(ctx, studentID); err != nil {
		return attendance.Record{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["mark"]++
	if err, ok := b.MarkErr[studentID]; ok {
		delete(b.MarkErr, studentID)
		return attendance.Record{}, err
	}
	if err := b.writableLocked(sessionID, "mark"); err != nil {
		return attendance.Record{}, err
	}
	if !b.onRosterLocked(sessionID, studentID) {
		return attendance.Record{}, attendance.NewError(attendance.KindValidation, "mark", "Student not enrolled in this classroom", nil)
	}
	if _, ok := b.marks[sessionID][studentID]; ok {
		return attendance.Record{}, attendance.NewError(attendance.KindAlreadyMarked, "mark", "Attendance already marked for this student", nil)
	}
	return b.recordLocked(sessionID, studentID, status), nil
}

func (b *Backend) Scan(ctx context.Context, sessionID, rawCode string) (attendance.ScanResult, error) {
	if err := b.wait(ctx, rawCode); err != nil {
		return attendance.ScanResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["scan"]++
	if err, ok := b.ScanErr[rawCode]; ok {
		delete(b.ScanErr, rawCode)
		return attendance.ScanResult{}, err
	}
	if err := b.writableLocked(sessionID, "scan"); err != nil {
		return attendance.ScanResult{}, err
	}
	id := rawCode
	if mapped, ok := b.Codes[rawCode]; ok {
		id = mapped
	}
	if _, known := b.directory[id]; !known {
		return attendance.ScanResult{}, attendance.NewError(attendance.KindValidation, "scan", "Invalid QR code", nil)
	}
	if _, ok := b.marks[sessionID][id]; ok {
		return attendance.ScanResult{}, attendance.NewError(attendance.KindAlreadyMarked, "scan", "Attendance already marked", nil)
	}
	rec := b.recordLocked(sessionID, id, attendance.StatusPresent)
	return attendance.ScanResult{Student: b.rowLocked(rec), Record: rec}, nil
}

func (b *Backend) EndSession(ctx context.Context, sessionID string) (attendance.Session, error) {
	if err := b.wait(ctx, "end:"+sessionID); err != nil {
		return attendance.Session{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["end"]++
	if err := b.takeErr(&b.EndErr); err != nil {
		return attendance.Session{}, err
	}
	s, ok := b.sessions[sessionID]
	if !ok {
		return attendance.Session{}, attendance.NewError(attendance.KindValidation, "session.end", "session not found", nil)
	}
	if s.EndedAt != nil {
		return attendance.Session{}, attendance.NewError(attendance.KindSessionClosed, "session.end", "Session already ended", nil)
	}
	now := b.Now().UTC()
	s.EndedAt = &now
	return *s, nil
}

func (b *Backend) ClassroomSessions(_ context.Context, classroomID string) ([]attendance.SessionSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["history"]++
	var out []attendance.SessionSummary
	for _, s := range b.sessions {
		if s.ClassroomID != classroomID {
			continue
		}
		present := 0
		for _, rec := range b.marks[s.ID] {
			if rec.Status == attendance.StatusPresent {
				present++
			}
		}
		out = append(out, attendance.SessionSummary{
			ID:              s.ID,
			ClassroomID:     s.ClassroomID,
			Mode:            s.Mode,
			Topic:           s.Topic,
			Date:            s.CreatedAt,
			Active:          s.EndedAt == nil,
			TotalStudents:   len(b.rosters[s.ID]),
			PresentStudents: present,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (b *Backend) wait(ctx context.Context, key string) error {
	b.mu.Lock()
	ch := b.Hold[key]
	b.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) takeErr(p *error) error {
	err := *p
	*p = nil
	return err
}

func (b *Backend) addLocked(classroomID string, mode attendance.Mode, topic string, roster []attendance.RosterEntry) attendance.Session {
	b.nextID++
	s := &attendance.Session{
		ID:          fmt.Sprintf("sess-%d", b.nextID),
		ClassroomID: classroomID,
		Mode:        mode,
		Topic:       topic,
		CreatedAt:   b.Now().UTC().Add(time.Duration(b.nextID) * time.Millisecond),
	}
	b.sessions[s.ID] = s
	b.rosters[s.ID] = append([]attendance.RosterEntry(nil), roster...)
	b.marks[s.ID] = make(map[string]attendance.Record)
	for _, e := range roster {
		b.directory[e.ID] = e
	}
	return *s
}

func (b *Backend) activeLocked(classroomID string) *attendance.Session {
	for _, s := range b.sessions {
		if s.ClassroomID == classroomID && s.EndedAt == nil {
			return s
		}
	}
	return nil
}

func (b *Backend) writableLocked(sessionID, op string) error {
	s, ok := b.sessions[sessionID]
	if !ok {
		return attendance.NewError(attendance.KindValidation, op, "session not found", nil)
	}
	if s.EndedAt != nil {
		return attendance.NewError(attendance.KindSessionClosed, op, "Session has ended", nil)
	}
	return nil
}

func (b *Backend) onRosterLocked(sessionID, studentID string) bool {
	for _, e := range b.rosters[sessionID] {
		if e.ID == studentID {
			return true
		}
	}
	return false
}

func (b *Backend) recordLocked(sessionID, studentID string, status attendance.Status) attendance.Record {
	if b.marks[sessionID] == nil {
		b.marks[sessionID] = make(map[string]attendance.Record)
	}
	b.nextID++
	rec := attendance.Record{
		ID:        fmt.Sprintf("rec-%d", b.nextID),
		SessionID: sessionID,
		StudentID: studentID,
		Status:    status,
		MarkedAt:  b.Now().UTC().Add(time.Duration(b.nextID) * time.Millisecond),
	}
	b.marks[sessionID][studentID] = rec
	b.order[sessionID] = append(b.order[sessionID], studentID)
	return rec
}

func (b *Backend) rowLocked(rec attendance.Record) attendance.MarkedStudent {
	e := b.directory[rec.StudentID]
	return attendance.MarkedStudent{
		StudentID:   rec.StudentID,
		Name:        e.DisplayName(),
		StudentCode: e.StudentCode,
		Email:       e.Email,
		Status:      rec.Status,
		MarkedAt:    rec.MarkedAt,
	}
}
