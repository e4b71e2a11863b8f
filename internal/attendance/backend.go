package attendance

import "context"

// NewSession is the payload for creating a session.
type NewSession struct {
	ClassroomID string `json:"classroomId" validate:"required,max=128"`
	Mode        Mode   `json:"mode" validate:"required,oneof=MANUAL QR"`
	Topic       string `json:"topic,omitempty" validate:"max=200"`
}

// Backend is the attendance server of record. Implementations return
// *Error values so callers can branch on Kind; a create conflict must carry
// the active session in Error.Session when the server reports it.
type Backend interface {
	CreateSession(ctx context.Context, req NewSession) (Session, error)
	ActiveSession(ctx context.Context, classroomID string) (*Session, error)
	SessionRoster(ctx context.Context, sessionID string) (Roster, error)
	MarkedStudents(ctx context.Context, sessionID string) ([]MarkedStudent, error)
	Mark(ctx context.Context, sessionID, studentID string, status Status) (Record, error)
	Scan(ctx context.Context, sessionID, rawCode string) (ScanResult, error)
	EndSession(ctx context.Context, sessionID string) (Session, error)
}

// History lists a classroom's past and current sessions with their final
// counts. It is read-only and separate from the capture path.
type History interface {
	ClassroomSessions(ctx context.Context, classroomID string) ([]SessionSummary, error)
}
