package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// EventKind tells the reconciler which capture surface produced an event.
type EventKind string

const (
	EventDecision EventKind = "decision"
	EventScan     EventKind = "scan"
)

// Event is the single input type of the reconciler: a swipe decision or a
// decoded QR payload.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Kind      EventKind `json:"kind" validate:"required,oneof=decision scan"`
	StudentID string    `json:"student_id,omitempty" validate:"required_if=Kind decision,max=128"`
	Status    Status    `json:"status,omitempty" validate:"required_if=Kind decision"`
	RawCode   string    `json:"raw_code,omitempty" validate:"required_if=Kind scan,max=4096"`
	At        time.Time `json:"at,omitempty"`
}

// Decision builds a manual-mode event.
func Decision(studentID string, status Status) Event {
	return Event{Kind: EventDecision, StudentID: studentID, Status: status}
}

// Scan builds a QR-mode event.
func Scan(rawCode string) Event {
	return Event{Kind: EventScan, RawCode: rawCode}
}

// ValidateEvent checks field presence and normalizes the status.
func ValidateEvent(ev *Event) error {
	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewError(KindValidation, "event", fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()), err)
		}
		return NewError(KindValidation, "event", "invalid event", err)
	}
	if ev.Kind == EventDecision {
		st, err := ParseStatus(string(ev.Status))
		if err != nil {
			return NewError(KindValidation, "event", err.Error(), nil)
		}
		ev.Status = st
	}
	return nil
}

// ValidateNewSession checks a create request.
func ValidateNewSession(req NewSession) error {
	if err := validate.Struct(req); err != nil {
		return NewError(KindValidation, "session.create", "classroom and mode are required", err)
	}
	return nil
}

// Result is the coarse result of handling one event.
type Result string

const (
	ResultConfirmed  Result = "confirmed"
	ResultSuppressed Result = "suppressed"
	ResultFailed     Result = "failed"
)

// Outcome is everything a capture surface learns about one event.
type Outcome struct {
	EventID   string         `json:"event_id"`
	Kind      EventKind      `json:"kind"`
	Result    Result         `json:"result"`
	StudentID string         `json:"student_id,omitempty"`
	Student   *MarkedStudent `json:"student,omitempty"`
	Status    Status         `json:"status,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	OffRoster bool           `json:"off_roster,omitempty"`
	Err       *Error         `json:"-"`
	Counters  Counters       `json:"counters"`
}

// OK reports whether a record was confirmed.
func (o Outcome) OK() bool { return o.Result == ResultConfirmed }

// Retryable reports whether a retry may succeed.
func (o Outcome) Retryable() bool { return o.Err != nil && o.Err.Retryable() }

// Informational is true for results shown with a non-error style.
func (o Outcome) Informational() bool {
	if o.Err == nil {
		return true
	}
	switch o.Err.Kind {
	case KindAlreadyMarked, KindConflict, KindSessionClosed:
		return true
	}
	return false
}

// Notice is the operator-facing message.
func (o Outcome) Notice() string {
	switch {
	case o.Result == ResultSuppressed:
		return "scan ignored, code was just read"
	case o.Err != nil:
		return o.Err.Error()
	case o.Duplicate:
		return "already marked"
	case o.Student != nil && o.Student.Name != "":
		return fmt.Sprintf("%s marked %s", o.Student.Name, strings.ToLower(string(o.Status)))
	}
	return "attendance marked"
}
