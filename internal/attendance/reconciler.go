package attendance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
)

// State is the lifecycle of one live session.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateEnding:
		return "ENDING"
	case StateEnded:
		return "ENDED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AdvancePolicy controls when the manual roster moves on.
type AdvancePolicy int

const (
	// AdvanceOnConfirm keeps the student presented until the server confirms.
	AdvanceOnConfirm AdvancePolicy = iota
	// AdvanceOptimistic moves on at submission; failed students are presented
	// again before the rest of the roster.
	AdvanceOptimistic
)

// ParseAdvancePolicy maps "confirm" / "optimistic".
func ParseAdvancePolicy(s string) (AdvancePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "confirm", "strict":
		return AdvanceOnConfirm, nil
	case "optimistic":
		return AdvanceOptimistic, nil
	}
	return AdvanceOnConfirm, fmt.Errorf("unknown advance policy %q", s)
}

// DefaultCommitTimeout bounds every backend call made by the reconciler.
const DefaultCommitTimeout = 5 * time.Second

// Options configures reconcilers built by a Controller.
type Options struct {
	CommitTimeout time.Duration
	Policy        AdvancePolicy
	ScanCooldown  time.Duration
	// NewGate builds the scan gate for a QR session; nil means an in-memory Deduplicator.
	NewGate func(Session) ScanGate
	Journal Journal
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = DefaultCommitTimeout
	}
	if o.ScanCooldown <= 0 {
		o.ScanCooldown = DefaultScanCooldown
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Snapshot is a consistent, copy-on-read view of a live session.
type Snapshot struct {
	Session    Session         `json:"session"`
	State      State           `json:"state"`
	Counters   Counters        `json:"counters"`
	Current    *RosterEntry    `json:"current,omitempty"`
	Position   int             `json:"position"`
	RosterSize int             `json:"roster_size"`
	Complete   bool            `json:"complete"`
	Pending    int             `json:"pending"`
	Marked     []MarkedStudent `json:"marked"`
}

// Reconciler owns the state of one live session: counters, the set of
// confirmed students and the commits in flight. All mutation happens under
// mu; backend calls are made without holding it so commits overlap.
type Reconciler struct {
	backend Backend
	opts    Options

	mu       sync.Mutex
	session  Session
	state    State
	roster   []RosterEntry
	index    map[string]int
	cursor   *RosterCursor
	retry    []RosterEntry
	gate     ScanGate
	counters Counters
	marked   map[string]Record
	list     []MarkedStudent
	listed   map[string]bool
	inflight map[string]Status
	subs     map[int]func(Snapshot)
	nextSub  int
}

// NewReconciler creates a reconciler in INITIALIZING state. Mode may be
// empty; it is taken from the server during Initialize.
func NewReconciler(backend Backend, session Session, opts Options) *Reconciler {
	return &Reconciler{
		backend:  backend,
		opts:     opts.withDefaults(),
		session:  session,
		state:    StateInitializing,
		index:    make(map[string]int),
		marked:   make(map[string]Record),
		listed:   make(map[string]bool),
		inflight: make(map[string]Status),
		subs:     make(map[int]func(Snapshot)),
	}
}

// Initialize loads the roster and the already-confirmed marks, then
// positions the cursor past marked students. It moves to ACTIVE, or to
// ENDED if the server reports the session closed.
func (r *Reconciler) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInitializing {
		st := r.state
		r.mu.Unlock()
		return NewError(KindLifecycle, "initialize", "session already initialized ("+st.String()+")", nil)
	}
	id := r.session.ID
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.opts.CommitTimeout)
	defer cancel()
	roster, err := r.backend.SessionRoster(cctx, id)
	if err != nil {
		return classify("initialize.roster", err)
	}
	rows, err := r.backend.MarkedStudents(cctx, id)
	if err != nil {
		return classify("initialize.marked", err)
	}

	r.mu.Lock()
	if roster.Session.ID != "" {
		mode := r.session.Mode
		r.session = roster.Session
		if r.session.Mode == "" {
			r.session.Mode = mode
		}
	}
	if r.session.Mode == "" {
		r.mu.Unlock()
		return NewError(KindValidation, "initialize", "session mode unknown", nil)
	}
	r.roster = append([]RosterEntry(nil), roster.Students...)
	for i, e := range r.roster {
		r.index[e.ID] = i
	}
	r.counters = Counters{Remaining: len(r.roster)}
	for _, m := range rows {
		r.adopt(m)
	}
	switch r.session.Mode {
	case ModeManual:
		r.cursor = NewRosterCursor(r.roster)
		r.cursor.SkipMarked(r.isMarked)
	case ModeQR:
		if r.opts.NewGate != nil {
			r.gate = r.opts.NewGate(r.session)
		}
		if r.gate == nil {
			r.gate = NewDeduplicator(r.opts.ScanCooldown)
		}
	}
	if r.session.Active() {
		r.state = StateActive
	} else {
		r.state = StateEnded
	}
	log.Printf("session %s initialized: mode=%s roster=%d present=%d absent=%d",
		r.session.ID, r.session.Mode, len(r.roster), r.counters.Present, r.counters.Absent)
	r.mu.Unlock()
	r.notify()
	return nil
}

// Resync re-reads the confirmed marks and merges them; the server wins.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateInitializing {
		r.mu.Unlock()
		return NewError(KindLifecycle, "resync", "session not initialized", nil)
	}
	id := r.session.ID
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.opts.CommitTimeout)
	defer cancel()
	rows, err := r.backend.MarkedStudents(cctx, id)
	if err != nil {
		return classify("resync", err)
	}

	r.mu.Lock()
	added := 0
	for _, m := range rows {
		if r.adopt(m) {
			added++
		}
	}
	r.skipMarked()
	r.mu.Unlock()
	if added > 0 {
		log.Printf("session %s resync adopted %d marks", id, added)
	}
	r.notify()
	return nil
}

// Handle applies one capture event and reports its outcome. It is the
// single entry point for both capture surfaces.
func (r *Reconciler) Handle(ctx context.Context, ev Event) Outcome {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.opts.Now()
	}
	if err := ValidateEvent(&ev); err != nil {
		return r.reject(ev, classify("event", err))
	}
	switch ev.Kind {
	case EventDecision:
		return r.handleDecision(ctx, ev)
	case EventScan:
		return r.handleScan(ctx, ev)
	}
	return r.reject(ev, NewError(KindValidation, "event", "unknown event kind", nil))
}

// SubmitDecision marks the presented student in a manual session.
func (r *Reconciler) SubmitDecision(ctx context.Context, studentID string, status Status) Outcome {
	return r.Handle(ctx, Decision(studentID, status))
}

// SubmitScan processes a decoded QR payload in a QR session.
func (r *Reconciler) SubmitScan(ctx context.Context, rawCode string) Outcome {
	return r.Handle(ctx, Scan(rawCode))
}

func (r *Reconciler) handleDecision(ctx context.Context, ev Event) Outcome {
	id, status := ev.StudentID, ev.Status

	r.mu.Lock()
	if err := r.guard(ModeManual, "decision"); err != nil {
		r.mu.Unlock()
		return r.reject(ev, err)
	}
	if _, ok := r.marked[id]; ok {
		r.mu.Unlock()
		return r.reject(ev, NewError(KindAlreadyMarked, "decision", "student already marked", nil))
	}
	if _, ok := r.inflight[id]; ok {
		r.mu.Unlock()
		return r.reject(ev, NewError(KindAlreadyMarked, "decision", "decision already pending", nil))
	}
	cur, ok := r.presented()
	if !ok {
		r.mu.Unlock()
		return r.reject(ev, NewError(KindLifecycle, "decision", "roster already complete", nil))
	}
	if cur.ID != id {
		r.mu.Unlock()
		return r.reject(ev, NewError(KindValidation, "decision", "student is not the one being presented", nil))
	}
	r.inflight[id] = status
	r.counters.apply(status, +1)
	optimistic := r.opts.Policy == AdvanceOptimistic
	if optimistic {
		r.takePresented(id)
	}
	sessionID := r.session.ID
	r.mu.Unlock()
	r.notify()

	// A commit that reached the server must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, r.opts.CommitTimeout)
	rec, err := r.backend.Mark(cctx, sessionID, id, status)
	cancel()
	took := time.Since(start)

	r.mu.Lock()
	delete(r.inflight, id)
	if err != nil {
		r.counters.apply(status, -1)
		if optimistic {
			r.retry = append(r.retry, cur)
		}
		aerr := classify("mark", err)
		out := r.outcomeLocked(ev, ResultFailed, aerr)
		r.mu.Unlock()

		metrics.Commit(string(ModeManual), aerr.Kind.String(), took)
		log.Printf("session %s mark %s failed: %v", sessionID, id, aerr)
		r.journal(ctx, ev, out)
		if aerr.Kind == KindAlreadyMarked {
			if rerr := r.Resync(ctx); rerr != nil {
				log.Printf("session %s resync after duplicate mark failed: %v", sessionID, rerr)
			}
		} else {
			r.notify()
		}
		return r.withCounters(out)
	}

	if rec.StudentID == "" {
		rec.StudentID = id
	}
	if rec.Status == "" {
		rec.Status = status
	}
	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = r.opts.Now()
	}
	// The optimistic increment used the requested status; the server's
	// record is authoritative.
	r.counters.apply(status, -1)
	row := r.rowFor(cur, rec)
	duplicate := !r.confirm(rec, row)
	if !optimistic {
		r.takePresented(id)
	}
	r.skipMarked()
	out := r.outcomeLocked(ev, ResultConfirmed, nil)
	out.Duplicate = duplicate
	out.Status = rec.Status
	out.Student = &row
	r.mu.Unlock()

	metrics.Commit(string(ModeManual), "confirmed", took)
	r.journal(ctx, ev, out)
	r.notify()
	return out
}

func (r *Reconciler) handleScan(ctx context.Context, ev Event) Outcome {
	raw := ev.RawCode

	r.mu.Lock()
	if err := r.guard(ModeQR, "scan"); err != nil {
		r.mu.Unlock()
		return r.reject(ev, err)
	}
	gate, sessionID := r.gate, r.session.ID
	r.mu.Unlock()

	accepted, err := gate.Accept(ctx, raw, ev.At)
	if err != nil {
		metrics.Scan("gate_error")
		return r.reject(ev, classify("scan.gate", err))
	}
	if !accepted {
		metrics.Scan("suppressed")
		return r.suppress(ev)
	}

	key := "scan:" + raw
	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		metrics.Scan("suppressed")
		return r.suppress(ev)
	}
	r.inflight[key] = ""
	r.mu.Unlock()
	metrics.Scan("accepted")
	r.notify()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, r.opts.CommitTimeout)
	res, err := r.backend.Scan(cctx, sessionID, raw)
	cancel()
	took := time.Since(start)

	if err != nil {
		aerr := classify("scan", err)
		// An already-marked code stays cooling down; anything else may be retried.
		if aerr.Kind != KindAlreadyMarked {
			if rerr := gate.Release(ctx, raw, ev.At); rerr != nil {
				log.Printf("session %s release cooldown failed: %v", sessionID, rerr)
			}
		}
		gate.EvictStale(ctx, r.opts.Now())

		r.mu.Lock()
		delete(r.inflight, key)
		out := r.outcomeLocked(ev, ResultFailed, aerr)
		r.mu.Unlock()

		metrics.Commit(string(ModeQR), aerr.Kind.String(), took)
		if aerr.Kind == KindSessionClosed {
			log.Printf("session %s scan after end ignored", sessionID)
		} else {
			log.Printf("session %s scan failed: %v", sessionID, aerr)
		}
		r.journal(ctx, ev, out)
		r.notify()
		return out
	}

	rec, row := res.Record, res.Student
	if rec.StudentID == "" {
		rec.StudentID = row.StudentID
	}
	if row.StudentID == "" {
		row.StudentID = rec.StudentID
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = r.opts.Now()
	}
	row.Status, row.MarkedAt = rec.Status, rec.MarkedAt

	r.mu.Lock()
	delete(r.inflight, key)
	_, onRoster := r.index[rec.StudentID]
	duplicate := !r.confirm(rec, row) && onRoster
	out := r.outcomeLocked(ev, ResultConfirmed, nil)
	out.StudentID = rec.StudentID
	out.Status = rec.Status
	out.Student = &row
	out.Duplicate = duplicate
	out.OffRoster = !onRoster
	r.mu.Unlock()

	gate.EvictStale(ctx, r.opts.Now())
	metrics.Commit(string(ModeQR), "confirmed", took)
	r.journal(ctx, ev, out)
	r.notify()
	return out
}

// EndSession moves ACTIVE -> ENDING -> ENDED. On failure the session goes
// back to ACTIVE and the error is returned; decisions rejected while ENDING
// are not replayed.
func (r *Reconciler) EndSession(ctx context.Context) (Session, error) {
	r.mu.Lock()
	switch r.state {
	case StateEnded:
		s := r.session
		r.mu.Unlock()
		return s, NewError(KindLifecycle, "end", "session already ended", nil)
	case StateEnding:
		r.mu.Unlock()
		return Session{}, NewError(KindLifecycle, "end", "end already in progress", nil)
	case StateInitializing:
		r.mu.Unlock()
		return Session{}, NewError(KindLifecycle, "end", "session not initialized", nil)
	}
	r.state = StateEnding
	id := r.session.ID
	r.mu.Unlock()
	r.notify()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CommitTimeout)
	ended, err := r.backend.EndSession(cctx, id)
	cancel()

	r.mu.Lock()
	if err != nil {
		aerr := classify("end", err)
		if aerr.Kind != KindSessionClosed {
			r.state = StateActive
			r.mu.Unlock()
			log.Printf("session %s end failed: %v", id, aerr)
			r.notify()
			return Session{}, aerr
		}
		ended = Session{}
	}
	if ended.ID != "" {
		mode := r.session.Mode
		r.session = ended
		if r.session.Mode == "" {
			r.session.Mode = mode
		}
	}
	if r.session.EndedAt == nil {
		now := r.opts.Now().UTC()
		r.session.EndedAt = &now
	}
	r.state = StateEnded
	s, c := r.session, r.counters
	r.mu.Unlock()

	log.Printf("session %s ended: present=%d absent=%d remaining=%d", id, c.Present, c.Absent, c.Remaining)
	r.notify()
	return s, nil
}

// Snapshot returns the current view.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Session returns the session as last reported by the server.
func (r *Reconciler) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// State returns the lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Counters returns the running tally.
func (r *Reconciler) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// IsMarked reports whether studentID has a confirmed record.
func (r *Reconciler) IsMarked(studentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isMarked(studentID)
}

// MarkedCount is the size of the confirmed set.
func (r *Reconciler) MarkedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.marked)
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func removes it.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) guard(mode Mode, op string) *Error {
	if r.state != StateActive {
		log.Printf("session %s: %s rejected in state %s", r.session.ID, op, r.state)
		return NewError(KindLifecycle, op, "session is "+strings.ToLower(r.state.String()), nil)
	}
	if r.session.Mode != mode {
		return NewError(KindLifecycle, op, fmt.Sprintf("%s not supported in %s session", op, r.session.Mode), nil)
	}
	return nil
}

// adopt records a server-confirmed row found on resume or resync. Students
// with a commit in flight are left to that commit.
func (r *Reconciler) adopt(m MarkedStudent) bool {
	if _, busy := r.inflight[m.StudentID]; busy {
		return false
	}
	st, err := ParseStatus(string(m.Status))
	if err != nil {
		st = StatusPresent
	}
	m.Status = st
	rec := Record{SessionID: r.session.ID, StudentID: m.StudentID, Status: st, MarkedAt: m.MarkedAt}
	if _, ok := r.marked[m.StudentID]; ok {
		return false
	}
	if _, onRoster := r.index[m.StudentID]; !onRoster {
		if !r.listed[m.StudentID] {
			r.listed[m.StudentID] = true
			r.list = append(r.list, m)
		}
		return false
	}
	r.marked[m.StudentID] = rec
	r.counters.apply(st, +1)
	if !r.listed[m.StudentID] {
		r.listed[m.StudentID] = true
		r.list = append(r.list, m)
	}
	return true
}

// confirm records a live confirmation and reports whether it was new.
// Off-roster students are listed but never counted.
func (r *Reconciler) confirm(rec Record, row MarkedStudent) bool {
	if _, ok := r.marked[rec.StudentID]; ok {
		return false
	}
	if !r.listed[rec.StudentID] {
		r.listed[rec.StudentID] = true
		r.list = append([]MarkedStudent{row}, r.list...)
	}
	if _, onRoster := r.index[rec.StudentID]; !onRoster {
		return false
	}
	r.marked[rec.StudentID] = rec
	r.counters.apply(rec.Status, +1)
	return true
}

func (r *Reconciler) rowFor(e RosterEntry, rec Record) MarkedStudent {
	return MarkedStudent{
		StudentID:   rec.StudentID,
		Name:        e.DisplayName(),
		StudentCode: e.StudentCode,
		Email:       e.Email,
		Status:      rec.Status,
		MarkedAt:    rec.MarkedAt,
	}
}

func (r *Reconciler) isMarked(studentID string) bool {
	_, ok := r.marked[studentID]
	return ok
}

// presented is the student the manual surface should show: retries first.
func (r *Reconciler) presented() (RosterEntry, bool) {
	if len(r.retry) > 0 {
		return r.retry[0], true
	}
	if r.cursor == nil {
		return RosterEntry{}, false
	}
	return r.cursor.Current()
}

func (r *Reconciler) takePresented(id string) {
	if len(r.retry) > 0 && r.retry[0].ID == id {
		r.retry = r.retry[1:]
		return
	}
	if r.cursor == nil {
		return
	}
	if cur, ok := r.cursor.Current(); ok && cur.ID == id {
		if err := r.cursor.Advance(); err != nil {
			log.Printf("session %s: %v", r.session.ID, err)
		}
	}
}

func (r *Reconciler) skipMarked() {
	if r.cursor != nil {
		r.cursor.SkipMarked(r.isMarked)
	}
	kept := r.retry[:0]
	for _, e := range r.retry {
		if !r.isMarked(e.ID) {
			kept = append(kept, e)
		}
	}
	r.retry = kept
}

func (r *Reconciler) complete() bool {
	if r.session.Mode != ModeManual || r.cursor == nil {
		return false
	}
	return r.cursor.IsComplete() && len(r.retry) == 0 && len(r.inflight) == 0
}

func (r *Reconciler) snapshotLocked() Snapshot {
	s := Snapshot{
		Session:    r.session,
		State:      r.state,
		Counters:   r.counters,
		RosterSize: len(r.roster),
		Complete:   r.complete(),
		Pending:    len(r.inflight),
		Marked:     append([]MarkedStudent(nil), r.list...),
	}
	if r.cursor != nil {
		s.Position = r.cursor.Position()
	}
	if cur, ok := r.presented(); ok {
		c := cur
		s.Current = &c
	}
	return s
}

func (r *Reconciler) outcomeLocked(ev Event, res Result, err *Error) Outcome {
	return Outcome{
		EventID:   ev.ID,
		Kind:      ev.Kind,
		Result:    res,
		StudentID: ev.StudentID,
		Status:    ev.Status,
		Err:       err,
		Counters:  r.counters,
	}
}

func (r *Reconciler) withCounters(o Outcome) Outcome {
	o.Counters = r.Counters()
	return o
}

func (r *Reconciler) reject(ev Event, err *Error) Outcome {
	r.mu.Lock()
	out := r.outcomeLocked(ev, ResultFailed, err)
	r.mu.Unlock()
	return out
}

func (r *Reconciler) suppress(ev Event) Outcome {
	r.mu.Lock()
	out := r.outcomeLocked(ev, ResultSuppressed, nil)
	r.mu.Unlock()
	return out
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	if len(r.subs) == 0 {
		r.mu.Unlock()
		return
	}
	snap := r.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (r *Reconciler) journal(ctx context.Context, ev Event, out Outcome) {
	if r.opts.Journal == nil {
		return
	}
	a := Attempt{
		ID:         ev.ID,
		SessionID:  r.Session().ID,
		Mode:       r.Session().Mode,
		StudentID:  out.StudentID,
		RawCode:    ev.RawCode,
		Status:     out.Status,
		Outcome:    string(out.Result),
		OccurredAt: ev.At.UTC(),
	}
	if out.Err != nil {
		a.Outcome = out.Err.Kind.String()
		a.Error = out.Err.Error()
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.opts.Journal.RecordAttempt(jctx, a); err != nil {
		log.Printf("journal write failed for %s: %v", ev.ID, err)
	}
}
