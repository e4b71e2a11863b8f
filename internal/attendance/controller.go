package attendance

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"rollcall/internal/metrics"
)

// CaptureSource produces events for a live session. Stop must return only
// once the source will not submit anything further.
type CaptureSource interface {
	Stop()
}

// StopFunc adapts a function to CaptureSource.
type StopFunc func()

// Stop implements CaptureSource.
func (f StopFunc) Stop() { f() }

type liveSession struct {
	rec     *Reconciler
	sources []CaptureSource
	ready   chan struct{}
	err     error
}

// Controller starts or resumes sessions and keeps one reconciler per live
// session in this process.
type Controller struct {
	backend Backend
	opts    Options

	mu   sync.Mutex
	live map[string]*liveSession
}

// NewController creates a controller backed by the attendance server.
func NewController(backend Backend, opts Options) *Controller {
	return &Controller{
		backend: backend,
		opts:    opts.withDefaults(),
		live:    make(map[string]*liveSession),
	}
}

// Start returns the classroom's active session, creating one only when the
// server has none. A create conflict carrying the active session is adopted.
func (c *Controller) Start(ctx context.Context, classroomID string, mode Mode, topic string) (Session, error) {
	req := NewSession{ClassroomID: classroomID, Mode: mode, Topic: topic}
	if err := ValidateNewSession(req); err != nil {
		return Session{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.CommitTimeout)
	defer cancel()

	active, err := c.backend.ActiveSession(cctx, classroomID)
	if err != nil {
		return Session{}, classify("session.active", err)
	}
	if active != nil && active.Active() {
		log.Printf("classroom %s has active session %s, resuming", classroomID, active.ID)
		return *active, nil
	}

	created, err := c.backend.CreateSession(cctx, req)
	if err == nil {
		log.Printf("created %s session %s for classroom %s", created.Mode, created.ID, classroomID)
		return created, nil
	}
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindConflict {
		return Session{}, classify("session.create", err)
	}
	if ae.Session != nil {
		log.Printf("classroom %s create conflicted, adopting session %s", classroomID, ae.Session.ID)
		return *ae.Session, nil
	}
	// Conflict without the session in the body: ask again.
	active, err = c.backend.ActiveSession(cctx, classroomID)
	if err != nil {
		return Session{}, classify("session.active", err)
	}
	if active == nil {
		return Session{}, ae
	}
	return *active, nil
}

// Resume returns the live reconciler for s, initializing one if needed.
// Concurrent callers for the same session share a single initialization.
func (c *Controller) Resume(ctx context.Context, s Session) (*Reconciler, error) {
	if s.ID == "" {
		return nil, NewError(KindValidation, "session.resume", "session id required", nil)
	}
	c.mu.Lock()
	if ls, ok := c.live[s.ID]; ok {
		c.mu.Unlock()
		select {
		case <-ls.ready:
		case <-ctx.Done():
			return nil, classify("session.resume", ctx.Err())
		}
		if ls.err != nil {
			return nil, ls.err
		}
		return ls.rec, nil
	}
	ls := &liveSession{rec: NewReconciler(c.backend, s, c.opts), ready: make(chan struct{})}
	c.live[s.ID] = ls
	c.mu.Unlock()

	err := ls.rec.Initialize(ctx)
	ls.err = err
	close(ls.ready)

	// A session that was already closed is readable but not live.
	c.mu.Lock()
	if err != nil || ls.rec.State() == StateEnded {
		if c.live[s.ID] == ls {
			delete(c.live, s.ID)
		}
	}
	n := len(c.live)
	c.mu.Unlock()
	metrics.LiveSessions(n)

	if err != nil {
		log.Printf("resume session %s failed: %v", s.ID, err)
		return nil, err
	}
	return ls.rec, nil
}

// ResumeByID resumes a session known only by id, e.g. after a reload.
func (c *Controller) ResumeByID(ctx context.Context, sessionID string) (*Reconciler, error) {
	return c.Resume(ctx, Session{ID: sessionID})
}

// Live returns the reconciler for a session already live in this process.
func (c *Controller) Live(sessionID string) (*Reconciler, bool) {
	c.mu.Lock()
	ls, ok := c.live[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-ls.ready:
	default:
		return nil, false
	}
	if ls.err != nil {
		return nil, false
	}
	return ls.rec, true
}

// Attach registers a capture source to be stopped before the session ends.
func (c *Controller) Attach(sessionID string, src CaptureSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.live[sessionID]
	if !ok {
		return NewError(KindLifecycle, "session.attach", "session is not live", nil)
	}
	ls.sources = append(ls.sources, src)
	return nil
}

// End stops every capture source of the session, then commits the end. On
// failure the session stays live and the sources stay stopped; the operator
// restarts capture or retries the end.
func (c *Controller) End(ctx context.Context, sessionID string) (Session, error) {
	rec, err := c.ResumeByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	var sources []CaptureSource
	if ls, ok := c.live[sessionID]; ok {
		sources = ls.sources
		ls.sources = nil
	}
	c.mu.Unlock()
	for _, src := range sources {
		src.Stop()
	}

	var ended Session
	if rec.State() == StateEnded {
		ended = rec.Session()
	} else if ended, err = rec.EndSession(ctx); err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	delete(c.live, sessionID)
	n := len(c.live)
	c.mu.Unlock()
	metrics.LiveSessions(n)
	return ended, nil
}

// Sessions lists snapshots of every live session, newest first.
func (c *Controller) Sessions() []Snapshot {
	c.mu.Lock()
	recs := make([]*Reconciler, 0, len(c.live))
	for _, ls := range c.live {
		select {
		case <-ls.ready:
			if ls.err == nil {
				recs = append(recs, ls.rec)
			}
		default:
		}
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Session.CreatedAt.After(out[j].Session.CreatedAt)
	})
	return out
}

// Close stops every attached capture source. Live reconcilers are left as
// they are; in-flight commits finish on their own.
func (c *Controller) Close() {
	c.mu.Lock()
	var sources []CaptureSource
	for _, ls := range c.live {
		sources = append(sources, ls.sources...)
		ls.sources = nil
	}
	c.mu.Unlock()
	for _, src := range sources {
		src.Stop()
	}
}
