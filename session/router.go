// Package session implements component C4: the bidirectional mapping
// between a CDP sessionId and the (Connection, targetId) pair it speaks
// for, created by Target.attachToTarget in flatten mode. It is grounded on
// the teacher's target.go, which keys a Target's lifetime off exactly this
// attach/detach pair, generalized here into a standalone router so the
// session map is available to both the target manager (C5) and the fetch
// interceptor (C7) without either owning it.
package session

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/stephanlensky/zendriver/eventbus"
	"github.com/stephanlensky/zendriver/transport"
	"github.com/stephanlensky/zendriver/zderrors"
)

// Session is one attached CDP session: a sessionId scoped to one targetId
// on one Connection.
type Session struct {
	ID       target.SessionID
	TargetID target.ID
	conn     *transport.Connection
}

// Conn returns the underlying connection commands for this session should
// be sent on.
func (s *Session) Conn() *transport.Connection { return s.conn }

// New builds a Session directly, without going through a Router's
// Target.attachToTarget handshake. Used by packages (and tests) that are
// handed a sessionId from elsewhere, e.g. a Browser reattaching a tab it
// already knows about.
func New(id target.SessionID, targetID target.ID, conn *transport.Connection) *Session {
	return &Session{ID: id, TargetID: targetID, conn: conn}
}

// Router owns the sessionId <-> Session map for one Connection.
type Router struct {
	conn *transport.Connection
	log  *zap.SugaredLogger

	mu       sync.RWMutex
	byID     map[target.SessionID]*Session
	byTarget map[target.ID]*Session

	inflightMu sync.Mutex
	inflight   map[target.ID]chan struct{} // collapses concurrent Attach calls

	detachSub *eventbus.Subscription
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(r *Router) { r.log = l } }

// NewRouter builds a Router over conn and starts tracking
// Target.detachedFromTarget events so Detach can be driven by the browser as
// well as by callers.
func NewRouter(conn *transport.Connection, opts ...Option) *Router {
	r := &Router{
		conn:     conn,
		log:      zap.NewNop().Sugar(),
		byID:     make(map[target.SessionID]*Session),
		byTarget: make(map[target.ID]*Session),
		inflight: make(map[target.ID]chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	r.detachSub = conn.Bus().Subscribe([]eventbus.Kind{"Target.detachedFromTarget"})
	go r.watchDetach()

	return r
}

// watchDetach reacts to Target.detachedFromTarget. The detached session is
// named by the decoded event's own sessionId field; the envelope's SessionID
// is the session the event was delivered on (empty for sessions attached
// from the browser-level connection, as Attach does).
func (r *Router) watchDetach() {
	for env := range r.detachSub.C() {
		ev, ok := env.Value.(*target.EventDetachedFromTarget)
		if env.Dropped > 0 || !ok || ev.SessionID == "" {
			continue
		}
		r.removeSession(ev.SessionID)
	}
}

func (r *Router) removeSession(id target.SessionID) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byTarget, s.TargetID)
	}
	r.mu.Unlock()
	if ok {
		r.log.Debugw("session detached", "session_id", s.ID, "target_id", s.TargetID)
	}
}

// Attach opens a flatten-mode session to targetID, or returns the session
// already attached to it. Concurrent Attach calls for the same targetID
// collapse into a single Target.attachToTarget command: the spec requires
// attach to be idempotent under concurrency, and a naive per-call command
// would otherwise race two sessions into existence for one target.
func (r *Router) Attach(ctx context.Context, targetID target.ID) (*Session, error) {
	if s, ok := r.bySessionTarget(targetID); ok {
		return s, nil
	}

	r.inflightMu.Lock()
	wait, inflight := r.inflight[targetID]
	if inflight {
		r.inflightMu.Unlock()
		select {
		case <-wait:
			if s, ok := r.bySessionTarget(targetID); ok {
				return s, nil
			}
			return nil, zderrors.New(zderrors.KindTargetGone, zderrors.WithTarget(string(targetID)))
		case <-ctx.Done():
			return nil, zderrors.New(zderrors.KindCancelled, zderrors.WithErr(ctx.Err()))
		}
	}
	done := make(chan struct{})
	r.inflight[targetID] = done
	r.inflightMu.Unlock()

	defer func() {
		r.inflightMu.Lock()
		delete(r.inflight, targetID)
		r.inflightMu.Unlock()
		close(done)
	}()

	params := &target.AttachToTargetParams{TargetID: targetID, Flatten: true}
	var res target.AttachToTargetReturns
	if err := r.conn.Send(ctx, "Target.attachToTarget", "", params, &res); err != nil {
		return nil, err
	}

	s := &Session{ID: res.SessionID, TargetID: targetID, conn: r.conn}
	r.mu.Lock()
	r.byID[s.ID] = s
	r.byTarget[targetID] = s
	r.mu.Unlock()

	return s, nil
}

func (r *Router) bySessionTarget(targetID target.ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byTarget[targetID]
	return s, ok
}

// BySessionID looks up a Session by its CDP sessionId.
func (r *Router) BySessionID(id target.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByTargetID looks up a Session by the target it is attached to.
func (r *Router) ByTargetID(id target.ID) (*Session, bool) {
	return r.bySessionTarget(id)
}

// Detach closes a session explicitly. A session the router no longer knows
// (for example one the browser already detached) returns nil without a
// command being sent; otherwise the mapping is removed even if
// Target.detachFromTarget fails, and that error is returned.
func (r *Router) Detach(ctx context.Context, id target.SessionID) error {
	s, ok := r.BySessionID(id)
	if !ok {
		return nil
	}
	err := r.conn.Send(ctx, "Target.detachFromTarget", "", &target.DetachFromTargetParams{SessionID: id}, nil)
	r.removeSession(s.ID)
	return err
}

// Close stops the router's background event watcher. Does not close the
// underlying Connection.
func (r *Router) Close() {
	r.detachSub.Unsubscribe()
}
