// Package tab implements the per-target half of component C5: a Tab is a
// handle to one attached page target, offering navigation, evaluation and
// input the way the teacher's target.go/eval.go/call.go/input.go do,
// generalized onto this module's session.Router instead of chromedp's own
// internal context.
package tab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/stephanlensky/zendriver/eventbus"
	"github.com/stephanlensky/zendriver/session"
	"github.com/stephanlensky/zendriver/zderrors"
)

// RemoteObjectRef is an opaque handle to a live JavaScript object on this
// tab's main execution context. It must be released with Release once the
// caller is done with it; per the spec's data model, these tokens have an
// explicit lifetime rather than being garbage collected implicitly.
type RemoteObjectRef struct {
	tab *Tab
	id  runtime.RemoteObjectID
}

// Release frees the remote object. Safe to call more than once.
func (r *RemoteObjectRef) Release(ctx context.Context) error {
	if r.id == "" {
		return nil
	}
	err := r.tab.sess.Conn().Send(ctx, "Runtime.releaseObject", r.tab.sess.ID, &runtime.ReleaseObjectParams{ObjectID: r.id}, nil)
	r.id = ""
	return err
}

// Tab is a handle to one attached page target.
type Tab struct {
	sess *session.Session
	log  *zap.SugaredLogger

	mu         sync.Mutex
	navEpoch   uint64 // bumped on every new Navigate call
	curFrameID cdp.FrameID
	curURL     string

	navSub *eventbus.Subscription
}

// Option customizes a Tab.
type Option func(*Tab)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(t *Tab) { t.log = l } }

// New wraps an attached session as a Tab and enables the CDP domains a tab
// needs (Page, DOM, Runtime), mirroring the teacher's context.go
// newSession enable sequence.
func New(ctx context.Context, sess *session.Session, opts ...Option) (*Tab, error) {
	t := &Tab{sess: sess, log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(t)
	}

	for _, err := range []error{
		sess.Conn().Send(ctx, "Page.enable", sess.ID, nil, nil),
		sess.Conn().Send(ctx, "DOM.enable", sess.ID, nil, nil),
		sess.Conn().Send(ctx, "Runtime.enable", sess.ID, nil, nil),
	} {
		if err != nil {
			return nil, zderrors.Wrapf(err, "enable domains for session %s", sess.ID)
		}
	}

	t.navSub = sess.Conn().Bus().Subscribe([]eventbus.Kind{"Page.frameNavigated"})
	go t.watchNavigation()

	var hist page.GetNavigationHistoryReturns
	if err := sess.Conn().Send(ctx, "Page.getNavigationHistory", sess.ID, nil, &hist); err == nil {
		if hist.CurrentIndex >= 0 && hist.CurrentIndex < int64(len(hist.Entries)) {
			t.curURL = hist.Entries[hist.CurrentIndex].URL
		}
	}

	return t, nil
}

func (t *Tab) watchNavigation() {
	for env := range t.navSub.C() {
		if env.Dropped > 0 || env.SessionID != t.sess.ID {
			continue
		}
		ev, ok := env.Value.(*page.EventFrameNavigated)
		if !ok || ev.Frame == nil || ev.Frame.ParentID != "" {
			continue // only the main frame changes curFrameID
		}
		t.mu.Lock()
		t.curFrameID = ev.Frame.ID
		t.curURL = ev.Frame.URL
		t.mu.Unlock()
	}
}

// URL returns the main frame's current URL: seeded at construction from
// Page.getNavigationHistory and updated by each Page.frameNavigated event for
// the top-level frame. Empty if neither has reported a URL.
func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curURL
}

// Bus returns the event bus events for this tab's session are published
// to, shared with every other tab on the same connection (subscribers
// filter by SessionID as needed).
func (t *Tab) Bus() *eventbus.Bus { return t.sess.Conn().Bus() }

// SessionID returns the CDP sessionId this Tab is scoped to.
func (t *Tab) SessionID() cdptarget.SessionID { return t.sess.ID }

// TargetID returns the CDP targetId this Tab is attached to.
func (t *Tab) TargetID() cdptarget.ID { return t.sess.TargetID }

// Navigate loads url and waits for the main frame to finish loading, per
// the spec's resolved Open Question (Page.frameStoppedLoading is
// authoritative, not Page.loadEventFired, since loadEventFired never fires
// for a page that triggers a download or a same-document navigation). The
// main frame is the one last reported by Page.frameNavigated; until one has
// been seen, a frameStoppedLoading for any frame of the tab counts. A
// navigation started while this one is still pending supersedes it: the
// superseded caller gets zderrors.NavigationSuperseded rather than hanging
// until its own deadline.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.mu.Lock()
	t.navEpoch++
	myEpoch := t.navEpoch
	t.mu.Unlock()

	sub := t.sess.Conn().Bus().Subscribe([]eventbus.Kind{"Page.frameStoppedLoading"})
	defer sub.Unsubscribe()

	if err := t.sess.Conn().Send(ctx, "Page.navigate", t.sess.ID, &page.NavigateParams{URL: url}, nil); err != nil {
		return zderrors.Wrapf(err, "navigate to %s", url)
	}

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return zderrors.New(zderrors.KindConnectionClosed, zderrors.WithMethod("Page.navigate"))
			}
			if env.Dropped > 0 || env.SessionID != t.sess.ID {
				continue
			}

			ev, _ := env.Value.(*page.EventFrameStoppedLoading)
			t.mu.Lock()
			superseded := t.navEpoch != myEpoch
			subframe := ev != nil && t.curFrameID != "" && ev.FrameID != t.curFrameID
			t.mu.Unlock()
			if subframe {
				continue
			}
			if superseded {
				return zderrors.New(zderrors.KindNavigationSuperseded, zderrors.WithMethod("Page.navigate"), zderrors.WithMessage(url))
			}
			return nil

		case <-ctx.Done():
			return zderrors.New(zderrors.KindCancelled, zderrors.WithMethod("Page.navigate"), zderrors.WithErr(ctx.Err()))
		}
	}
}

// Reload reloads the current page and waits for it to finish loading.
func (t *Tab) Reload(ctx context.Context) error {
	sub := t.sess.Conn().Bus().Subscribe([]eventbus.Kind{"Page.frameStoppedLoading"})
	defer sub.Unsubscribe()

	if err := t.sess.Conn().Send(ctx, "Page.reload", t.sess.ID, &page.ReloadParams{}, nil); err != nil {
		return zderrors.Wrapf(err, "reload")
	}

	select {
	case _, ok := <-sub.C():
		if !ok {
			return zderrors.New(zderrors.KindConnectionClosed, zderrors.WithMethod("Page.reload"))
		}
		return nil
	case <-ctx.Done():
		return zderrors.New(zderrors.KindCancelled, zderrors.WithMethod("Page.reload"), zderrors.WithErr(ctx.Err()))
	}
}

// Back navigates to the previous history entry.
func (t *Tab) Back(ctx context.Context) error { return t.navigateHistory(ctx, -1) }

// Forward navigates to the next history entry.
func (t *Tab) Forward(ctx context.Context) error { return t.navigateHistory(ctx, 1) }

func (t *Tab) navigateHistory(ctx context.Context, delta int) error {
	var hist page.GetNavigationHistoryReturns
	if err := t.sess.Conn().Send(ctx, "Page.getNavigationHistory", t.sess.ID, nil, &hist); err != nil {
		return err
	}
	target := hist.CurrentIndex + int64(delta)
	if target < 0 || target >= int64(len(hist.Entries)) {
		return zderrors.New(zderrors.KindConfigError, zderrors.WithMessage("no such history entry"))
	}

	sub := t.sess.Conn().Bus().Subscribe([]eventbus.Kind{"Page.frameStoppedLoading"})
	defer sub.Unsubscribe()

	entry := hist.Entries[target]
	params := &page.NavigateToHistoryEntryParams{EntryID: entry.ID}
	if err := t.sess.Conn().Send(ctx, "Page.navigateToHistoryEntry", t.sess.ID, params, nil); err != nil {
		return err
	}

	select {
	case <-sub.C():
		return nil
	case <-ctx.Done():
		return zderrors.New(zderrors.KindCancelled, zderrors.WithErr(ctx.Err()))
	}
}

// Close closes this tab's target outright.
func (t *Tab) Close(ctx context.Context) error {
	t.navSub.Unsubscribe()
	return t.sess.Conn().Send(ctx, "Target.closeTarget", "", &cdptarget.CloseTargetParams{TargetID: t.sess.TargetID}, nil)
}

// Evaluate runs a JavaScript expression in the tab's main execution context
// and decodes the result into res (a pointer), mirroring the teacher's
// eval.go behavior for the common "evaluate expression, want the value"
// case. Pass a nil res to evaluate purely for side effects.
func (t *Tab) Evaluate(ctx context.Context, expression string, res interface{}) error {
	params := runtime.Evaluate(expression).WithReturnByValue(res != nil)
	var out runtime.EvaluateReturns
	if err := t.sess.Conn().Send(ctx, "Runtime.evaluate", t.sess.ID, params, &out); err != nil {
		return err
	}
	if out.ExceptionDetails != nil {
		return zderrors.New(zderrors.KindProtocol, zderrors.WithMethod("Runtime.evaluate"), zderrors.WithMessage(out.ExceptionDetails.Text))
	}
	if res == nil {
		return nil
	}
	if out.Result == nil || len(out.Result.Value) == 0 {
		return fmt.Errorf("tab: evaluate %q: undefined value", expression)
	}
	return easyUnmarshalInto(out.Result.Value, res)
}

// EvaluateObject is like Evaluate but keeps the result as a live remote
// object rather than serializing it to res, returning a RemoteObjectRef the
// caller must Release.
func (t *Tab) EvaluateObject(ctx context.Context, expression string) (*RemoteObjectRef, error) {
	params := runtime.Evaluate(expression)
	var out runtime.EvaluateReturns
	if err := t.sess.Conn().Send(ctx, "Runtime.evaluate", t.sess.ID, params, &out); err != nil {
		return nil, err
	}
	if out.ExceptionDetails != nil {
		return nil, zderrors.New(zderrors.KindProtocol, zderrors.WithMethod("Runtime.evaluate"), zderrors.WithMessage(out.ExceptionDetails.Text))
	}
	return &RemoteObjectRef{tab: t, id: out.Result.ObjectID}, nil
}

func easyUnmarshalInto(raw easyjson.RawMessage, res interface{}) error {
	if u, ok := res.(easyjson.Unmarshaler); ok {
		return easyjson.Unmarshal(raw, u)
	}
	return jsonUnmarshal(raw, res)
}

// WaitFor polls expression (a JavaScript boolean expression) until it
// evaluates true or ctx is done, evaluating once per interval. There is no
// attempt cap: the caller's context deadline is the only bound, matching the
// teacher's sel.go polling idiom.
func (t *Tab) WaitFor(ctx context.Context, expression string, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var ok bool
		if err := t.Evaluate(ctx, expression, &ok); err == nil && ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return zderrors.New(zderrors.KindTimeout, zderrors.WithMessage(expression), zderrors.WithErr(ctx.Err()))
		}
	}
}

// DispatchMouseClick clicks at the given page coordinates using a
// press-then-release pair, mirroring the teacher's input.go MouseAction.
func (t *Tab) DispatchMouseClick(ctx context.Context, x, y float64) error {
	press := &input.DispatchMouseEventParams{
		Type:       input.MousePressed,
		X:          x,
		Y:          y,
		Button:     input.Left,
		ClickCount: 1,
	}
	release := &input.DispatchMouseEventParams{
		Type:       input.MouseReleased,
		X:          x,
		Y:          y,
		Button:     input.Left,
		ClickCount: 1,
	}
	if err := t.sess.Conn().Send(ctx, "Input.dispatchMouseEvent", t.sess.ID, press, nil); err != nil {
		return err
	}
	return t.sess.Conn().Send(ctx, "Input.dispatchMouseEvent", t.sess.ID, release, nil)
}

// DispatchKeyEvent sends one key down/up pair for text, mirroring the
// teacher's input.go KeyAction loop. text is passed as-is in the events'
// Text field; no key code or key name is set.
func (t *Tab) DispatchKeyEvent(ctx context.Context, text string) error {
	down := &input.DispatchKeyEventParams{Type: input.KeyDown, Text: text}
	up := &input.DispatchKeyEventParams{Type: input.KeyUp, Text: text}
	if err := t.sess.Conn().Send(ctx, "Input.dispatchKeyEvent", t.sess.ID, down, nil); err != nil {
		return err
	}
	return t.sess.Conn().Send(ctx, "Input.dispatchKeyEvent", t.sess.ID, up, nil)
}

// DOMRoot returns the root document node, the starting point for any
// selector query the element package issues.
func (t *Tab) DOMRoot(ctx context.Context) (*cdp.Node, error) {
	var res dom.GetDocumentReturns
	if err := t.sess.Conn().Send(ctx, "DOM.getDocument", t.sess.ID, &dom.GetDocumentParams{Depth: -1, Pierce: true}, &res); err != nil {
		return nil, err
	}
	return res.Root, nil
}

// Send exposes the underlying session's raw Send for packages (element,
// intercept) that need to issue commands this Tab doesn't wrap directly.
func (t *Tab) Send(ctx context.Context, method cdproto.MethodType, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return t.sess.Conn().Send(ctx, method, t.sess.ID, params, res)
}
