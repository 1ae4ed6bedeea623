// Package browser implements component C8: the top-level supervisor that
// owns the Connection to one browser instance and the session/target
// machinery built on top of it, generalizing the teacher's Browser struct
// (browser.go) from "one Browser per process, one pages map" into
// "one Browser per Connection, tabs opened and closed through the target
// manager and session router".
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	cdptarget "github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/stephanlensky/zendriver/launcher"
	"github.com/stephanlensky/zendriver/session"
	"github.com/stephanlensky/zendriver/tab"
	zdtarget "github.com/stephanlensky/zendriver/target"
	"github.com/stephanlensky/zendriver/transport"
	"github.com/stephanlensky/zendriver/zderrors"
	"github.com/stephanlensky/zendriver/zdlog"
)

// Browser owns one DevTools Connection and the session/target bookkeeping
// built on it.
type Browser struct {
	conn     *transport.Connection
	sessions *session.Router
	targets  *zdtarget.Manager
	log      *zap.SugaredLogger
	cleanup  func()

	mu   sync.Mutex
	tabs map[cdptarget.ID]*tab.Tab
	main *tab.Tab // the initial page target, resolved lazily by MainTab
}

// Option customizes Launch.
type Option func(*options)

type options struct {
	verbose bool
}

// WithVerbose selects zdlog's development logger instead of production
// JSON, matching the teacher's WithDebugf.
func WithVerbose(v bool) Option { return func(o *options) { o.verbose = v } }

// Launch allocates a browser via alloc (an ExecAllocator or
// RemoteAllocator), opens the DevTools connection, and starts target
// discovery. The returned Browser owns the connection until Close.
func Launch(ctx context.Context, alloc launcher.Allocator, opts ...Option) (*Browser, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	log := zdlog.New(o.verbose)

	wsURL, allocCleanup, err := alloc.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := transport.Open(ctx, wsURL, transport.WithLogger(log))
	if err != nil {
		allocCleanup()
		return nil, err
	}

	b := &Browser{
		conn:    conn,
		log:     log,
		cleanup: allocCleanup,
		tabs:    make(map[cdptarget.ID]*tab.Tab),
	}
	b.sessions = session.NewRouter(conn, session.WithLogger(log))
	b.targets = zdtarget.NewManager(conn, zdtarget.WithLogger(log))

	if err := conn.Send(ctx, "Target.setDiscoverTargets", "", cdptarget.SetDiscoverTargets(true), nil); err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("browser: enable target discovery: %w", err)
	}

	return b, nil
}

// NewTab opens a new page target and attaches a Tab handle to it.
func (b *Browser) NewTab(ctx context.Context, url string) (*tab.Tab, error) {
	if url == "" {
		url = "about:blank"
	}
	targetID, err := b.targets.CreateTarget(ctx, url)
	if err != nil {
		return nil, err
	}
	return b.attachTab(ctx, targetID)
}

func (b *Browser) attachTab(ctx context.Context, targetID cdptarget.ID) (*tab.Tab, error) {
	sess, err := b.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	t, err := tab.New(ctx, sess, tab.WithLogger(b.log))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.tabs[targetID] = t
	b.mu.Unlock()
	return t, nil
}

// MainTab returns the browser's initial page tab, the blank tab Chrome
// opens at startup, attaching to it on first call and caching the result
// thereafter. Target discovery is asynchronous, so this polls the target
// manager briefly until a page target shows up, the same polling idiom
// tab.WaitFor uses.
func (b *Browser) MainTab(ctx context.Context) (*tab.Tab, error) {
	b.mu.Lock()
	if b.main != nil {
		t := b.main
		b.mu.Unlock()
		return t, nil
	}
	b.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, info := range b.targets.List() {
			if info.Type != "page" {
				continue
			}
			t, err := b.attachTab(ctx, info.TargetID)
			if err != nil {
				return nil, err
			}
			b.mu.Lock()
			b.main = t
			b.mu.Unlock()
			return t, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, zderrors.New(zderrors.KindTimeout, zderrors.WithMessage("no page target appeared"), zderrors.WithErr(ctx.Err()))
		}
	}
}

// Tabs returns every open Tab.
func (b *Browser) Tabs() []*tab.Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*tab.Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		out = append(out, t)
	}
	return out
}

// CloseTab closes one tab's target.
func (b *Browser) CloseTab(ctx context.Context, t *tab.Tab) error {
	b.mu.Lock()
	delete(b.tabs, t.TargetID())
	b.mu.Unlock()
	return t.Close(ctx)
}

// Targets returns a snapshot of every target the browser currently knows
// about, including ones this Browser hasn't attached a Tab to.
func (b *Browser) Targets() []zdtarget.Info { return b.targets.List() }

// Close stops the target manager and the session router's detach watcher,
// closes the connection (ending every tab's session without sending
// Target.detachFromTarget), and runs the allocator's cleanup (killing the child process for an ExecAllocator, a
// no-op for a RemoteAllocator).
func (b *Browser) Close(ctx context.Context) error {
	b.targets.Close()
	b.sessions.Close()
	err := b.conn.Close()
	if b.cleanup != nil {
		b.cleanup()
	}
	return err
}
