// Package intercept implements component C7: Fetch domain request
// interception. It is named intercept rather than fetch to avoid shadowing
// cdproto/fetch, the package it wraps. Grounded on the EdgeComet-jsbug
// renderer's chromedp.ListenTarget + fetch.EventRequestPaused handling
// (per-event goroutine, bounded continue/fail fallback) and the teacher's
// call.go/eval.go style of typed command wrappers around cdproto.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stephanlensky/zendriver/eventbus"
	"github.com/stephanlensky/zendriver/tab"
	"github.com/stephanlensky/zendriver/zderrors"
)

// DefaultAutoContinueDeadline is how long a PausedRequest waits for a
// handler to resolve it before the interceptor continues it automatically.
const DefaultAutoContinueDeadline = 20 * time.Second

// PausedRequest is one paused request, resolved exactly once via Continue,
// Fulfill or Fail. A second resolution attempt returns
// zderrors.AlreadyResolved rather than silently succeeding, per the spec.
type PausedRequest struct {
	RequestID fetch.RequestID
	URL       string
	Method    string
	Headers   map[string]string
	IsNav     bool

	tb *tab.Tab

	mu       sync.Mutex
	resolved bool
	done     chan struct{}
}

func (p *PausedRequest) markResolved() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return zderrors.New(zderrors.KindAlreadyResolved, zderrors.WithMethod("Fetch.*"), zderrors.WithMessage(string(p.RequestID)))
	}
	p.resolved = true
	close(p.done)
	return nil
}

// Continue lets the request proceed unmodified, or with the given
// overrides applied.
func (p *PausedRequest) Continue(ctx context.Context, opts ...ContinueOption) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	params := &fetch.ContinueRequestParams{RequestID: p.RequestID}
	for _, o := range opts {
		o(params)
	}
	return p.tb.Send(ctx, "Fetch.continueRequest", params, nil)
}

// ContinueOption overrides part of a continued request.
type ContinueOption func(*fetch.ContinueRequestParams)

// WithURL rewrites the request's URL before it is sent.
func WithURL(url string) ContinueOption {
	return func(p *fetch.ContinueRequestParams) { p.URL = url }
}

// WithMethod rewrites the request's HTTP method.
func WithMethod(method string) ContinueOption {
	return func(p *fetch.ContinueRequestParams) { p.Method = method }
}

// Fulfill answers the request locally with the given status, headers and
// body, without letting it reach the network.
func (p *PausedRequest) Fulfill(ctx context.Context, status int64, headers map[string]string, body []byte) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	hdrs := make([]*fetch.HeaderEntry, 0, len(headers))
	for k, v := range headers {
		hdrs = append(hdrs, &fetch.HeaderEntry{Name: k, Value: v})
	}
	params := &fetch.FulfillRequestParams{
		RequestID:       p.RequestID,
		ResponseCode:    status,
		ResponseHeaders: hdrs,
		Body:            body,
	}
	return p.tb.Send(ctx, "Fetch.fulfillRequest", params, nil)
}

// Fail aborts the request with the given network error reason.
func (p *PausedRequest) Fail(ctx context.Context, reason network.ErrorReason) error {
	if err := p.markResolved(); err != nil {
		return err
	}
	params := &fetch.FailRequestParams{RequestID: p.RequestID, ErrorReason: reason}
	return p.tb.Send(ctx, "Fetch.failRequest", params, nil)
}

// Handler reacts to one paused request. It should resolve req (Continue,
// Fulfill or Fail) before returning, though the Interceptor will auto
// continue it if the handler takes longer than the configured deadline.
type Handler func(ctx context.Context, req *PausedRequest)

// registeredHandler pairs a handler with the token it was registered under,
// kept in a slice (not a map) so dispatch order matches registration order.
type registeredHandler struct {
	id uuid.UUID
	h  Handler
}

// Interceptor owns the Fetch domain for one tab.
type Interceptor struct {
	tb  *tab.Tab
	log *zap.SugaredLogger

	deadline time.Duration

	mu       sync.Mutex
	handlers []registeredHandler

	sub *eventbus.Subscription
}

// Option customizes an Interceptor.
type Option func(*Interceptor)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(i *Interceptor) { i.log = l } }

// WithAutoContinueDeadline overrides DefaultAutoContinueDeadline.
func WithAutoContinueDeadline(d time.Duration) Option {
	return func(i *Interceptor) { i.deadline = d }
}

// Enable turns on request interception for tb, matching every URL pattern
// given (an empty list matches everything).
func Enable(ctx context.Context, tb *tab.Tab, patterns []string, opts ...Option) (*Interceptor, error) {
	i := &Interceptor{
		tb:       tb,
		log:      zap.NewNop().Sugar(),
		deadline: DefaultAutoContinueDeadline,
	}
	for _, o := range opts {
		o(i)
	}

	reqPatterns := make([]*fetch.RequestPattern, 0, len(patterns))
	for _, p := range patterns {
		reqPatterns = append(reqPatterns, &fetch.RequestPattern{URLPattern: p})
	}
	if len(reqPatterns) == 0 {
		reqPatterns = append(reqPatterns, &fetch.RequestPattern{URLPattern: "*"})
	}

	params := &fetch.EnableParams{Patterns: reqPatterns}
	if err := tb.Send(ctx, "Fetch.enable", params, nil); err != nil {
		return nil, err
	}

	i.sub = tb.Bus().Subscribe([]eventbus.Kind{"Fetch.requestPaused"})
	go i.watch()

	return i, nil
}

func (i *Interceptor) watch() {
	for env := range i.sub.C() {
		if env.Dropped > 0 {
			i.log.Warnw("dropped Fetch.requestPaused events", "count", env.Dropped)
			continue
		}
		if env.SessionID != i.tb.SessionID() {
			continue
		}
		ev, ok := env.Value.(*fetch.EventRequestPaused)
		if !ok {
			continue
		}
		go i.handle(ev)
	}
}

func (i *Interceptor) handle(ev *fetch.EventRequestPaused) {
	headers := make(map[string]string, len(ev.Request.Headers))
	for k, v := range ev.Request.Headers {
		headers[k] = fmt.Sprint(v)
	}

	req := &PausedRequest{
		RequestID: ev.RequestID,
		URL:       ev.Request.URL,
		Method:    ev.Request.Method,
		Headers:   headers,
		IsNav:     ev.ResourceType == network.ResourceTypeDocument,
		tb:        i.tb,
		done:      make(chan struct{}),
	}

	i.mu.Lock()
	hdls := make([]Handler, len(i.handlers))
	for idx, rh := range i.handlers {
		hdls[idx] = rh.h
	}
	i.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), i.deadline)
	defer cancel()

	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for _, h := range hdls {
			select {
			case <-req.done:
				// Already resolved by an earlier handler in registration order;
				// subsequent handlers do not see the record.
				return
			default:
			}
			h(ctx, req)
		}
	}()

	select {
	case <-req.done:
		<-handled // keep ctx alive until the resolving handler returns
		return
	case <-ctx.Done():
		i.log.Warnw("auto-continuing unresolved request", "url", req.URL, "deadline", i.deadline)
		if err := req.Continue(context.Background()); err != nil && !errors.Is(err, zderrors.AlreadyResolved) {
			i.log.Warnw("auto-continue failed", "url", req.URL, "error", err)
		}
	}
}

// HandlerToken identifies a registered handler for RemoveHandler.
type HandlerToken uuid.UUID

// OnRequestPaused registers a handler invoked for every paused request.
// Handlers run in registration order; whichever resolves the request first
// wins, and handlers later in the order never see it, per the spec's
// ordered-handler-registration requirement.
func (i *Interceptor) OnRequestPaused(h Handler) HandlerToken {
	id := uuid.New()
	i.mu.Lock()
	i.handlers = append(i.handlers, registeredHandler{id: id, h: h})
	i.mu.Unlock()
	return HandlerToken(id)
}

// RemoveHandler unregisters a handler installed with OnRequestPaused.
func (i *Interceptor) RemoveHandler(tok HandlerToken) {
	id := uuid.UUID(tok)
	i.mu.Lock()
	for idx, rh := range i.handlers {
		if rh.id == id {
			i.handlers = append(i.handlers[:idx], i.handlers[idx+1:]...)
			break
		}
	}
	i.mu.Unlock()
}

// Disable turns off interception and stops the interceptor's background
// watcher.
func (i *Interceptor) Disable(ctx context.Context) error {
	i.sub.Unsubscribe()
	return i.tb.Send(ctx, "Fetch.disable", nil, nil)
}
