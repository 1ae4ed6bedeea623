// Package eventbus implements component C3: the single dispatch point that
// turns inbound CDP events into either a bounded, droppable stream (for
// code that wants to range over events with backpressure visible) or a
// fire-and-forget callback (for code that just wants to react). Every
// publish happens on the Connection's reader goroutine, so a slow or
// panicking subscriber must never be able to stall it.
package eventbus

import (
	"sync"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
)

// Kind is a CDP event method name, e.g. "Page.frameStoppedLoading". It is a
// distinct type rather than a bare string so that subscription call sites
// read as a small closed vocabulary instead of stringly-typed method names.
type Kind string

// DefaultSubscriptionBuffer is the channel capacity used by Subscribe when
// the caller does not override it.
const DefaultSubscriptionBuffer = 256

// Envelope is what a stream subscription receives: a decoded CDP event tied
// to the session it arrived on (empty for browser-level events), or a
// marker that events were dropped because the subscriber fell behind.
type Envelope struct {
	Kind      Kind
	SessionID target.SessionID
	Value     interface{}

	// Dropped is non-zero on a synthetic envelope delivered in place of
	// real events the subscriber's buffer could not hold. Value is nil
	// on a dropped-events envelope.
	Dropped int
}

type subscription struct {
	id      uint64
	kinds   map[Kind]bool // nil means "all kinds"
	ch      chan Envelope
	dropped int
	mu      sync.Mutex // guards dropped and done together
	done    bool
}

type handler struct {
	id    uint64
	kinds map[Kind]bool
	fn    func(Envelope)
}

// Bus fans published events out to subscribers and handlers. The zero value
// is not usable; construct with New.
type Bus struct {
	log *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	hdls   map[uint64]*handler
	nextID uint64

	terminated bool
}

// Option customizes a Bus at construction time.
type Option func(*Bus)

// WithLogger attaches a logger used to report recovered handler panics.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *Bus) { b.log = l }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:  zap.NewNop().Sugar(),
		subs: make(map[uint64]*subscription),
		hdls: make(map[uint64]*handler),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscription is a caller's handle on a stream subscription.
type Subscription struct {
	bus *Bus
	id  uint64
	ch  <-chan Envelope
}

// C is the channel to range over. It is closed when the Bus terminates or
// Unsubscribe is called.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Unsubscribe stops delivery and closes the channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	sub, ok := s.bus.subs[s.id]
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	if ok {
		sub.close()
	}
}

// close marks the subscription done and closes its channel, holding mu so
// a concurrent Publish can never send on an already-closed channel.
func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}

// SubscribeOption configures a single Subscribe call.
type SubscribeOption func(*subscription)

// WithBuffer overrides DefaultSubscriptionBuffer for one subscription.
func WithBuffer(n int) SubscribeOption {
	return func(s *subscription) { s.ch = make(chan Envelope, n) }
}

// Subscribe opens a bounded stream of events. kinds restricts delivery to
// the named methods; an empty kinds list subscribes to everything. When the
// subscriber falls behind, the oldest buffered entries are dropped to make
// room for an Envelope with Dropped set to the number of lost events, queued
// just ahead of the new event (never block the reader, make loss visible).
func (b *Bus) Subscribe(kinds []Kind, opts ...SubscribeOption) *Subscription {
	sub := &subscription{
		ch: make(chan Envelope, DefaultSubscriptionBuffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	for _, o := range opts {
		o(sub)
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	terminated := b.terminated
	b.mu.Unlock()

	if terminated {
		sub.close()
	}

	return &Subscription{bus: b, id: sub.id, ch: sub.ch}
}

// HandlerToken is returned by OnEvent and can be passed to RemoveHandler.
type HandlerToken uint64

// OnEvent registers a callback invoked for every matching event. The
// callback runs synchronously on the publishing goroutine (the Connection's
// reader), so it must not block; a panic is recovered and logged rather
// than propagated, per spec 4.3's "never able to crash the reader" rule.
func (b *Bus) OnEvent(kinds []Kind, fn func(Envelope)) HandlerToken {
	h := &handler{fn: fn}
	if len(kinds) > 0 {
		h.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			h.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	h.id = b.nextID
	b.hdls[h.id] = h
	b.mu.Unlock()

	return HandlerToken(h.id)
}

// RemoveHandler unregisters a handler installed with OnEvent.
func (b *Bus) RemoveHandler(tok HandlerToken) {
	b.mu.Lock()
	delete(b.hdls, uint64(tok))
	b.mu.Unlock()
}

// Publish delivers ev to every matching subscription and handler. It never
// blocks: a full subscription buffer is drained of its oldest entries until
// a Dropped marker and the new event both fit.
func (b *Bus) Publish(kind Kind, sessionID target.SessionID, value interface{}) {
	env := Envelope{Kind: kind, SessionID: sessionID, Value: value}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kinds == nil || s.kinds[kind] {
			subs = append(subs, s)
		}
	}
	hdls := make([]*handler, 0, len(b.hdls))
	for _, h := range b.hdls {
		if h.kinds == nil || h.kinds[kind] {
			hdls = append(hdls, h)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, env)
	}
	for _, h := range hdls {
		b.invoke(h, env)
	}
}

// deliver sends env to s, dropping the oldest buffered entry to make room
// when s's buffer is full. All sends happen with s.mu held so a concurrent
// close() can never race a send against an already-closed channel.
func (b *Bus) deliver(s *subscription, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	// The buffer is full: drop the oldest entries until a Dropped marker and
	// env both fit, folding the count of any dropped marker into the next one.
	for len(s.ch) > 0 && len(s.ch) >= cap(s.ch)-1 {
		select {
		case old := <-s.ch:
			s.dropped += max(old.Dropped, 1)
		default:
		}
	}
	b.flushDropMarkerLocked(s)
	select {
	case s.ch <- env:
	default:
		s.dropped++ // only possible with a one-slot buffer
	}
}

// flushDropMarkerLocked must be called with s.mu held. If there is room in
// the buffer it queues an Envelope carrying the pending dropped count and
// resets that count.
func (b *Bus) flushDropMarkerLocked(s *subscription) {
	if s.dropped == 0 {
		return
	}
	select {
	case s.ch <- Envelope{Dropped: s.dropped}:
		s.dropped = 0
	default:
	}
}

func (b *Bus) invoke(h *handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("recovered panic in event handler", "kind", env.Kind, "panic", r)
		}
	}()
	h.fn(env)
}

// Terminate closes every subscription channel. Called once when the owning
// Connection tears down, so range loops over Subscription.C() end cleanly.
func (b *Bus) Terminate() {
	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return
	}
	b.terminated = true
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.hdls = make(map[uint64]*handler)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
