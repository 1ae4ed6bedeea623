package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/stephanlensky/zendriver/internal/wire"
	"github.com/stephanlensky/zendriver/transport"
)

// fakeBrowser answers every Target.attachToTarget with a fresh sessionId,
// counting how many attach commands it actually saw on the wire so tests
// can assert the router collapsed concurrent Attach calls into one.
type fakeBrowser struct {
	srv          *httptest.Server
	attachCount  int32
	sessionIDGen int32
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg := new(cdproto.Message)
			if err := wire.Unmarshal(data, msg); err != nil {
				continue
			}
			switch msg.Method {
			case "Target.attachToTarget":
				atomic.AddInt32(&fb.attachCount, 1)
				n := atomic.AddInt32(&fb.sessionIDGen, 1)
				res := &target.AttachToTargetReturns{SessionID: target.SessionID(strings.Repeat("s", int(n)))}
				raw, _ := easyjson.Marshal(res)
				reply, _ := wire.Marshal(&cdproto.Message{ID: msg.ID, Result: raw})
				conn.WriteMessage(websocket.TextMessage, reply)
			default:
				reply, _ := wire.Marshal(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)})
				conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}))
	return fb
}

func (fb *fakeBrowser) wsURL() string { return "ws" + strings.TrimPrefix(fb.srv.URL, "http") }
func (fb *fakeBrowser) close()        { fb.srv.Close() }

func TestAttachIdempotentUnderConcurrency(t *testing.T) {
	fb := newFakeBrowser(t)
	defer fb.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := transport.Open(ctx, fb.wsURL())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	r := NewRouter(conn)
	defer r.Close()

	const n = 20
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Attach(ctx, target.ID("tgt-1"))
			if err != nil {
				t.Errorf("Attach: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fb.attachCount); got != 1 {
		t.Fatalf("expected exactly one Target.attachToTarget, got %d", got)
	}
	for i := 1; i < n; i++ {
		if sessions[i] == nil || sessions[i].ID != sessions[0].ID {
			t.Fatalf("expected all concurrent Attach calls to return the same session, got %+v vs %+v", sessions[0], sessions[i])
		}
	}
}

func TestDetachRemovesSession(t *testing.T) {
	fb := newFakeBrowser(t)
	defer fb.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := transport.Open(ctx, fb.wsURL())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	r := NewRouter(conn)
	defer r.Close()

	s, err := r.Attach(ctx, target.ID("tgt-1"))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := r.Detach(ctx, s.ID); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	if _, ok := r.BySessionID(s.ID); ok {
		t.Fatal("expected session to be removed after Detach")
	}
}
