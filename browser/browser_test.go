package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/stephanlensky/zendriver/internal/wire"
	"github.com/stephanlensky/zendriver/launcher"
)

// fakeChrome answers every CDP command with a plausible empty/canned
// result, enough to exercise Browser.Launch/NewTab/Close and Pool without
// a real browser.
type fakeChrome struct {
	srv      *httptest.Server
	targetID int32
}

func newFakeChrome(t *testing.T) *fakeChrome {
	t.Helper()
	fc := &fakeChrome{}
	upgrader := websocket.Upgrader{}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			fc.respond(conn, msg)
		}
	}))
	return fc
}

func (fc *fakeChrome) respond(conn *websocket.Conn, msg *cdproto.Message) {
	var result easyjson.RawMessage
	var announceTargetID string
	switch msg.Method {
	case "Target.createTarget":
		n := atomic.AddInt32(&fc.targetID, 1)
		id := "tgt-" + itoa(n)
		result = easyjson.RawMessage(`{"targetId":"` + id + `"}`)
		announceTargetID = id
	case "Target.attachToTarget":
		result = easyjson.RawMessage(`{"sessionId":"sess-` + itoa(atomic.LoadInt32(&fc.targetID)) + `"}`)
	default:
		result = easyjson.RawMessage(`{}`)
	}
	reply, _ := wire.Marshal(&cdproto.Message{ID: msg.ID, Result: result})
	conn.WriteMessage(websocket.TextMessage, reply)

	if msg.Method == "Target.setDiscoverTargets" {
		// A real browser already has one blank page target open at startup;
		// announce it once discovery is on so Browser.MainTab has something
		// to find, mirroring how the fake server otherwise only announces
		// targets it's explicitly told to.
		initial, _ := wire.Marshal(&cdproto.Message{
			Method: "Target.targetCreated",
			Params: easyjson.RawMessage(`{"targetInfo":{"targetId":"tgt-0","type":"page","title":"","url":"about:blank","attached":false}}`),
		})
		conn.WriteMessage(websocket.TextMessage, initial)
	}

	if announceTargetID != "" {
		created, _ := wire.Marshal(&cdproto.Message{
			Method: "Target.targetCreated",
			Params: easyjson.RawMessage(`{"targetInfo":{"targetId":"` + announceTargetID + `","type":"page","title":"","url":"about:blank","attached":true}}`),
		})
		conn.WriteMessage(websocket.TextMessage, created)
	}

	if msg.Method == "Page.navigate" {
		var params struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(msg.Params, &params)

		navigated, _ := wire.Marshal(&cdproto.Message{
			Method:    "Page.frameNavigated",
			SessionID: msg.SessionID,
			Params:    easyjson.RawMessage(`{"frame":{"id":"f1","loaderId":"l1","url":"` + params.URL + `","mimeType":"text/html"},"type":"Navigation"}`),
		})
		conn.WriteMessage(websocket.TextMessage, navigated)

		stopped, _ := wire.Marshal(&cdproto.Message{
			Method:    "Page.frameStoppedLoading",
			SessionID: msg.SessionID,
			Params:    easyjson.RawMessage(`{"frameId":"f1"}`),
		})
		conn.WriteMessage(websocket.TextMessage, stopped)
	}
}

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (fc *fakeChrome) wsURL() string { return "ws" + strings.TrimPrefix(fc.srv.URL, "http") }
func (fc *fakeChrome) close()        { fc.srv.Close() }

func TestLaunchAndOpenTab(t *testing.T) {
	fc := newFakeChrome(t)
	defer fc.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	b, err := Launch(ctx, launcher.NewRemoteAllocator(fc.wsURL()))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer b.Close(context.Background())

	tb, err := b.NewTab(ctx, "https://example.com")
	if err != nil {
		t.Fatalf("NewTab: %v", err)
	}
	if tb == nil {
		t.Fatal("expected a tab")
	}
	if len(b.Tabs()) != 1 {
		t.Fatalf("expected one open tab, got %d", len(b.Tabs()))
	}
}

func TestPoolBoundsConcurrentTabs(t *testing.T) {
	fc := newFakeChrome(t)
	defer fc.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	b, err := Launch(ctx, launcher.NewRemoteAllocator(fc.wsURL()))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer b.Close(context.Background())

	pool := NewPool(b, 2)

	_, release1, err := pool.Acquire(ctx, "about:blank")
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	_, release2, err := pool.Acquire(ctx, "about:blank")
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	acquired3 := make(chan struct{})
	go func() {
		_, release3, err := pool.Acquire(ctx, "about:blank")
		if err != nil {
			t.Errorf("Acquire 3: %v", err)
			return
		}
		release3()
		close(acquired3)
	}()

	select {
	case <-acquired3:
		t.Fatal("third Acquire should have blocked until a slot freed")
	case <-time.After(100 * time.Millisecond):
	}

	release1()

	select {
	case <-acquired3:
	case <-time.After(2 * time.Second):
		t.Fatal("third Acquire never unblocked after release")
	}

	release2()
}

func TestMainTabNavigateUpdatesURL(t *testing.T) {
	fc := newFakeChrome(t)
	defer fc.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	b, err := Launch(ctx, launcher.NewRemoteAllocator(fc.wsURL()))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer b.Close(context.Background())

	tb, err := b.MainTab(ctx)
	if err != nil {
		t.Fatalf("MainTab: %v", err)
	}
	if tb == nil {
		t.Fatal("expected a main tab")
	}

	tb2, err := b.MainTab(ctx)
	if err != nil {
		t.Fatalf("MainTab (cached): %v", err)
	}
	if tb2 != tb {
		t.Fatal("expected MainTab to cache and return the same tab on a second call")
	}

	if err := tb.Navigate(ctx, "about:blank"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if got := tb.URL(); got != "about:blank" {
		t.Fatalf("expected tab URL about:blank, got %q", got)
	}
}
