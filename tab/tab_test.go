package tab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/stephanlensky/zendriver/internal/wire"
	"github.com/stephanlensky/zendriver/session"
	"github.com/stephanlensky/zendriver/transport"
)

// scriptedBrowser answers every command with an empty object result, and
// lets the test push raw frames (events) on demand.
type scriptedBrowser struct {
	srv   *httptest.Server
	connC chan *websocket.Conn
}

func newScriptedBrowser(t *testing.T) *scriptedBrowser {
	t.Helper()
	sb := &scriptedBrowser{connC: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	sb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sb.connC <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg := new(cdproto.Message)
			if err := wire.Unmarshal(data, msg); err != nil {
				continue
			}
			reply, _ := wire.Marshal(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)})
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}))
	return sb
}

func (sb *scriptedBrowser) wsURL() string { return "ws" + strings.TrimPrefix(sb.srv.URL, "http") }
func (sb *scriptedBrowser) close()        { sb.srv.Close() }

func newTestTab(t *testing.T) (*Tab, *scriptedBrowser, *websocket.Conn) {
	t.Helper()
	sb := newScriptedBrowser(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := transport.Open(ctx, sb.wsURL())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	sess := session.New(cdptarget.SessionID("sess-1"), cdptarget.ID("tgt-1"), conn)

	serverConn := <-sb.connC

	tb, err := New(ctx, sess)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sb.close() })

	return tb, sb, serverConn
}

func TestNavigateWaitsForFrameStoppedLoading(t *testing.T) {
	tb, _, serverConn := newTestTab(t)

	done := make(chan error, 1)
	go func() {
		done <- tb.Navigate(context.Background(), "https://example.com")
	}()

	time.Sleep(50 * time.Millisecond)
	frame, _ := wire.Marshal(&cdproto.Message{Method: "Page.frameStoppedLoading", SessionID: tb.SessionID(), Params: easyjson.RawMessage(`{"frameId":"f1"}`)})
	serverConn.WriteMessage(websocket.TextMessage, frame)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Navigate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Navigate did not return after frameStoppedLoading")
	}
}

func TestNavigateSupersededByNewerCall(t *testing.T) {
	tb, _, serverConn := newTestTab(t)

	first := make(chan error, 1)
	go func() {
		first <- tb.Navigate(context.Background(), "https://first.example.com")
	}()
	time.Sleep(50 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		second <- tb.Navigate(context.Background(), "https://second.example.com")
	}()
	time.Sleep(50 * time.Millisecond)

	frame, _ := wire.Marshal(&cdproto.Message{Method: "Page.frameStoppedLoading", SessionID: tb.SessionID(), Params: easyjson.RawMessage(`{"frameId":"f1"}`)})
	serverConn.WriteMessage(websocket.TextMessage, frame)
	serverConn.WriteMessage(websocket.TextMessage, frame)

	select {
	case err := <-first:
		if err == nil {
			t.Fatal("expected the first Navigate to be superseded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Navigate never returned")
	}

	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("expected the second Navigate to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Navigate never returned")
	}
}
