package launcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewExecConfigAppliesHeadlessAndExpertFlags(t *testing.T) {
	cfg := NewExecConfig(WithExpert(true))

	has := func(name string) bool {
		for _, f := range cfg.flags {
			if f.Name == name {
				return true
			}
		}
		return false
	}

	if !has("headless") {
		t.Fatal("expected headless flag by default")
	}
	if !has("disable-blink-features") {
		t.Fatal("expected expert mode to add disable-blink-features")
	}
}

func TestRemoteAllocatorResolvesWebSocketURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	a := NewRemoteAllocator(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url, cleanup, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer cleanup()

	if !strings.HasPrefix(url, "ws://127.0.0.1:9222") {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestRemoteAllocatorPassesThroughWebSocketURL(t *testing.T) {
	a := NewRemoteAllocator("ws://127.0.0.1:9222/devtools/browser/abc")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	url, _, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if url != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Fatalf("expected passthrough, got %s", url)
	}
}
