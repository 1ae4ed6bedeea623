// Command zendriver-probe is a small smoke-test CLI: it launches a browser,
// navigates to a URL, prints the page title, and exits. It exists as
// ambient tooling for exercising the library end to end, not as part of
// the module's public API, mirroring the teacher's own cmd/ binaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stephanlensky/zendriver/browser"
	"github.com/stephanlensky/zendriver/launcher"
)

func main() {
	url := flag.String("url", "https://example.com", "URL to navigate to")
	headless := flag.Bool("headless", true, "run Chrome headless")
	expert := flag.Bool("expert", false, "add anti-fingerprinting launch flags")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	remote := flag.String("remote", "", "attach to an existing browser instead of launching one (ws:// URL or http://host:port)")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var alloc launcher.Allocator
	if *remote != "" {
		alloc = launcher.NewRemoteAllocator(*remote)
	} else {
		alloc = launcher.NewExecAllocator(launcher.NewExecConfig(
			launcher.WithHeadless(*headless),
			launcher.WithExpert(*expert),
		))
	}

	b, err := browser.Launch(ctx, alloc, browser.WithVerbose(true))
	if err != nil {
		log.Fatalf("launch: %v", err)
	}
	defer b.Close(context.Background())

	tb, err := b.NewTab(ctx, "about:blank")
	if err != nil {
		log.Fatalf("new tab: %v", err)
	}

	if err := tb.Navigate(ctx, *url); err != nil {
		log.Fatalf("navigate: %v", err)
	}

	var title string
	if err := tb.Evaluate(ctx, "document.title", &title); err != nil {
		log.Fatalf("evaluate title: %v", err)
	}

	fmt.Fprintf(os.Stdout, "%s\n", title)
}
