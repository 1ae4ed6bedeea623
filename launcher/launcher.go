// Package launcher implements component C8's process side: starting (or
// attaching to) a Chrome/Chromium instance and returning its DevTools
// WebSocket endpoint. It is adapted near-verbatim from the teacher's
// allocate.go, generalizing ExecAllocator/RemoteAllocator one-for-one onto
// this module's naming, and adding the "expert" mode flag the spec's
// stealth-adjacent launch options call for.
package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/stephanlensky/zendriver/zderrors"
)

// Allocator starts or attaches to a browser and returns its DevTools
// WebSocket endpoint.
type Allocator interface {
	Allocate(ctx context.Context) (wsURL string, cleanup func(), err error)
}

// Flag is one Chrome command-line flag, mirroring the teacher's
// allocate.go Flag helper.
type Flag struct {
	Name  string
	Value string
}

// Config controls how ExecAllocator launches Chrome.
type Config struct {
	execPath    string
	userDataDir string
	flags       []Flag
	env         []string
	headless    bool
	noSandbox   bool
	expert      bool
	combined    io.Writer
}

// ExecOption customizes a Config built by NewExecConfig.
type ExecOption func(*Config)

// DefaultFlags mirrors the teacher's DefaultExecAllocatorOptions: the
// minimum set of flags needed for a scriptable, non-interactive browser.
var DefaultFlags = []Flag{
	{"disable-background-networking", ""},
	{"enable-features", "NetworkService,NetworkServiceInProcess"},
	{"disable-background-timer-throttling", ""},
	{"disable-backgrounding-occluded-windows", ""},
	{"disable-breakpad", ""},
	{"disable-client-side-phishing-detection", ""},
	{"disable-default-apps", ""},
	{"disable-dev-shm-usage", ""},
	{"disable-extensions", ""},
	{"disable-hang-monitor", ""},
	{"disable-ipc-flooding-protection", ""},
	{"disable-popup-blocking", ""},
	{"disable-prompt-on-repost", ""},
	{"disable-renderer-backgrounding", ""},
	{"disable-sync", ""},
	{"force-color-profile", "srgb"},
	{"metrics-recording-only", ""},
	{"safebrowsing-disable-auto-update", ""},
	{"password-store", "basic"},
	{"use-mock-keychain", ""},
}

// WithExecPath overrides the Chrome/Chromium binary to launch; when unset,
// ExecPath searches the OS-specific list of likely install locations.
func WithExecPath(path string) ExecOption { return func(c *Config) { c.execPath = path } }

// WithUserDataDir pins the profile directory instead of using a fresh
// temporary one that is removed at cleanup.
func WithUserDataDir(dir string) ExecOption { return func(c *Config) { c.userDataDir = dir } }

// WithFlag adds an arbitrary Chrome command-line flag.
func WithFlag(name, value string) ExecOption {
	return func(c *Config) { c.flags = append(c.flags, Flag{name, value}) }
}

// WithEnv adds an environment variable passed to the Chrome process.
func WithEnv(key, value string) ExecOption {
	return func(c *Config) { c.env = append(c.env, key+"="+value) }
}

// WithHeadless runs Chrome in headless mode (the default).
func WithHeadless(v bool) ExecOption { return func(c *Config) { c.headless = v } }

// WithNoSandbox adds --no-sandbox, required when running as root.
func WithNoSandbox(v bool) ExecOption { return func(c *Config) { c.noSandbox = v } }

// WithWindowSize sets the initial window size.
func WithWindowSize(width, height int) ExecOption {
	return func(c *Config) {
		c.flags = append(c.flags, Flag{"window-size", fmt.Sprintf("%d,%d", width, height)})
	}
}

// WithUserAgent overrides the browser's user agent string.
func WithUserAgent(ua string) ExecOption {
	return func(c *Config) { c.flags = append(c.flags, Flag{"user-agent", ua}) }
}

// WithProxyServer routes all traffic through a proxy.
func WithProxyServer(addr string) ExecOption {
	return func(c *Config) { c.flags = append(c.flags, Flag{"proxy-server", addr}) }
}

// WithExpert adds the flags that make automation harder to fingerprint
// (disable-blink-features=AutomationControlled and friends), for callers
// who need the launched browser to look like an ordinary user session.
func WithExpert(v bool) ExecOption { return func(c *Config) { c.expert = v } }

// WithCombinedOutput copies the child process's stdout/stderr to w, useful
// for debugging a launch that never reaches the DevTools handshake.
func WithCombinedOutput(w io.Writer) ExecOption { return func(c *Config) { c.combined = w } }

// NewExecConfig builds a Config from DefaultFlags plus any overrides.
func NewExecConfig(opts ...ExecOption) *Config {
	c := &Config{headless: true, flags: append([]Flag(nil), DefaultFlags...)}
	for _, o := range opts {
		o(c)
	}
	if c.headless {
		c.flags = append(c.flags, Flag{"headless", "new"})
	}
	if c.noSandbox || os.Geteuid() == 0 {
		c.flags = append(c.flags, Flag{"no-sandbox", ""})
	}
	if c.expert {
		c.flags = append(c.flags,
			Flag{"disable-blink-features", "AutomationControlled"},
			Flag{"disable-infobars", ""},
		)
	}
	return c
}

// ExecAllocator spawns and owns a local Chrome process, adapted from the
// teacher's ExecAllocator struct and Allocate method: temp user-data-dir
// creation, --remote-debugging-port=0 handshake, scraping the WebSocket URL
// from stderr, and cleanup on Allocate's returned func.
type ExecAllocator struct {
	cfg *Config
}

// NewExecAllocator builds an ExecAllocator from cfg.
func NewExecAllocator(cfg *Config) *ExecAllocator { return &ExecAllocator{cfg: cfg} }

const handshakeTimeout = 20 * time.Second

// Allocate starts Chrome and waits for it to print its DevTools WebSocket
// URL on stderr. cleanup terminates the process and removes any temporary
// user-data-dir ExecAllocator created.
func (a *ExecAllocator) Allocate(ctx context.Context) (string, func(), error) {
	execPath := a.cfg.execPath
	if execPath == "" {
		var err error
		execPath, err = findExecPath()
		if err != nil {
			return "", nil, zderrors.New(zderrors.KindConfigError, zderrors.WithErr(err))
		}
	}

	userDataDir := a.cfg.userDataDir
	removeDir := false
	if userDataDir == "" {
		dir, err := os.MkdirTemp("", "zendriver-profile-")
		if err != nil {
			return "", nil, zderrors.New(zderrors.KindConfigError, zderrors.WithErr(err))
		}
		userDataDir = dir
		removeDir = true
	}

	args := []string{"--remote-debugging-port=0", "--user-data-dir=" + userDataDir}
	for _, f := range a.cfg.flags {
		if f.Value == "" {
			args = append(args, "--"+f.Name)
		} else {
			args = append(args, "--"+f.Name+"="+f.Value)
		}
	}
	args = append(args, "about:blank")

	cmd := exec.CommandContext(ctx, execPath, args...)
	cmd.Env = append(os.Environ(), a.cfg.env...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", nil, zderrors.New(zderrors.KindConnect, zderrors.WithErr(err))
	}

	if a.cfg.combined != nil {
		cmd.Stdout = a.cfg.combined
	}

	if err := cmd.Start(); err != nil {
		return "", nil, zderrors.New(zderrors.KindConnect, zderrors.WithErr(err), zderrors.WithMessage(execPath))
	}

	cleanup := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		if removeDir {
			_ = os.RemoveAll(userDataDir)
		}
	}

	wsURL, err := readDevToolsURL(stderr, a.cfg.combined)
	if err != nil {
		cleanup()
		return "", nil, err
	}

	return wsURL, cleanup, nil
}

// readDevToolsURL scrapes Chrome's "DevTools listening on ws://..." line
// from its stderr, the same handshake the teacher's allocate.go readOutput
// depends on. The rest of stderr keeps being read (and copied to tee, if
// set) until the process closes it.
func readDevToolsURL(r io.Reader, tee io.Writer) (string, error) {
	const prefix = "DevTools listening on "

	type result struct {
		url string
		err error
	}
	resC := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		found := false
		for scanner.Scan() {
			line := scanner.Text()
			if tee != nil {
				fmt.Fprintln(tee, line)
			}
			if idx := strings.Index(line, prefix); idx >= 0 && !found {
				found = true
				resC <- result{url: strings.TrimSpace(line[idx+len(prefix):])}
			}
		}
		if !found {
			resC <- result{err: zderrors.New(zderrors.KindConnect, zderrors.WithMessage("browser exited before printing its DevTools URL"))}
		}
	}()

	select {
	case res := <-resC:
		return res.url, res.err
	case <-time.After(handshakeTimeout):
		return "", zderrors.New(zderrors.KindTimeout, zderrors.WithMessage("timed out waiting for DevTools handshake"))
	}
}

// findExecPath searches a short list of likely install locations, the same
// idea as the teacher's allocate.go findExecPath but trimmed to the
// binaries actually in common use today.
func findExecPath() (string, error) {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		candidates = []string{
			filepath.Join(os.Getenv("ProgramFiles"), "Google/Chrome/Application/chrome.exe"),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), "Google/Chrome/Application/chrome.exe"),
		}
	default:
		candidates = []string{
			"google-chrome-stable",
			"google-chrome",
			"chromium",
			"chromium-browser",
		}
	}

	for _, c := range candidates {
		if filepath.IsAbs(c) {
			if _, err := os.Stat(c); err == nil {
				return c, nil
			}
			continue
		}
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("launcher: no Chrome/Chromium binary found, set WithExecPath explicitly")
}

// RemoteAllocator attaches to an already-running browser, mirroring the
// teacher's NewRemoteAllocator/RemoteAllocator: given either a full
// ws://.../devtools/browser/<id> URL or an http://host:port base, it
// resolves the actual WebSocket endpoint via /json/version.
type RemoteAllocator struct {
	addr string

	mu sync.Mutex
}

// NewRemoteAllocator builds a RemoteAllocator for addr.
func NewRemoteAllocator(addr string) *RemoteAllocator { return &RemoteAllocator{addr: addr} }

// Allocate resolves addr to a WebSocket DevTools URL. cleanup is a no-op:
// RemoteAllocator does not own the browser's lifecycle.
func (a *RemoteAllocator) Allocate(ctx context.Context) (string, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if strings.HasPrefix(a.addr, "ws://") || strings.HasPrefix(a.addr, "wss://") {
		return a.addr, func() {}, nil
	}

	u, err := url.Parse(a.addr)
	if err != nil {
		return "", nil, zderrors.New(zderrors.KindConfigError, zderrors.WithErr(err), zderrors.WithMessage(a.addr))
	}
	versionURL := fmt.Sprintf("%s://%s/json/version", schemeOrDefault(u.Scheme), u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", nil, zderrors.New(zderrors.KindConnect, zderrors.WithErr(err))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, zderrors.New(zderrors.KindConnect, zderrors.WithErr(err), zderrors.WithMessage(versionURL))
	}
	defer resp.Body.Close()

	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := decodeJSON(resp.Body, &payload); err != nil {
		return "", nil, zderrors.New(zderrors.KindConnect, zderrors.WithErr(err))
	}
	if payload.WebSocketDebuggerURL == "" {
		return "", nil, zderrors.New(zderrors.KindConnect, zderrors.WithMessage("no webSocketDebuggerUrl in /json/version response"))
	}
	return payload.WebSocketDebuggerURL, func() {}, nil
}

func schemeOrDefault(s string) string {
	if s == "" {
		return "http"
	}
	return s
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
