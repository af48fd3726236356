package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

// BrowserTarget drives a Chromium-based browser over the DevTools protocol.
// Crashes are detected through Inspector.targetCrashed events; console and
// uncaught exception output is collected for evidence.
type BrowserTarget struct {
	execPath      string
	headless      bool
	ignore        []string
	launchTimeout time.Duration

	mu          sync.Mutex
	allocCancel context.CancelFunc
	ctxCancel   context.CancelFunc
	browserCtx  context.Context
	crashed     bool
	console     []string
	closed      bool
	forceClosed bool
}

// BrowserTargetOption configures a BrowserTarget.
type BrowserTargetOption func(*BrowserTarget)

// WithExecPath selects the browser binary to launch.
func WithExecPath(path string) BrowserTargetOption {
	return func(t *BrowserTarget) { t.execPath = path }
}

// WithHeadless toggles headless mode.
func WithHeadless(headless bool) BrowserTargetOption {
	return func(t *BrowserTarget) { t.headless = headless }
}

// WithBrowserIgnorePatterns sets substrings that classify collected
// console output as an ignored failure.
func WithBrowserIgnorePatterns(patterns ...string) BrowserTargetOption {
	return func(t *BrowserTarget) { t.ignore = append(t.ignore, patterns...) }
}

// WithBrowserLaunchTimeout overrides DefaultLaunchTimeout.
func WithBrowserLaunchTimeout(d time.Duration) BrowserTargetOption {
	return func(t *BrowserTarget) {
		if d > 0 {
			t.launchTimeout = d
		}
	}
}

// NewBrowserTarget constructs a BrowserTarget.
func NewBrowserTarget(opts ...BrowserTargetOption) *BrowserTarget {
	t := &BrowserTarget{
		headless:      true,
		launchTimeout: DefaultLaunchTimeout,
		closed:        true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Launch starts a browser and navigates it to url.
func (t *BrowserTarget) Launch(ctx context.Context, url string, env map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		return fmt.Errorf("%w: already running", ErrLaunchFailure)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", t.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("no-first-run", true),
	)
	if t.execPath != "" {
		opts = append(opts, chromedp.ExecPath(t.execPath))
	}
	for key, value := range env {
		opts = append(opts, chromedp.Env(key+"="+value))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, ctxCancel := chromedp.NewContext(allocCtx)
	chromedp.ListenTarget(browserCtx, t.handleEvent)

	launchCtx, cancel := context.WithTimeout(browserCtx, t.launchTimeout)
	defer cancel()
	if err := chromedp.Run(launchCtx, chromedp.Navigate(url)); err != nil {
		ctxCancel()
		allocCancel()
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	t.allocCancel = allocCancel
	t.ctxCancel = ctxCancel
	t.browserCtx = browserCtx
	t.crashed = false
	t.console = nil
	t.closed = false
	t.forceClosed = false
	slog.Debug("browser launched", "url", url, "headless", t.headless)
	return nil
}

func (t *BrowserTarget) handleEvent(ev interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *inspector.EventTargetCrashed:
		t.crashed = true
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			t.console = append(t.console, e.ExceptionDetails.Error())
		}
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			if arg != nil && arg.Description != "" {
				parts = append(parts, arg.Description)
			}
		}
		t.console = append(t.console, fmt.Sprintf("console.%s: %s", e.Type, strings.Join(parts, " ")))
	}
}

// CheckResult classifies the state of the browser.
func (t *BrowserTarget) CheckResult(_ context.Context) m.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return m.ResultNone
	}
	gone := t.crashed || (t.browserCtx != nil && t.browserCtx.Err() != nil)
	if !gone {
		return m.ResultNone
	}
	text := strings.Join(t.console, "\n")
	for _, pattern := range t.ignore {
		if strings.Contains(text, pattern) {
			return m.ResultIgnored
		}
	}
	return m.ResultFound
}

// Close tears the browser down.
func (t *BrowserTarget) Close(force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctxCancel != nil {
		t.ctxCancel()
		t.ctxCancel = nil
	}
	if t.allocCancel != nil {
		t.allocCancel()
		t.allocCancel = nil
	}
	t.closed = true
	t.forceClosed = force
}

// Closed reports whether the browser is closed.
func (t *BrowserTarget) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ForceClosed reports whether the last Close was forced.
func (t *BrowserTarget) ForceClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forceClosed
}

// Healthy reports whether the browser can run further iterations.
func (t *BrowserTarget) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && !t.crashed && t.browserCtx != nil && t.browserCtx.Err() == nil
}

// SaveLogs writes the collected console output and crash marker into dst.
func (t *BrowserTarget) SaveLogs(dst m.Path) error {
	t.mu.Lock()
	lines := make([]string, len(t.console))
	copy(lines, t.console)
	crashed := t.crashed
	t.mu.Unlock()

	if err := os.MkdirAll(string(dst), 0o755); err != nil {
		return err
	}
	var stderr strings.Builder
	if crashed {
		stderr.WriteString("browser target crashed\n")
	}
	for _, line := range lines {
		stderr.WriteString(line)
		stderr.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(string(dst), "log_stderr.txt"), []byte(stderr.String()), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(string(dst), "log_stdout.txt"), nil, 0o644)
}

// LaunchTimeout bounds how long Launch may take.
func (t *BrowserTarget) LaunchTimeout() time.Duration {
	return t.launchTimeout
}
