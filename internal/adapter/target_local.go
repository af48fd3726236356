package adapter

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

// DefaultLaunchTimeout bounds how long a target may take to reach a ready
// state.
const DefaultLaunchTimeout = 300 * time.Second

// launchGrace is how long a freshly started process must stay alive before
// the launch is considered successful.
const launchGrace = 250 * time.Millisecond

// closeGrace is how long an orderly Close waits before killing the process.
const closeGrace = 5 * time.Second

// LocalTarget drives an instrumented desktop binary. The URL to load is
// passed as the final command line argument; stdout and stderr are captured
// to a per-launch log directory.
type LocalTarget struct {
	binary        string
	args          []string
	ignore        []string
	launchTimeout time.Duration

	mu          sync.Mutex
	cmd         *exec.Cmd
	waitDone    chan struct{}
	logDir      string
	closed      bool
	forceClosed bool
}

// LocalTargetOption configures a LocalTarget.
type LocalTargetOption func(*LocalTarget)

// WithArgs adds extra command line arguments, placed before the URL.
func WithArgs(args ...string) LocalTargetOption {
	return func(t *LocalTarget) { t.args = append(t.args, args...) }
}

// WithIgnorePatterns sets substrings that, when found in the target's
// stderr output after an abnormal exit, classify the failure as ignored.
func WithIgnorePatterns(patterns ...string) LocalTargetOption {
	return func(t *LocalTarget) { t.ignore = append(t.ignore, patterns...) }
}

// WithLaunchTimeout overrides DefaultLaunchTimeout.
func WithLaunchTimeout(d time.Duration) LocalTargetOption {
	return func(t *LocalTarget) {
		if d > 0 {
			t.launchTimeout = d
		}
	}
}

// NewLocalTarget constructs a LocalTarget for the given binary.
func NewLocalTarget(binary string, opts ...LocalTargetOption) *LocalTarget {
	t := &LocalTarget{
		binary:        binary,
		launchTimeout: DefaultLaunchTimeout,
		closed:        true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Launch starts the target process pointed at url.
func (t *LocalTarget) Launch(ctx context.Context, url string, env map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil && !t.closed {
		return fmt.Errorf("%w: already running", ErrLaunchFailure)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	logDir, err := os.MkdirTemp("", "grackle-target-")
	if err != nil {
		return fmt.Errorf("%w: create log dir: %v", ErrLaunchFailure, err)
	}
	stdout, err := os.Create(filepath.Join(logDir, "log_stdout.txt"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}
	stderr, err := os.Create(filepath.Join(logDir, "log_stderr.txt"))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	cmd := exec.Command(t.binary, append(append([]string{}, t.args...), url)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(waitDone)
	}()

	// a process that dies immediately never reached a ready state
	select {
	case <-waitDone:
		_ = os.RemoveAll(logDir)
		return fmt.Errorf("%w: process exited during startup", ErrLaunchFailure)
	case <-time.After(launchGrace):
	}

	if t.logDir != "" {
		// log dir of the previous launch is superseded
		_ = os.RemoveAll(t.logDir)
	}
	t.cmd = cmd
	t.waitDone = waitDone
	t.logDir = logDir
	t.closed = false
	t.forceClosed = false
	slog.Debug("target launched", "binary", t.binary, "pid", cmd.Process.Pid, "url", url)
	return nil
}

// CheckResult classifies the state of the target process.
func (t *LocalTarget) CheckResult(_ context.Context) m.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || !t.exited() {
		return m.ResultNone
	}
	if t.cmd.ProcessState != nil && t.cmd.ProcessState.Success() {
		// clean exit, not a failure
		return m.ResultNone
	}
	if t.matchesIgnoreList() {
		return m.ResultIgnored
	}
	return m.ResultFound
}

func (t *LocalTarget) exited() bool {
	select {
	case <-t.waitDone:
		return true
	default:
		return false
	}
}

func (t *LocalTarget) matchesIgnoreList() bool {
	if len(t.ignore) == 0 {
		return false
	}
	data, err := os.ReadFile(filepath.Join(t.logDir, "log_stderr.txt"))
	if err != nil {
		return false
	}
	text := string(data)
	for _, pattern := range t.ignore {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// Close terminates the target process.
func (t *LocalTarget) Close(force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil && !t.exited() {
		if force {
			_ = t.cmd.Process.Kill()
		} else {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
			timer := time.NewTimer(closeGrace)
			select {
			case <-t.waitDone:
				timer.Stop()
			case <-timer.C:
				_ = t.cmd.Process.Kill()
			}
		}
		<-t.waitDone
	}
	t.closed = true
	t.forceClosed = force
}

// Closed reports whether the target is closed.
func (t *LocalTarget) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ForceClosed reports whether the last Close was forced.
func (t *LocalTarget) ForceClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forceClosed
}

// Healthy reports whether the process can run further iterations.
func (t *LocalTarget) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil && !t.closed && !t.exited()
}

// SaveLogs copies the captured process output into dst.
func (t *LocalTarget) SaveLogs(dst m.Path) error {
	t.mu.Lock()
	logDir := t.logDir
	t.mu.Unlock()
	if logDir == "" {
		return fmt.Errorf("no logs available")
	}
	if err := os.MkdirAll(string(dst), 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(logDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(string(dst), entry.Name()), data, 0o644)
	})
}

// LaunchTimeout bounds how long Launch may take.
func (t *LocalTarget) LaunchTimeout() time.Duration {
	return t.launchTimeout
}

// CleanUp removes the current log directory. Call after the final
// SaveLogs.
func (t *LocalTarget) CleanUp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logDir != "" {
		_ = os.RemoveAll(t.logDir)
		t.logDir = ""
	}
}
