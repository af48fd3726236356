package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/grackle-fuzz/grackle/internal/adapter"
	m "github.com/grackle-fuzz/grackle/internal/model"
)

// StartupKey is the reserved "other" bucket for evidence captured when the
// target failed before the test case was fully delivered.
const StartupKey = "STARTUP"

// ErrDeliveryFailure indicates the harness never confirmed full delivery
// of a test case. It is fatal for the run: the target never reliably
// loaded the page, so no further budget is consumed.
var ErrDeliveryFailure = errors.New("test case was not fully served")

// ErrEngineClosed indicates Run was called on a closed engine.
var ErrEngineClosed = errors.New("replay engine is closed")

// RunOptions bound one reproduction run.
type RunOptions struct {
	// Repeat is the iteration budget.
	Repeat int
	// MinResults is how many matching results declare success.
	MinResults int
	// ExitEarly stops the run as soon as MinResults is reached, or as
	// soon as the remaining budget can no longer reach it.
	ExitEarly bool
}

// DefaultRunOptions returns the default single-iteration run.
func DefaultRunOptions() RunOptions {
	return RunOptions{Repeat: 1, MinResults: 1, ExitEarly: true}
}

func (o RunOptions) normalized() RunOptions {
	if o.Repeat < 1 {
		o.Repeat = 1
	}
	if o.MinResults < 1 {
		o.MinResults = 1
	}
	return o
}

// sigState tracks the signature mode of a run. It transitions at most once
// per run: an explicit signature is fixed at construction, otherwise the
// first detected failure bootstraps the implicit signature.
type sigState int

const (
	sigUnset sigState = iota
	sigExplicit
	sigBootstrapped
)

// Engine is the replay iteration/decision loop. It borrows the harness
// server, exclusively owns the target for the duration of a run, and owns
// every retained evidence object until Close releases it.
type Engine struct {
	server  adapter.Server
	target  adapter.Target
	builder adapter.ReportBuilder
	status  *Status

	signature string
	state     sigState
	anyCrash  bool
	relaunch  int

	sinceLaunch int
	expected    map[string]*m.ReplayResult
	other       map[string]*m.ReplayResult
	closed      bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSignature fixes the crash signature the run must reproduce. Without
// it the first detected failure's signature is used.
func WithSignature(signature string) EngineOption {
	return func(e *Engine) {
		e.signature = signature
		e.state = sigExplicit
	}
}

// WithAnyCrash accepts any detected failure as a match.
func WithAnyCrash() EngineOption {
	return func(e *Engine) { e.anyCrash = true }
}

// WithRelaunchInterval sets how many iterations may run before the target
// is relaunched. The target is always relaunched after a detected failure.
func WithRelaunchInterval(iterations int) EngineOption {
	return func(e *Engine) {
		if iterations > 0 {
			e.relaunch = iterations
		}
	}
}

// NewEngine constructs a replay engine. A nil status disables counter
// persistence but still tracks counts.
func NewEngine(server adapter.Server, target adapter.Target, builder adapter.ReportBuilder, status *Status, opts ...EngineOption) *Engine {
	e := &Engine{
		server:   server,
		target:   target,
		builder:  builder,
		status:   status,
		relaunch: 1,
		expected: make(map[string]*m.ReplayResult),
		other:    make(map[string]*m.ReplayResult),
	}
	if e.status == nil {
		e.status = NewStatus(nil, 0)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives up to opts.Repeat iterations of the test case sequence and
// reports whether the tracked failure reproduced at least opts.MinResults
// times. A delivery failure returns false without an error; a launch
// failure is returned as an error after best-effort evidence capture.
// Evidence retained by a previous Run is released first.
func (e *Engine) Run(ctx context.Context, tests []*m.TestCase, opts RunOptions) (bool, error) {
	if e.closed {
		return false, ErrEngineClosed
	}
	if len(tests) == 0 {
		return false, errors.New("no test cases to run")
	}
	opts = opts.normalized()
	e.reset()
	defer e.target.Close(false)

	env := mergeEnv(tests)
	// the target enters through the persistent harness page; it must be
	// reachable before the first serve session exists, and it pulls in
	// each iteration's landing page without a relaunch
	entry := fmt.Sprintf("http://127.0.0.1:%d/%s", e.server.Port(), e.server.HarnessPage())

	for iteration := 1; iteration <= opts.Repeat; iteration++ {
		e.status.AddIteration()
		if err := e.ensureTargetRunning(ctx, entry, env); err != nil {
			return false, err
		}
		if err := e.runIteration(ctx, tests); err != nil {
			if errors.Is(err, ErrDeliveryFailure) {
				slog.Error("delivery failed, aborting run", "iteration", iteration, "error", err)
				return false, nil
			}
			return false, err
		}
		if err := e.status.Report(ctx, false); err != nil {
			slog.Warn("status report failed", "error", err)
		}
		if opts.ExitEarly {
			results := int(e.status.Results())
			if results >= opts.MinResults {
				break
			}
			if results+(opts.Repeat-iteration) < opts.MinResults {
				slog.Debug("remaining budget cannot reach the result threshold",
					"results", results, "iteration", iteration, "repeat", opts.Repeat)
				return false, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return int(e.status.Results()) >= opts.MinResults, nil
}

// reset prepares the engine for a fresh run, releasing evidence and
// counters from any previous one.
func (e *Engine) reset() {
	e.releaseAll()
	e.expected = make(map[string]*m.ReplayResult)
	e.other = make(map[string]*m.ReplayResult)
	e.status.Reset()
	e.sinceLaunch = 0
	if e.state == sigBootstrapped {
		e.state = sigUnset
		e.signature = ""
	}
}

func (e *Engine) ensureTargetRunning(ctx context.Context, url string, env map[string]string) error {
	if !e.target.Closed() && (!e.target.Healthy() || e.sinceLaunch >= e.relaunch) {
		e.target.Close(false)
	}
	if !e.target.Closed() {
		return nil
	}
	launchCtx, cancel := context.WithTimeout(ctx, e.target.LaunchTimeout())
	defer cancel()
	if err := e.target.Launch(launchCtx, url, env); err != nil {
		// preserve whatever evidence the failed process left behind
		e.captureStartupEvidence()
		return fmt.Errorf("launch target: %w", err)
	}
	e.sinceLaunch = 0
	return nil
}

func (e *Engine) runIteration(ctx context.Context, tests []*m.TestCase) error {
	served := make([][]string, 0, len(tests))
	durations := make([]time.Duration, 0, len(tests))
	delivered := true
	for _, tc := range tests {
		outcome, files, duration, err := e.deliver(ctx, tc)
		if err != nil {
			return err
		}
		served = append(served, files)
		durations = append(durations, duration)
		if outcome != m.ServedAll {
			slog.Debug("delivery incomplete", "landing", tc.LandingPage, "outcome", outcome.String())
			delivered = false
			break
		}
	}
	e.sinceLaunch++

	if !delivered {
		// the page never reliably loaded; a crash here is startup noise,
		// captured but not counted as a result
		if e.target.CheckResult(ctx) == m.ResultFound {
			e.status.AddIgnored()
			e.captureStartupEvidence()
		}
		return ErrDeliveryFailure
	}

	switch e.target.CheckResult(ctx) {
	case m.ResultNone:
	case m.ResultIgnored:
		e.status.AddIgnored()
	case m.ResultFound:
		// post-crash process state is unknown
		e.target.Close(false)
		report, err := e.collectEvidence()
		if err != nil {
			return err
		}
		e.classify(report, served, durations)
	}
	return nil
}

// deliver stages one test case into an exclusively owned temporary wwwroot
// and serves it. The staged copy is removed before returning.
func (e *Engine) deliver(ctx context.Context, tc *m.TestCase) (m.Served, []string, time.Duration, error) {
	wwwroot, err := os.MkdirTemp("", "grackle-serve-")
	if err != nil {
		return m.ServedNone, nil, 0, fmt.Errorf("stage test case: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(wwwroot); err != nil {
			slog.Warn("remove staged test case", "path", wwwroot, "error", err)
		}
	}()
	if err := tc.Dump(m.Path(wwwroot)); err != nil {
		return m.ServedNone, nil, 0, fmt.Errorf("stage test case: %w", err)
	}
	start := time.Now()
	outcome, files, err := e.server.ServePath(ctx, m.Path(wwwroot), tc.LandingPage, tc.Optional)
	if err != nil {
		return m.ServedNone, nil, 0, fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	return outcome, files, time.Since(start), nil
}

// collectEvidence exports the target's logs into a fresh temporary
// directory and builds an evidence object from them. The report owns the
// directory afterwards.
func (e *Engine) collectEvidence() (*m.Report, error) {
	dir, err := os.MkdirTemp("", "grackle-logs-")
	if err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	if err := e.target.SaveLogs(m.Path(dir)); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("save target logs: %w", err)
	}
	report, err := e.builder.FromLogs(m.Path(dir))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("build evidence: %w", err)
	}
	return report, nil
}

// classify routes an evidence object into one of the two result sets, or
// releases it when a retained exemplar already covers its key.
func (e *Engine) classify(report *m.Report, served [][]string, durations []time.Duration) {
	if e.anyCrash {
		e.status.AddResult()
		e.retain(e.expected, report.CrashHash, report, true, served, durations)
		return
	}
	if e.state == sigUnset {
		// first detected failure defines the signature for the run
		e.signature = report.Signature
		e.state = sigBootstrapped
		slog.Info("signature taken from first crash", "signature", e.signature)
	}
	if report.Signature == e.signature {
		e.status.AddResult()
		e.retain(e.expected, e.signature, report, true, served, durations)
	} else {
		e.status.AddIgnored()
		slog.Debug("signature mismatch", "expected", e.signature, "got", report.Signature)
		e.retain(e.other, report.Signature, report, false, served, durations)
	}
}

// retain keeps report as the exemplar for key, or counts and releases it
// when an exemplar already exists. Evidence that is not retained is
// released exactly once, immediately.
func (e *Engine) retain(set map[string]*m.ReplayResult, key string, report *m.Report, expected bool, served [][]string, durations []time.Duration) {
	if existing, ok := set[key]; ok {
		existing.Count++
		if err := report.Cleanup(); err != nil {
			slog.Warn("release duplicate evidence", "error", err)
		}
		return
	}
	set[key] = &m.ReplayResult{
		Report:    report,
		Expected:  expected,
		Count:     1,
		Served:    served,
		Durations: durations,
	}
}

// captureStartupEvidence makes a best-effort attempt to preserve log
// evidence from a target that failed outside a fully delivered iteration.
// Failures here never mask the run's primary result.
func (e *Engine) captureStartupEvidence() {
	dir, err := os.MkdirTemp("", "grackle-logs-")
	if err != nil {
		slog.Warn("create startup evidence dir", "error", err)
		return
	}
	if err := e.target.SaveLogs(m.Path(dir)); err != nil {
		_ = os.RemoveAll(dir)
		slog.Debug("no startup evidence available", "error", err)
		return
	}
	report, err := e.builder.FromLogs(m.Path(dir))
	if err != nil {
		_ = os.RemoveAll(dir)
		slog.Warn("build startup evidence", "error", err)
		return
	}
	e.retain(e.other, StartupKey, report, false, nil, nil)
}

// Expected returns the retained results that matched the tracked
// signature (or were accepted in any-crash mode), in stable order.
func (e *Engine) Expected() []*m.ReplayResult {
	return sortedResults(e.expected)
}

// Other returns the retained results for unrelated failures, in stable
// order.
func (e *Engine) Other() []*m.ReplayResult {
	return sortedResults(e.other)
}

func sortedResults(set map[string]*m.ReplayResult) []*m.ReplayResult {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	results := make([]*m.ReplayResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, set[key])
	}
	return results
}

// Signature returns the signature currently tracked by the engine. It is
// empty until a run in bootstrap mode observes its first failure.
func (e *Engine) Signature() string {
	return e.signature
}

// Status returns the run counters.
func (e *Engine) Status() *Status {
	return e.status
}

// Close releases every retained evidence object and finalizes the
// counters, exactly once each. The engine cannot run again afterwards.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.releaseAll()
	if err := e.status.Close(context.Background()); err != nil {
		slog.Warn("final status report failed", "error", err)
	}
}

func (e *Engine) releaseAll() {
	for _, set := range []map[string]*m.ReplayResult{e.expected, e.other} {
		for _, result := range set {
			if err := result.Report.Cleanup(); err != nil {
				slog.Warn("release evidence", "path", result.Report.Path, "error", err)
			}
		}
	}
}

func mergeEnv(tests []*m.TestCase) map[string]string {
	env := make(map[string]string)
	for _, tc := range tests {
		for key, value := range tc.Env {
			env[key] = value
		}
	}
	return env
}
