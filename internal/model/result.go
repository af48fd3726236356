package model

import "time"

// Path represents a file system path.
type Path string

// Result is the failure classification a target reports for one iteration.
type Result int

// Available Result values.
const (
	// ResultNone indicates the target did not fail.
	ResultNone Result = iota
	// ResultIgnored indicates a failure that is on the ignore list
	// (OOM, startup noise, etc.) and does not count toward reproduction.
	ResultIgnored
	// ResultFound indicates a failure of interest was detected.
	ResultFound
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultIgnored:
		return "ignored"
	case ResultFound:
		return "found"
	}
	return "unknown"
}

// Served is the outcome of delivering a test case through the harness server.
type Served int

// Available Served values.
const (
	// ServedNone indicates no files were requested.
	ServedNone Served = iota
	// ServedRequest indicates some files were requested but not all
	// required files were served.
	ServedRequest
	// ServedAll indicates every required file was served.
	ServedAll
)

func (s Served) String() string {
	switch s {
	case ServedNone:
		return "none"
	case ServedRequest:
		return "request"
	case ServedAll:
		return "all"
	}
	return "unknown"
}

// ReplayResult groups the evidence retained for one classification key
// together with how often it was observed during a run.
type ReplayResult struct {
	Report *Report
	// Expected is true when the evidence matched the tracked signature
	// (or any-crash mode accepted it).
	Expected bool
	// Count is the number of iterations that produced this evidence,
	// including iterations whose duplicate evidence was released.
	Count int
	// Served holds the files served for each test case of the iteration
	// that produced the retained report.
	Served [][]string
	// Durations holds the serve duration for each test case of that
	// iteration.
	Durations []time.Duration
}
