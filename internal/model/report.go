package model

import (
	"os"
	"sync"
)

// Report is an immutable evidence bundle built from target log output after
// a detected failure. It owns its backing log directory until Cleanup is
// called.
type Report struct {
	// Path is the directory holding the collected logs.
	Path Path
	// Prefix is a short identifier used when exporting the report.
	Prefix string
	// Signature is the short human-readable crash identity. It may be
	// empty when no stack or assertion could be extracted.
	Signature string
	// MajorHash is the coarse stack grouping hash.
	MajorHash string
	// MinorHash is the fine stack grouping hash.
	MinorHash string
	// CrashHash identifies the crash for any-crash mode deduplication.
	CrashHash string

	cleanupOnce sync.Once
	released    bool
}

// Cleanup releases the report's backing log directory. It is idempotent and
// safe to call on an already removed directory.
func (r *Report) Cleanup() error {
	var err error
	r.cleanupOnce.Do(func() {
		r.released = true
		if r.Path != "" {
			err = os.RemoveAll(string(r.Path))
		}
	})
	return err
}

// Released reports whether Cleanup has run.
func (r *Report) Released() bool {
	return r.released
}
