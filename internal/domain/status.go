// Package domain contains the replay core: the iteration/decision loop,
// the run counters it mutates and the result export.
package domain

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/grackle-fuzz/grackle/internal/adapter"
	m "github.com/grackle-fuzz/grackle/internal/model"
)

// DefaultReportRate is the minimum interval between persisted status
// snapshots when reporting is not forced.
const DefaultReportRate = 60 * time.Second

// Status holds the monotonically increasing counters of one run. Only the
// engine mutates them; external readers may poll them for progress.
// Snapshots are persisted through a StatusStore on Report.
type Status struct {
	store adapter.StatusStore
	rate  time.Duration
	now   func() time.Time

	mu         sync.Mutex
	start      time.Time
	iteration  uint64
	ignored    uint64
	results    uint64
	lastReport time.Time
	closed     bool
}

// NewStatus constructs run counters backed by store. A nil store disables
// persistence; a rate of zero selects DefaultReportRate.
func NewStatus(store adapter.StatusStore, rate time.Duration) *Status {
	if rate <= 0 {
		rate = DefaultReportRate
	}
	return &Status{
		store: store,
		rate:  rate,
		now:   time.Now,
		start: time.Now(),
	}
}

// Reset zeroes the counters for a new run.
func (s *Status) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = s.now()
	s.iteration = 0
	s.ignored = 0
	s.results = 0
	s.lastReport = time.Time{}
}

// AddIteration increments the iteration counter.
func (s *Status) AddIteration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
}

// AddIgnored increments the ignored counter.
func (s *Status) AddIgnored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignored++
}

// AddResult increments the result counter.
func (s *Status) AddResult() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results++
}

// Iteration returns the iteration count.
func (s *Status) Iteration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Ignored returns the ignored count.
func (s *Status) Ignored() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ignored
}

// Results returns the result count.
func (s *Status) Results() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

// Report persists a counter snapshot. Unless force is set, snapshots are
// rate limited to one per reporting interval.
func (s *Status) Report(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.store == nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	if !force && !s.lastReport.IsZero() && now.Sub(s.lastReport) < s.rate {
		s.mu.Unlock()
		return nil
	}
	s.lastReport = now
	rec := m.StatusRecord{
		PID:       os.Getpid(),
		Start:     s.start,
		Timestamp: now,
		Iteration: s.iteration,
		Ignored:   s.ignored,
		Results:   s.results,
	}
	s.mu.Unlock()
	return s.store.Save(ctx, rec)
}

// Close persists a final snapshot and stops further reporting. It is
// idempotent.
func (s *Status) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	err := s.Report(ctx, true)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
