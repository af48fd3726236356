package model

import "time"

// StatusRecord is a snapshot of one run's counters, persisted for
// cross-process visibility.
type StatusRecord struct {
	PID       int
	Start     time.Time
	Timestamp time.Time
	Iteration uint64
	Ignored   uint64
	Results   uint64
}

// Rate returns iterations per minute since the run started.
func (s StatusRecord) Rate() float64 {
	elapsed := s.Timestamp.Sub(s.Start).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Iteration) / elapsed
}
