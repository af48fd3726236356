package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

func TestRenderStatusTable(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	records := []m.StatusRecord{
		{PID: 101, Start: start, Timestamp: start.Add(10 * time.Minute), Iteration: 50, Ignored: 2, Results: 1},
		{PID: 202, Start: start, Timestamp: start.Add(5 * time.Minute), Iteration: 20, Ignored: 0, Results: 0},
	}

	out := renderStatusTable(records)

	assert.Contains(t, out, "101")
	assert.Contains(t, out, "202")
	assert.Contains(t, out, "PID")
	// tablewriter upcases header and footer cells
	assert.Contains(t, strings.ToUpper(out), "TOTAL 2")
	// footer totals across all processes
	assert.Contains(t, out, "70")
}
