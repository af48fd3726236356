package domain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

func makeReportDir(t *testing.T, prefix string) *m.Report {
	t.Helper()
	dir, err := os.MkdirTemp(t.TempDir(), "logs-")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log_stderr.txt"), []byte("boom\n"), 0o644))
	return &m.Report{Path: m.Path(dir), Prefix: prefix}
}

func TestExportResults_NoResults(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out")

	require.NoError(t, ExportResults(m.Path(dst), nil, nil))
	require.NoDirExists(t, dst)
}

func TestExportResults_Layout(t *testing.T) {
	dst := t.TempDir()
	tc := makeTestCase(t)

	results := []*m.ReplayResult{
		{Report: makeReportDir(t, "aabbccdd"), Expected: true, Count: 2},
		{Report: makeReportDir(t, "11223344"), Expected: false, Count: 1},
		{Report: makeReportDir(t, "55667788"), Expected: false, Count: 1},
	}

	require.NoError(t, ExportResults(m.Path(dst), results, []*m.TestCase{tc}))

	require.DirExists(t, filepath.Join(dst, "reports", "aabbccdd_logs"))
	require.FileExists(t, filepath.Join(dst, "reports", "aabbccdd_logs", "log_stderr.txt"))
	require.DirExists(t, filepath.Join(dst, "other_reports", "11223344_logs"))
	require.DirExists(t, filepath.Join(dst, "other_reports", "55667788_logs"))

	// one dump of the test case per retained report
	require.FileExists(t, filepath.Join(dst, "reports", "aabbccdd-0", "test.html"))
	require.FileExists(t, filepath.Join(dst, "other_reports", "11223344-0", "test.html"))
	require.FileExists(t, filepath.Join(dst, "other_reports", "55667788-0", "test.html"))

	// evidence was relocated, not copied
	for _, result := range results {
		require.NoDirExists(t, string(result.Report.Path))
	}
}

func TestExportResults_PrefixCollision(t *testing.T) {
	dst := t.TempDir()
	tc := makeTestCase(t)

	results := []*m.ReplayResult{
		{Report: makeReportDir(t, "deadbeef"), Expected: true, Count: 1},
		{Report: makeReportDir(t, "deadbeef"), Expected: true, Count: 1},
	}

	require.NoError(t, ExportResults(m.Path(dst), results, []*m.TestCase{tc}))

	require.DirExists(t, filepath.Join(dst, "reports", "deadbeef_logs"))
	require.DirExists(t, filepath.Join(dst, "reports", "deadbeef_1_logs"))
}

func TestExportResults_MultipleTestCases(t *testing.T) {
	dst := t.TempDir()
	tests := []*m.TestCase{makeTestCase(t), makeTestCase(t)}

	results := []*m.ReplayResult{
		{Report: makeReportDir(t, "cafef00d"), Expected: true, Count: 1},
	}

	require.NoError(t, ExportResults(m.Path(dst), results, tests))

	require.DirExists(t, filepath.Join(dst, "reports", "cafef00d-0"))
	require.DirExists(t, filepath.Join(dst, "reports", "cafef00d-1"))
}
