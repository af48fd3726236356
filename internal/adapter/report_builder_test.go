package adapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

const asanReport = `=================================================================
==5512==ERROR: AddressSanitizer: heap-use-after-free on address 0x6040000001a8
READ of size 8 at 0x6040000001a8 thread T0
    #0 0x55f0aa8210e4 in mozilla::dom::Element::Blur() /gecko/dom/base/Element.cpp:432:7
    #1 0x55f0aa821211 in nsFocusManager::Clear() /gecko/dom/base/nsFocusManager.cpp:88:12
    #2 0x55f0aa821400 in main /gecko/browser/main.cpp:30:3
==5512==ABORTING
`

const assertionReport = `[Parent 91842] WARNING: pipe error
Assertion failure: aOffset <= mLength, at /gecko/xpcom/string/nsTString.cpp:118
`

func writeLogDir(t *testing.T, files map[string]string) m.Path {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return m.Path(dir)
}

func TestLogReportBuilder_SanitizerReport(t *testing.T) {
	dir := writeLogDir(t, map[string]string{
		"log_asan_blog.txt": asanReport,
		"log_stdout.txt":    "page loaded\n",
	})

	report, err := NewLogReportBuilder().FromLogs(dir)
	require.NoError(t, err)

	require.Equal(t, "[@ mozilla::dom::Element::Blur()]", report.Signature)
	require.NotEmpty(t, report.MajorHash)
	require.NotEmpty(t, report.MinorHash)
	require.NotEmpty(t, report.CrashHash)
	require.Equal(t, report.MinorHash[:8], report.Prefix)
	require.Equal(t, dir, report.Path)
}

func TestLogReportBuilder_AssertionFailure(t *testing.T) {
	dir := writeLogDir(t, map[string]string{
		"log_stderr.txt": assertionReport,
	})

	report, err := NewLogReportBuilder().FromLogs(dir)
	require.NoError(t, err)

	require.Equal(t, "Assertion failure: aOffset <= mLength, at /gecko/xpcom/string/nsTString.cpp:118", report.Signature)
	require.NotEmpty(t, report.Prefix)
}

func TestLogReportBuilder_SanitizerLogPreferred(t *testing.T) {
	dir := writeLogDir(t, map[string]string{
		"log_stderr.txt":   assertionReport,
		"log_asan_123.txt": asanReport,
	})

	report, err := NewLogReportBuilder().FromLogs(dir)
	require.NoError(t, err)

	// the sanitizer stack wins over the bare assertion message
	require.Equal(t, "[@ mozilla::dom::Element::Blur()]", report.Signature)
}

func TestLogReportBuilder_NoClassifiableOutput(t *testing.T) {
	dir := writeLogDir(t, map[string]string{
		"log_stderr.txt": "exited with status 1\n",
		"log_stdout.txt": "",
	})

	report, err := NewLogReportBuilder().FromLogs(dir)
	require.NoError(t, err)

	// the failure is never dropped, it just has no identity
	require.Equal(t, "", report.Signature)
	require.Equal(t, "unclassified", report.Prefix)
}

func TestLogReportBuilder_IgnoresNonLogFiles(t *testing.T) {
	dir := writeLogDir(t, map[string]string{
		"notes.txt": asanReport,
	})

	report, err := NewLogReportBuilder().FromLogs(dir)
	require.NoError(t, err)
	require.Equal(t, "", report.Signature)
}

func TestLogReportBuilder_MissingDir(t *testing.T) {
	_, err := NewLogReportBuilder().FromLogs(m.Path(filepath.Join(t.TempDir(), "nope")))
	require.Error(t, err)
}

func TestReport_CleanupIdempotent(t *testing.T) {
	dir := writeLogDir(t, map[string]string{"log_stderr.txt": "x"})
	report, err := NewLogReportBuilder().FromLogs(dir)
	require.NoError(t, err)

	require.False(t, report.Released())
	require.NoError(t, report.Cleanup())
	require.True(t, report.Released())
	require.NoDirExists(t, string(dir))

	require.NoError(t, report.Cleanup())
	require.True(t, report.Released())
}
