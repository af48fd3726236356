package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	m "github.com/grackle-fuzz/grackle/internal/model"
	"github.com/grackle-fuzz/grackle/pkg/stackparse"
)

// unclassifiedPrefix is used for evidence with no extractable stack.
const unclassifiedPrefix = "unclassified"

// ReportBuilder turns a directory of collected target logs into an
// evidence object.
type ReportBuilder interface {
	FromLogs(dir m.Path) (*m.Report, error)
}

// LogReportBuilder scans saved log files for sanitizer reports and
// assertion failures. Sanitizer logs take precedence over stderr because
// they carry symbolized stacks.
type LogReportBuilder struct{}

// NewLogReportBuilder constructs a LogReportBuilder.
func NewLogReportBuilder() *LogReportBuilder {
	return &LogReportBuilder{}
}

// FromLogs builds a Report from the log files in dir. The report owns dir
// afterwards. A failure with no extractable signature still produces a
// report; it is never dropped.
func (b *LogReportBuilder) FromLogs(dir m.Path) (*m.Report, error) {
	entries, err := os.ReadDir(string(dir))
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "log_") {
			names = append(names, entry.Name())
		}
	}
	// sanitizer logs first, then the rest in stable order
	sort.Slice(names, func(i, j int) bool {
		si, sj := isSanitizerLog(names[i]), isSanitizerLog(names[j])
		if si != sj {
			return si
		}
		return names[i] < names[j]
	})

	var stack *stackparse.Stack
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(string(dir), name))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		parsed := stackparse.Parse(data)
		if parsed == nil {
			continue
		}
		if stack == nil || (len(stack.Frames) == 0 && len(parsed.Frames) > 0) {
			stack = parsed
		}
		if len(stack.Frames) > 0 {
			break
		}
	}

	report := &m.Report{
		Path:      dir,
		Signature: stack.Signature(),
		MajorHash: stack.MajorHash(),
		MinorHash: stack.MinorHash(),
		CrashHash: stack.CrashHash(),
	}
	if report.MinorHash != "" && len(report.MinorHash) >= 8 {
		report.Prefix = report.MinorHash[:8]
	} else {
		report.Prefix = unclassifiedPrefix
	}
	return report, nil
}

func isSanitizerLog(name string) bool {
	return strings.Contains(name, "asan") || strings.Contains(name, "tsan") ||
		strings.Contains(name, "ubsan") || strings.Contains(name, "sanitizer")
}
