package domain

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

const (
	expectedBucket = "reports"
	otherBucket    = "other_reports"
)

// ExportResults materializes the retained evidence under dst: one
// `reports/<prefix>_logs` directory per expected result, one
// `other_reports/<prefix>_logs` directory per other result, plus a dump of
// the originating test cases alongside each retained report. Evidence
// directories are relocated, not copied. With no results it produces no
// output at all.
func ExportResults(dst m.Path, results []*m.ReplayResult, tests []*m.TestCase) error {
	if len(results) == 0 {
		return nil
	}
	for _, result := range results {
		bucket := otherBucket
		if result.Expected {
			bucket = expectedBucket
		}
		bucketDir := filepath.Join(string(dst), bucket)
		if err := os.MkdirAll(bucketDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", bucket, err)
		}
		prefix := exportPrefix(bucketDir, result.Report.Prefix)
		dest := filepath.Join(bucketDir, prefix+"_logs")
		if err := moveDir(string(result.Report.Path), dest); err != nil {
			return fmt.Errorf("relocate evidence %q: %w", result.Report.Prefix, err)
		}
		slog.Debug("evidence exported", "prefix", prefix, "bucket", bucket, "count", result.Count)
		for idx, tc := range tests {
			if err := tc.Dump(m.Path(filepath.Join(bucketDir, fmt.Sprintf("%s-%d", prefix, idx)))); err != nil {
				return fmt.Errorf("dump test case %d: %w", idx, err)
			}
		}
	}
	return nil
}

// exportPrefix returns prefix, or a numbered variant when an export with
// the same prefix already exists under dir.
func exportPrefix(dir, prefix string) string {
	candidate := prefix
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, candidate+"_logs")); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", prefix, n)
	}
}

// moveDir renames src to dst, falling back to copy-and-remove when the
// rename crosses filesystems.
func moveDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	err := filepath.WalkDir(src, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(src)
}
