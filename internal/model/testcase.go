package model

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// TestCase is an ordered set of files for a single reproduction attempt.
// The landing page is the entry file the harness must confirm was served;
// optional files may be requested but are not required for a successful
// delivery. The caller owns the test case; the engine only borrows it.
type TestCase struct {
	// Root is the directory holding the test case files.
	Root Path
	// LandingPage is the entry file, relative to Root.
	LandingPage string
	// Optional lists files (relative to Root) that do not need to be
	// served for the delivery to count as complete.
	Optional []string
	// Env holds environment variable overrides to apply when launching
	// the target.
	Env map[string]string
	// AdapterName records the tool that produced the test case.
	AdapterName string
	// Timestamp records when the test case was created.
	Timestamp time.Time
}

// Dump copies the test case files into dst, creating it if needed.
func (tc *TestCase) Dump(dst Path) error {
	root := string(tc.Root)
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(string(dst), rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := copyFile(path, target); err != nil {
			return fmt.Errorf("dump %q: %w", rel, err)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
