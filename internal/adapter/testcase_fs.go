package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

// TestInfoFile is the metadata file that marks a directory as a test case.
const TestInfoFile = "test_info.yaml"

// ErrNoTestCases indicates the input directory holds no loadable test
// cases.
var ErrNoTestCases = errors.New("no test cases found")

type testInfo struct {
	Landing   string            `yaml:"landing"`
	Adapter   string            `yaml:"adapter,omitempty"`
	Optional  []string          `yaml:"optional,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Timestamp time.Time         `yaml:"timestamp,omitempty"`
}

// LoadTestCases loads the test case at root, or the ordered series of test
// cases in its subdirectories when root itself holds no metadata file.
// It also returns the merged environment overrides across all loaded test
// cases, later entries overriding earlier ones.
func LoadTestCases(root m.Path) ([]*m.TestCase, map[string]string, error) {
	var dirs []string
	if _, err := os.Stat(filepath.Join(string(root), TestInfoFile)); err == nil {
		dirs = []string{string(root)}
	} else {
		entries, err := os.ReadDir(string(root))
		if err != nil {
			return nil, nil, fmt.Errorf("read input: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			sub := filepath.Join(string(root), entry.Name())
			if _, err := os.Stat(filepath.Join(sub, TestInfoFile)); err == nil {
				dirs = append(dirs, sub)
			}
		}
		sort.Strings(dirs)
	}
	if len(dirs) == 0 {
		return nil, nil, fmt.Errorf("%w in %q", ErrNoTestCases, root)
	}

	tests := make([]*m.TestCase, 0, len(dirs))
	env := make(map[string]string)
	for _, dir := range dirs {
		tc, err := loadTestCase(dir)
		if err != nil {
			return nil, nil, err
		}
		for key, value := range tc.Env {
			env[key] = value
		}
		tests = append(tests, tc)
	}
	return tests, env, nil
}

func loadTestCase(dir string) (*m.TestCase, error) {
	data, err := os.ReadFile(filepath.Join(dir, TestInfoFile))
	if err != nil {
		return nil, fmt.Errorf("read test info: %w", err)
	}
	var info testInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse %s in %q: %w", TestInfoFile, dir, err)
	}
	if info.Landing == "" {
		return nil, fmt.Errorf("test case %q has no landing page", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(info.Landing))); err != nil {
		return nil, fmt.Errorf("landing page %q: %w", info.Landing, err)
	}
	return &m.TestCase{
		Root:        m.Path(dir),
		LandingPage: info.Landing,
		Optional:    append([]string{TestInfoFile}, info.Optional...),
		Env:         info.Env,
		AdapterName: info.Adapter,
		Timestamp:   info.Timestamp,
	}, nil
}
