package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

func newServerForTest(t *testing.T, timeout time.Duration) *HarnessServer {
	t.Helper()
	server, err := NewHarnessServer(timeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o644))
	}
	return root
}

// get fetches one file from the harness, retrying briefly since the serve
// session is installed concurrently with the request.
func get(t *testing.T, port int, name string) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/%s", port, name)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("file %q was never served", name)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHarnessServer_HarnessPageWithoutSession(t *testing.T) {
	server := newServerForTest(t, time.Minute)

	// the entry page must be reachable before any serve session exists,
	// the target is navigated there at launch
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/%s", server.Port(), server.HarnessPage()))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), harnessNext)
}

func TestHarnessServer_NextWithoutSession(t *testing.T) {
	server := newServerForTest(t, time.Minute)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/%s", server.Port(), harnessNext))
	require.NoError(t, err)
	resp.Body.Close()

	// no session within the poll window, the harness is told to retry
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// pollNext mimics the harness page's dispatch loop: ask for the next
// landing page until one is handed out.
func pollNext(t *testing.T, port int) string {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/%s", port, harnessNext)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		if resp.StatusCode == http.StatusOK {
			return string(body)
		}
		if time.Now().After(deadline) {
			t.Fatal("no landing page was dispatched")
		}
	}
}

func TestHarnessServer_DispatchesLandingToHarness(t *testing.T) {
	server := newServerForTest(t, 5*time.Second)
	root := writeFiles(t, "index.html")

	done := make(chan struct{})
	var outcome m.Served
	var err error
	go func() {
		defer close(done)
		outcome, _, err = server.ServePath(context.Background(), m.Path(root), "index.html", nil)
	}()

	landing := pollNext(t, server.Port())
	require.Equal(t, "/index.html", landing)

	get(t, server.Port(), "index.html")
	<-done

	require.NoError(t, err)
	require.Equal(t, m.ServedAll, outcome)
}

func TestHarnessServer_DispatchesOncePerSession(t *testing.T) {
	server := newServerForTest(t, 5*time.Second)
	root := writeFiles(t, "index.html")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = server.ServePath(context.Background(), m.Path(root), "index.html", nil)
	}()

	require.Equal(t, "/index.html", pollNext(t, server.Port()))

	// the same session is never announced twice
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/%s", server.Port(), harnessNext))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	get(t, server.Port(), "index.html")
	<-done
}

func TestHarnessServer_ServesAllRequiredFiles(t *testing.T) {
	server := newServerForTest(t, 5*time.Second)
	root := writeFiles(t, "index.html", "extra.js")

	done := make(chan struct{})
	var outcome m.Served
	var served []string
	var err error
	go func() {
		defer close(done)
		outcome, served, err = server.ServePath(context.Background(), m.Path(root), "index.html", nil)
	}()

	get(t, server.Port(), "index.html")
	get(t, server.Port(), "extra.js")
	<-done

	require.NoError(t, err)
	require.Equal(t, m.ServedAll, outcome)
	require.ElementsMatch(t, []string{"index.html", "extra.js"}, served)
}

func TestHarnessServer_PartialDeliveryTimesOut(t *testing.T) {
	server := newServerForTest(t, 300*time.Millisecond)
	root := writeFiles(t, "index.html", "never_requested.js")

	done := make(chan struct{})
	var outcome m.Served
	var served []string
	var err error
	go func() {
		defer close(done)
		outcome, served, err = server.ServePath(context.Background(), m.Path(root), "index.html", nil)
	}()

	get(t, server.Port(), "index.html")
	<-done

	require.NoError(t, err)
	require.Equal(t, m.ServedRequest, outcome)
	require.Equal(t, []string{"index.html"}, served)
}

func TestHarnessServer_NothingRequested(t *testing.T) {
	server := newServerForTest(t, 100*time.Millisecond)
	root := writeFiles(t, "index.html")

	outcome, served, err := server.ServePath(context.Background(), m.Path(root), "index.html", nil)
	require.NoError(t, err)
	require.Equal(t, m.ServedNone, outcome)
	require.Empty(t, served)
}

func TestHarnessServer_OptionalFilesNotRequired(t *testing.T) {
	server := newServerForTest(t, 5*time.Second)
	root := writeFiles(t, "index.html", "optional.bin")

	done := make(chan struct{})
	var outcome m.Served
	var err error
	go func() {
		defer close(done)
		outcome, _, err = server.ServePath(context.Background(), m.Path(root), "index.html", []string{"optional.bin"})
	}()

	get(t, server.Port(), "index.html")
	<-done

	require.NoError(t, err)
	require.Equal(t, m.ServedAll, outcome)
}

func TestHarnessServer_OnlyOptionalFiles(t *testing.T) {
	server := newServerForTest(t, 5*time.Second)
	root := writeFiles(t, "test_info.yaml")

	// nothing is required, nothing to wait for
	outcome, served, err := server.ServePath(context.Background(), m.Path(root), "test_info.yaml", []string{"test_info.yaml"})
	require.NoError(t, err)
	require.Equal(t, m.ServedNone, outcome)
	require.Empty(t, served)
}

func TestHarnessServer_ContextCancelsServe(t *testing.T) {
	server := newServerForTest(t, time.Minute)
	root := writeFiles(t, "index.html")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var outcome m.Served
	go func() {
		defer close(done)
		outcome, _, _ = server.ServePath(ctx, m.Path(root), "index.html", nil)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ServePath did not return after cancellation")
	}
	require.Equal(t, m.ServedNone, outcome)
}

func TestHarnessServer_RejectsConcurrentServe(t *testing.T) {
	server := newServerForTest(t, time.Minute)
	root := writeFiles(t, "index.html")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _, _ = server.ServePath(ctx, m.Path(root), "index.html", nil)
	}()
	<-started
	// give the first call time to install its session
	time.Sleep(50 * time.Millisecond)

	_, _, err := server.ServePath(context.Background(), m.Path(writeFiles(t, "other.html")), "other.html", nil)
	require.Error(t, err)

	cancel()
	<-done
}

func TestHarnessServer_ServesFileContent(t *testing.T) {
	server := newServerForTest(t, 5*time.Second)
	root := writeFiles(t, "index.html")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = server.ServePath(context.Background(), m.Path(root), "index.html", nil)
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/index.html", server.Port())
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
			resp.Body.Close()
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatal("index.html was never served")
		}
		time.Sleep(10 * time.Millisecond)
	}
	<-done
}
