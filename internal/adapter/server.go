// Package adapter contains the infrastructure ports the replay engine
// drives: the harness HTTP server, target process controllers, the
// evidence builder, the test case loader and the status store.
package adapter

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

// Server delivers test case content to the target and reports which files
// were actually requested. At most one ServePath call may be outstanding at
// a time; the engine borrows the server, it does not own it.
type Server interface {
	// Port returns the listening port number.
	Port() int

	// HarnessPage returns the path of the persistent entry page. The
	// target is pointed at it once per launch; each ServePath call then
	// dispatches its landing page to the already loaded harness.
	HarnessPage() string

	// ServePath serves the files under wwwroot until every file not
	// listed in optional has been requested, the context is done, or the
	// serve timeout elapses. landing is the wwwroot-relative entry file
	// announced to the harness. It returns the delivery outcome and the
	// files that were served.
	ServePath(ctx context.Context, wwwroot m.Path, landing string, optional []string) (m.Served, []string, error)

	// Close shuts the listening socket down.
	Close() error
}

// DefaultServeTimeout bounds a single ServePath call when the caller's
// context carries no deadline.
const DefaultServeTimeout = 60 * time.Second

const (
	// harnessPage is served without an active session so a target
	// launched before the first ServePath call never sees an error page.
	harnessPage = "grackle_harness"
	// harnessNext is the long poll endpoint the harness page uses to
	// learn the landing page of the current session.
	harnessNext = "grackle_next"

	nextPollTimeout  = time.Second
	nextPollInterval = 50 * time.Millisecond
)

// harnessDocument keeps the target busy between iterations: it polls for
// the next landing page and loads each one into the test frame.
const harnessDocument = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>grackle</title>
<script>
async function pump() {
  for (;;) {
    let resp;
    try {
      resp = await fetch("/` + harnessNext + `", {cache: "no-store"});
    } catch (e) {
      return;
    }
    if (resp.status === 204) {
      continue;
    }
    if (!resp.ok) {
      return;
    }
    document.getElementById("test").src = await resp.text();
  }
}
window.addEventListener("load", pump);
</script>
</head>
<body><iframe id="test" src="about:blank"></iframe></body>
</html>
`

// HarnessServer is an embedded HTTP server bound to the loopback interface
// on an ephemeral port. Request handling is concurrent internally but the
// serve outcome is observed synchronously per ServePath call.
type HarnessServer struct {
	listener net.Listener
	httpSrv  *http.Server
	group    errgroup.Group
	timeout  time.Duration

	mu      sync.Mutex
	session *serveSession
}

// NewHarnessServer binds a loopback listener and starts serving. A timeout
// of zero selects DefaultServeTimeout.
func NewHarnessServer(timeout time.Duration) (*HarnessServer, error) {
	if timeout <= 0 {
		timeout = DefaultServeTimeout
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	h := &HarnessServer{listener: listener, timeout: timeout}
	h.httpSrv = &http.Server{Handler: http.HandlerFunc(h.handle)}
	h.group.Go(func() error {
		if err := h.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return h, nil
}

// Port returns the listening port number.
func (h *HarnessServer) Port() int {
	return h.listener.Addr().(*net.TCPAddr).Port
}

// HarnessPage returns the path of the persistent entry page.
func (h *HarnessServer) HarnessPage() string {
	return harnessPage
}

// ServePath serves the files under wwwroot for one iteration.
func (h *HarnessServer) ServePath(ctx context.Context, wwwroot m.Path, landing string, optional []string) (m.Served, []string, error) {
	session, err := newServeSession(string(wwwroot), landing, optional)
	if err != nil {
		return m.ServedNone, nil, err
	}
	if len(session.required) == 0 {
		// nothing to serve
		return m.ServedNone, nil, nil
	}

	h.mu.Lock()
	if h.session != nil {
		h.mu.Unlock()
		return m.ServedNone, nil, errors.New("a serve call is already in progress")
	}
	h.session = session
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.session = nil
		h.mu.Unlock()
	}()

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case <-session.complete:
	case <-ctx.Done():
	case <-timer.C:
	}
	return session.outcome()
}

// Close shuts down the server and waits for the accept loop to stop.
func (h *HarnessServer) Close() error {
	err := h.httpSrv.Close()
	if werr := h.group.Wait(); err == nil {
		err = werr
	}
	return err
}

func (h *HarnessServer) handle(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/") {
	case harnessPage:
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = io.WriteString(w, harnessDocument)
		return
	case harnessNext:
		h.handleNext(w, r)
		return
	}
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		http.Error(w, "no active test", http.StatusNotFound)
		return
	}
	session.serveFile(w, r)
}

// handleNext blocks until a session with an unannounced landing page is
// installed, then hands its landing page to the harness exactly once. A 204
// tells the harness to ask again.
func (h *HarnessServer) handleNext(w http.ResponseWriter, r *http.Request) {
	deadline := time.Now().Add(nextPollTimeout)
	for {
		h.mu.Lock()
		session := h.session
		h.mu.Unlock()
		if session != nil {
			if landing, ok := session.dispatchOnce(); ok {
				w.Header().Set("Cache-Control", "no-store")
				_, _ = io.WriteString(w, "/"+landing)
				return
			}
		}
		if time.Now().After(deadline) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusNoContent)
			return
		case <-time.After(nextPollInterval):
		}
	}
}

// serveSession tracks one ServePath call: the wwwroot being served, the
// files still required and the files served so far.
type serveSession struct {
	root    string
	landing string

	mu         sync.Mutex
	required   map[string]struct{}
	servedAt   map[string]struct{}
	served     []string
	complete   chan struct{}
	closed     bool
	dispatched bool
}

func newServeSession(root, landing string, optional []string) (*serveSession, error) {
	session := &serveSession{
		root:     root,
		landing:  path.Clean(landing),
		required: make(map[string]struct{}),
		servedAt: make(map[string]struct{}),
		complete: make(chan struct{}),
	}
	skip := make(map[string]struct{}, len(optional))
	for _, name := range optional {
		skip[path.Clean(name)] = struct{}{}
	}
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := skip[rel]; !ok {
			session.required[rel] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// dispatchOnce hands out the landing page the first time it is called.
func (s *serveSession) dispatchOnce() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatched {
		return "", false
	}
	s.dispatched = true
	return s.landing, true
}

func (s *serveSession) serveFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" || strings.HasPrefix(name, "..") {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if ctype := mime.TypeByExtension(path.Ext(name)); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	_, _ = w.Write(data)
	s.record(name)
}

func (s *serveSession) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servedAt[name]; !ok {
		s.servedAt[name] = struct{}{}
		s.served = append(s.served, name)
	}
	delete(s.required, name)
	if len(s.required) == 0 && !s.closed {
		s.closed = true
		close(s.complete)
	}
}

func (s *serveSession) outcome() (m.Served, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	served := make([]string, len(s.served))
	copy(served, s.served)
	switch {
	case len(s.required) == 0:
		return m.ServedAll, served, nil
	case len(served) > 0:
		return m.ServedRequest, served, nil
	}
	return m.ServedNone, served, nil
}
