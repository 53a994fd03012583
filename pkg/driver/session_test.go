package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uierr "github.com/entrhq/uidriver/pkg/errors"
	"github.com/entrhq/uidriver/pkg/install"
)

// scriptBundle is an install.Bundle whose archive holds a stub uiserver
// shell script standing in for the real server binary.
type scriptBundle struct {
	version    string
	script     string
	archiveErr error
	calls      int32
}

func (b *scriptBundle) Version() string { return b.version }

func (b *scriptBundle) Archive() ([]byte, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.archiveErr != nil {
		return nil, b.archiveErr
	}
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	header := &zip.FileHeader{Name: "uiserver", Method: zip.Deflate}
	header.SetMode(0755)
	f, err := w.CreateHeader(header)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write([]byte(b.script)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// portWritingScript behaves like the real server's managed mode: parse the
// --portfile argument, report the listening port through it, stay alive.
func portWritingScript(port string) string {
	return fmt.Sprintf(`#!/bin/sh
pf=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--portfile" ]; then
    pf="$2"
  fi
  shift
done
printf '%%s' %s > "$pf"
exec sleep 30
`, port)
}

const silentScript = "#!/bin/sh\nexec sleep 30\n"

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub server scripts require a POSIX shell")
	}
}

// newStubServer serves the endpoints a healthy server answers.
func newStubServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ServerStatus{Version: "0.4.2", UptimeMS: 1234})
	})
	mux.HandleFunc("/elements", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(findResponse{Elements: []Element{
			{ID: "e1", Role: "button", Name: "OK", Bounds: Rect{X: 10, Y: 20, Width: 80, Height: 30}},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, u.Port()
}

func TestStartEndToEnd(t *testing.T) {
	skipOnWindows(t)
	_, port := newStubServer(t)

	dir := t.TempDir()
	bundle := &scriptBundle{version: "1.0.0\n", script: portWritingScript(port)}
	manager := install.NewManager(dir, bundle)

	s, err := New(WithInstaller(manager), WithStartupTimeout(10*time.Second))
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "http://localhost:"+port, s.BaseURL())

	// The handshake file is consumed, not left behind.
	leftovers, err := filepath.Glob(filepath.Join(dir, "portnr_*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	require.NoError(t, s.Ping())

	status, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, "0.4.2", status.Version)

	elements, err := s.FindElements("role=button")
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "OK", elements[0].Name)

	proc := s.proc
	require.NotNil(t, proc)
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, proc.Alive())

	// Stop is idempotent.
	require.NoError(t, s.Stop())
}

func TestStartSkipsExtractionWhenMarkerMatches(t *testing.T) {
	skipOnWindows(t)
	_, port := newStubServer(t)

	dir := t.TempDir()
	// First install places the files and the marker.
	seed := &scriptBundle{version: "1.0.0\n", script: portWritingScript(port)}
	_, err := install.NewManager(dir, seed).EnsureInstalled()
	require.NoError(t, err)

	// A fresh manager with the same version must not touch the archive:
	// materializing it would fail the startup.
	bundle := &scriptBundle{version: "1.0.0\n", archiveErr: fmt.Errorf("archive must not be read")}
	s, err := New(WithInstaller(install.NewManager(dir, bundle)), WithStartupTimeout(10*time.Second))
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.EqualValues(t, 0, atomic.LoadInt32(&bundle.calls))
}

func TestStartRejectsConfiguredEndpoint(t *testing.T) {
	srv, _ := newStubServer(t)

	s := Connect(srv.URL)
	defer s.Stop()

	err := s.Start(context.Background())
	require.Error(t, err)

	var stateErr *uierr.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.True(t, uierr.Is(err, uierr.ErrInvalidState))

	// Still usable, and no process was spawned.
	assert.Equal(t, StateReady, s.State())
	assert.Nil(t, s.proc)
	require.NoError(t, s.Ping())
}

func TestStartHandshakeTimeoutTerminatesProcess(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	bundle := &scriptBundle{version: "1.0.0\n", script: silentScript}
	manager := install.NewManager(dir, bundle)

	s, err := New(WithInstaller(manager), WithStartupTimeout(400*time.Millisecond))
	require.NoError(t, err)
	defer s.Stop()

	err = s.Start(context.Background())
	var timeout *uierr.HandshakeTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), uierr.ErrTimeout)

	// The spawned process must not outlive the failed startup.
	require.NotNil(t, s.proc)
	assert.False(t, s.proc.Alive())
}

func TestStartReadinessTimeoutOnWrongBody(t *testing.T) {
	skipOnWindows(t)

	mux := http.NewServeMux()
	var probes int32
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&probes, 1)
		fmt.Fprint(w, "PONG!")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	bundle := &scriptBundle{version: "1.0.0\n", script: portWritingScript(u.Port())}
	manager := install.NewManager(dir, bundle)

	s, err := New(WithInstaller(manager), WithStartupTimeout(600*time.Millisecond))
	require.NoError(t, err)
	defer s.Stop()

	err = s.Start(context.Background())
	var timeout *uierr.ReadinessTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, StateFailed, s.State())
	assert.Greater(t, atomic.LoadInt32(&probes), int32(1), "probing should continue until the deadline")

	require.NotNil(t, s.proc)
	assert.False(t, s.proc.Alive())
}

func TestContextDeadlineShortensBudget(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	bundle := &scriptBundle{version: "1.0.0\n", script: silentScript}
	manager := install.NewManager(dir, bundle)

	s, err := New(WithInstaller(manager), WithStartupTimeout(time.Hour))
	require.NoError(t, err)
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	started := time.Now()
	err = s.Start(ctx)
	require.ErrorIs(t, err, uierr.ErrTimeout)
	assert.Less(t, time.Since(started), 10*time.Second, "context deadline should bound the wait")
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	dir := t.TempDir()
	manager := install.NewManager(dir, &scriptBundle{version: "1.0.0\n", script: silentScript})

	s, err := New(WithInstaller(manager))
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())

	// A stopped session cannot be started.
	err = s.Start(context.Background())
	assert.ErrorIs(t, err, uierr.ErrInvalidState)
}

func TestCallsRequireReadySession(t *testing.T) {
	dir := t.TempDir()
	manager := install.NewManager(dir, &scriptBundle{version: "1.0.0\n", script: silentScript})

	s, err := New(WithInstaller(manager))
	require.NoError(t, err)

	_, err = s.Status()
	assert.ErrorIs(t, err, uierr.ErrInvalidState)
	err = s.Click(ClickTarget{Selector: "role=button"})
	assert.ErrorIs(t, err, uierr.ErrInvalidState)
}

func TestConnectSessionOwnsNoProcess(t *testing.T) {
	srv, _ := newStubServer(t)

	s := Connect(srv.URL)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, srv.URL, s.BaseURL())
	assert.Nil(t, s.proc)

	status, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, "0.4.2", status.Version)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateUnconfigured: "unconfigured",
		StateInstalling:   "installing",
		StateSpawning:     "spawning",
		StateAwaitingPort: "awaiting-port",
		StateProbing:      "probing",
		StateReady:        "ready",
		StateStopped:      "stopped",
		StateFailed:       "failed",
		State(99):         "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
