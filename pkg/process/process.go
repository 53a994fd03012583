// Package process spawns and supervises the server subprocess.
//
// A spawned handle is exclusively owned by the session that created it;
// only that session may terminate it. Successful spawn means the OS
// created the process, nothing more; whether the server is listening is
// the handshake's and prober's business.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	uierr "github.com/entrhq/uidriver/pkg/errors"
)

// BinaryName is the server executable inside the installation directory.
const BinaryName = "uiserver"

// CredentialPlaceholder is passed when no credential is configured, so the
// argument arity stays fixed.
const CredentialPlaceholder = "unused"

// StopGracePeriod bounds the wait for a graceful exit before the process
// is killed.
const StopGracePeriod = 3 * time.Second

// Handle is a running (or exited) server process.
type Handle struct {
	cmd  *exec.Cmd
	dir  string
	done chan struct{}

	mu      sync.Mutex
	stopped bool
}

func binaryPath(installDir string) string {
	name := BinaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(installDir, name)
}

// Spawn launches the server from the installation directory with the fixed
// managed-mode argument set: silent startup, lifecycle coupled to this
// parent process, library-managed mode, the credential (or its
// placeholder), and the handshake file the server must write its port to.
func Spawn(installDir, handshakeFile, credential string) (*Handle, error) {
	if credential == "" {
		credential = CredentialPlaceholder
	}

	bin := binaryPath(installDir)
	cmd := exec.Command(bin,
		"--silent",
		"--attach-parent",
		"--managed",
		"--credentials", credential,
		"--portfile", handshakeFile,
	)
	cmd.Dir = installDir
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, &uierr.ProcessLaunchError{Path: bin, Err: err}
	}

	h := &Handle{
		cmd:  cmd,
		dir:  installDir,
		done: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Pid returns the operating-system process ID.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Dir returns the working directory the process was launched from.
func (h *Handle) Dir() string { return h.dir }

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or d elapses, reporting whether it
// exited in time.
func (h *Handle) Wait(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Stop terminates the process: request a graceful exit, wait up to the
// grace period, kill on overrun. Idempotent, and a no-op when the process
// already exited on its own. The handle is released either way.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if !h.Alive() {
		return nil
	}

	// Interrupt first; not every platform delivers it, so a kill always
	// follows if the process lingers.
	if err := h.cmd.Process.Signal(os.Interrupt); err == nil {
		if h.Wait(StopGracePeriod) {
			return nil
		}
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill server process %d: %w", h.Pid(), err)
	}
	h.Wait(StopGracePeriod)
	return nil
}
