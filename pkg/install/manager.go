// Package install places the versioned server bundle on disk.
//
// Extraction runs at most once per process: the first caller performs the
// work and every concurrent or later caller receives that same outcome,
// success or failure. A version marker in the target directory decides
// whether extraction is needed at all; when the on-disk marker matches the
// bundle's version byte-for-byte, nothing is written.
package install

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"

	uierr "github.com/entrhq/uidriver/pkg/errors"
	"github.com/entrhq/uidriver/pkg/logging"
	"github.com/entrhq/uidriver/pkg/poll"
)

// MarkerFile records which bundle version is currently extracted.
const MarkerFile = "installedversion.txt"

// Bundle supplies the server archive and its version marker. The default
// implementation is the embedded bundle in pkg/install/bundle; tests
// substitute fakes.
type Bundle interface {
	// Version returns the marker content for this bundle.
	Version() string

	// Archive returns the zip archive holding the server files.
	Archive() ([]byte, error)
}

// Manager ensures the bundle is installed in its target directory. One
// Manager is shared by every session in the process.
type Manager struct {
	dir      string
	bundle   Bundle
	preserve []string
	clock    poll.Clock
	log      *logging.Logger

	group singleflight.Group

	mu   sync.Mutex
	done bool
	err  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithPreserve exempts files matching the glob patterns from being
// overwritten during re-extraction.
func WithPreserve(patterns ...string) Option {
	return func(m *Manager) { m.preserve = append(m.preserve, patterns...) }
}

// WithClock substitutes the time source used while waiting for the
// cross-process install lock.
func WithClock(clock poll.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager extracting bundle into dir.
func NewManager(dir string, bundle Bundle, opts ...Option) *Manager {
	m := &Manager{
		dir:    dir,
		bundle: bundle,
		clock:  poll.SystemClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the target installation directory.
func (m *Manager) Dir() string { return m.dir }

// EnsureInstalled makes sure the bundle is present in the target directory
// and returns that directory. Safe to call from many goroutines: the
// underlying work runs once and its result, including a failure, is cached
// for the lifetime of the process.
func (m *Manager) EnsureInstalled() (string, error) {
	m.mu.Lock()
	if m.done {
		err := m.err
		m.mu.Unlock()
		if err != nil {
			return "", err
		}
		return m.dir, nil
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do("install", func() (interface{}, error) {
		return nil, m.installOnce()
	})

	m.mu.Lock()
	if !m.done {
		m.done = true
		m.err = err
	}
	err = m.err
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	return m.dir, nil
}

func (m *Manager) installOnce() error {
	if err := os.MkdirAll(m.dir, 0750); err != nil {
		return &uierr.InstallError{Dir: m.dir, Err: err}
	}

	if m.markerMatches() {
		m.infof("bundle %q already installed in %s", strings.TrimSpace(m.bundle.Version()), m.dir)
		return nil
	}

	// Another OS process embedding this client may be extracting into the
	// same directory right now. The advisory lock serializes them; after
	// acquiring it the marker is re-checked so the loser of the race skips
	// extraction entirely.
	lock, err := acquireLock(m.clock, m.dir)
	if err != nil {
		return &uierr.InstallError{Dir: m.dir, Err: err}
	}
	defer lock.release()

	if m.markerMatches() {
		return nil
	}

	if err := m.extract(); err != nil {
		return &uierr.InstallError{Dir: m.dir, Err: err}
	}
	if err := m.writeMarker(); err != nil {
		return &uierr.InstallError{Dir: m.dir, Err: err}
	}
	m.infof("installed bundle %q in %s", strings.TrimSpace(m.bundle.Version()), m.dir)
	return nil
}

// markerMatches reports whether the on-disk marker equals the bundle's
// version byte-for-byte.
func (m *Manager) markerMatches() bool {
	data, err := os.ReadFile(filepath.Join(m.dir, MarkerFile))
	if err != nil {
		return false
	}
	return bytes.Equal(data, []byte(m.bundle.Version()))
}

func (m *Manager) extract() error {
	globs, err := m.compilePreserve()
	if err != nil {
		return err
	}

	raw, err := m.bundle.Archive()
	if err != nil {
		return fmt.Errorf("bundle archive unavailable: %w", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("read bundle archive: %w", err)
	}

	for _, entry := range reader.File {
		if err := m.extractEntry(entry, globs); err != nil {
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
	}
	return nil
}

func (m *Manager) compilePreserve() ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(m.preserve))
	for _, pattern := range m.preserve {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid preserve pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func (m *Manager) extractEntry(entry *zip.File, preserved []glob.Glob) error {
	name := filepath.ToSlash(entry.Name)
	if strings.Contains(name, "..") {
		return fmt.Errorf("archive entry escapes target directory")
	}
	target := filepath.Join(m.dir, filepath.FromSlash(name))

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, 0750)
	}

	for _, g := range preserved {
		if g.Match(name) {
			if _, err := os.Stat(target); err == nil {
				m.infof("preserving existing file %s", name)
				return nil
			}
			break
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := entry.Mode()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// writeMarker records the installed version. It runs only after every
// archive entry extracted successfully, so a partial extraction never
// leaves a marker claiming a newer version than what is on disk.
func (m *Manager) writeMarker() error {
	path := filepath.Join(m.dir, MarkerFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(m.bundle.Version()), 0644); err != nil {
		return fmt.Errorf("write version marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write version marker: %w", err)
	}
	return nil
}

func (m *Manager) infof(format string, v ...interface{}) {
	if m.log != nil {
		m.log.Infof(format, v...)
	}
}
