// Package driver ties the startup phases into a client session.
//
// A managed session walks Installing → Spawning → AwaitingPort → Probing →
// Ready in strict order: the shared installer places the server bundle on
// disk, the supervisor spawns the binary with a unique handshake file, the
// handshake yields the ephemeral port and with it the base URL, and the
// prober confirms the server answers. The handshake and probe phases share
// one time budget; time spent in one reduces what the other may use.
//
// A session is single-use. Once failed or stopped it cannot be restarted;
// construct a new one instead.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/uidriver/pkg/config"
	uierr "github.com/entrhq/uidriver/pkg/errors"
	"github.com/entrhq/uidriver/pkg/handshake"
	"github.com/entrhq/uidriver/pkg/install"
	"github.com/entrhq/uidriver/pkg/install/bundle"
	"github.com/entrhq/uidriver/pkg/logging"
	"github.com/entrhq/uidriver/pkg/poll"
	"github.com/entrhq/uidriver/pkg/probe"
	"github.com/entrhq/uidriver/pkg/process"
	"github.com/entrhq/uidriver/pkg/transport"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateUnconfigured State = iota
	StateInstalling
	StateSpawning
	StateAwaitingPort
	StateProbing
	StateReady
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateInstalling:
		return "installing"
	case StateSpawning:
		return "spawning"
	case StateAwaitingPort:
		return "awaiting-port"
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one client connection to one server instance. A session that
// spawned its server owns the process exclusively and is the only entity
// that terminates it; a session attached to an external endpoint owns no
// process at all.
type Session struct {
	mu      sync.Mutex
	state   State
	err     error
	baseURL string
	proc    *process.Handle
	client  *transport.Client

	installer      *install.Manager
	clock          poll.Clock
	credential     string
	startupTimeout time.Duration
	log            *logging.Logger
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithInstaller substitutes the shared installation manager. Tests inject
// fakes here; embedders hosting several sessions should pass the same
// manager to each so extraction runs once.
func WithInstaller(m *install.Manager) Option {
	return func(s *Session) { s.installer = m }
}

// WithClock substitutes the time source for the startup phases.
func WithClock(clock poll.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithCredential sets the credential passed to the spawned server.
func WithCredential(credential string) Option {
	return func(s *Session) { s.credential = credential }
}

// WithStartupTimeout overrides the shared handshake-plus-probe budget.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *Session) { s.startupTimeout = d }
}

// WithLogger attaches a logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Session) { s.log = log }
}

// FromConfig applies a loaded configuration: install directory, preserve
// patterns, credential, and startup budget.
func FromConfig(cfg config.Config) Option {
	return func(s *Session) {
		s.credential = cfg.Credential
		s.startupTimeout = cfg.StartupTimeout()
		s.installer = install.NewManager(cfg.InstallDir, bundle.Default(),
			install.WithPreserve(cfg.Preserve...))
	}
}

var (
	defaultInstallerOnce sync.Once
	defaultInstaller     *install.Manager
	defaultInstallerErr  error
)

// sharedInstaller is the process-wide manager used when none is injected,
// so independent sessions still share one extraction.
func sharedInstaller() (*install.Manager, error) {
	defaultInstallerOnce.Do(func() {
		dir, err := config.DefaultInstallDir()
		if err != nil {
			defaultInstallerErr = fmt.Errorf("resolve install directory: %w", err)
			return
		}
		defaultInstaller = install.NewManager(dir, bundle.Default())
	})
	return defaultInstaller, defaultInstallerErr
}

// New creates a managed session. Call Start to install, spawn, and reach
// the Ready state.
func New(opts ...Option) (*Session, error) {
	s := &Session{
		state:          StateUnconfigured,
		clock:          poll.SystemClock(),
		startupTimeout: config.DefaultStartupTimeoutMS * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log, _ = logging.New("driver", logging.LevelInfo)
	}
	if s.installer == nil {
		installer, err := sharedInstaller()
		if err != nil {
			return nil, err
		}
		s.installer = installer
	}
	return s, nil
}

// Connect creates a session attached to an externally managed server. The
// session owns no process, is immediately usable, and cannot be started.
func Connect(baseURL string, opts ...Option) *Session {
	s := &Session{
		state:   StateReady,
		baseURL: baseURL,
		client:  transport.NewClient(baseURL),
		clock:   poll.SystemClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log, _ = logging.New("driver", logging.LevelInfo)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BaseURL returns the negotiated or attached endpoint, or "" before the
// handshake resolved.
func (s *Session) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// Start installs the server bundle, spawns the server, waits for its port,
// and probes it until ready. All failures surface synchronously; nothing
// is retried. A process that was spawned but never became ready has been
// terminated (best effort) by the time Start returns an error.
//
// The context deadline, when earlier than the configured budget, shortens
// the effective handshake-plus-probe deadline; cancellation is modeled the
// same way.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.baseURL != "" {
		s.mu.Unlock()
		return &uierr.InvalidStateError{Op: "start", Reason: "session already has a configured endpoint"}
	}
	if s.state != StateUnconfigured {
		s.mu.Unlock()
		return &uierr.InvalidStateError{Op: "start", Reason: fmt.Sprintf("session is %s; a session starts at most once", s.state)}
	}
	s.state = StateInstalling
	s.mu.Unlock()

	installDir, err := s.installer.EnsureInstalled()
	if err != nil {
		return s.fail(err)
	}

	if err := s.advance(StateSpawning); err != nil {
		return err
	}
	exchange := handshake.NewExchange()
	if err := exchange.Clear(installDir); err != nil {
		return s.fail(err)
	}
	proc, err := process.Spawn(installDir, exchange.FileName(), s.credential)
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	s.log.Debugf("spawned server pid %d, handshake file %s", proc.Pid(), exchange.FileName())

	deadline := s.startupDeadline(ctx)

	if err := s.advance(StateAwaitingPort); err != nil {
		_ = proc.Stop()
		return err
	}
	port, err := exchange.AwaitPort(installDir, s.clock, deadline)
	if err != nil {
		_ = proc.Stop()
		return s.fail(err)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", port)
	s.mu.Lock()
	s.baseURL = baseURL
	s.client = transport.NewClient(baseURL)
	s.mu.Unlock()

	if err := s.advance(StateProbing); err != nil {
		_ = proc.Stop()
		return err
	}
	if err := probe.AwaitReady(s.client.HTTPClient(), baseURL, s.clock, deadline); err != nil {
		_ = proc.Stop()
		return s.fail(err)
	}

	if err := s.advance(StateReady); err != nil {
		_ = proc.Stop()
		return err
	}
	s.log.Infof("session ready at %s (pid %d)", baseURL, proc.Pid())
	return nil
}

// startupDeadline derives the effective shared budget, shortened by the
// context's deadline when that is earlier.
func (s *Session) startupDeadline(ctx context.Context) poll.Deadline {
	deadline := poll.NewDeadline(s.clock, s.startupTimeout)
	if at, ok := ctx.Deadline(); ok && at.Before(deadline.Time()) {
		return poll.DeadlineAt(s.clock, at)
	}
	return deadline
}

// advance moves to the next startup phase unless Stop aborted the session
// in the meantime.
func (s *Session) advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return &uierr.InvalidStateError{Op: "start", Reason: "session stopped during startup"}
	}
	s.state = next
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.state = StateFailed
		s.err = err
	}
	s.mu.Unlock()
	s.log.Errorf("startup failed: %v", err)
	return err
}

// Stop shuts the session down: terminate the owned process if one is
// alive, wait a bounded grace period, and release the transport.
// Idempotent, and a no-op for sessions that never spawned anything. Run it
// on every exit path; a leaked subprocess is a correctness bug, and
// garbage collection will not clean one up.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateFailed {
		s.state = StateStopped
	}
	proc := s.proc
	s.proc = nil
	client := s.client
	s.client = nil
	s.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.Stop()
	}
	if client != nil {
		client.Close()
	}
	if err != nil {
		s.log.Warnf("stopping server process: %v", err)
	}
	return err
}

// api returns the transport for a ready session.
func (s *Session) api() (*transport.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.client == nil {
		return nil, &uierr.InvalidStateError{Op: "call", Reason: fmt.Sprintf("session is %s, not ready", s.state)}
	}
	return s.client, nil
}
