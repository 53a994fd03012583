// Package handshake implements the file-based port exchange with a newly
// spawned server.
//
// The server chooses its own ephemeral port, so the port cannot be passed
// in up front. Instead the client hands the server a uniquely named file
// path on the command line; once the server has bound its socket it writes
// the port number into that file. The client polls for the file, reads the
// port, and deletes the file. Randomized names keep concurrent spawn
// attempts from ever reading each other's signal.
package handshake

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	uierr "github.com/entrhq/uidriver/pkg/errors"
	"github.com/entrhq/uidriver/pkg/poll"
)

// PollInterval is how often the exchange checks for the port file.
const PollInterval = 100 * time.Millisecond

// Exchange is one port negotiation with one spawn attempt.
type Exchange struct {
	fileName string
}

// NewExchange creates an exchange with a fresh randomized file name.
func NewExchange() *Exchange {
	return &Exchange{fileName: fmt.Sprintf("portnr_%s.txt", uuid.New().String())}
}

// FileName returns the handshake file name passed to the server.
func (e *Exchange) FileName() string { return e.fileName }

// Clear deletes any leftover file of the same name so a stale signal from
// a previous run cannot be misread as a fresh one. Call before spawning
// the server; once the server is running the file must not be touched
// until AwaitPort reads it.
func (e *Exchange) Clear(dir string) error {
	err := os.Remove(filepath.Join(dir, e.fileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale handshake file: %w", err)
	}
	return nil
}

// AwaitPort polls for the handshake file until it appears or the deadline
// expires, then reads the port from it and deletes it. Malformed content
// is a protocol error; expiry is a handshake timeout. The deadline is the
// shared startup budget, so time spent here reduces what the readiness
// probe may use.
func (e *Exchange) AwaitPort(dir string, clock poll.Clock, deadline poll.Deadline) (int, error) {
	path := filepath.Join(dir, e.fileName)
	budget := deadline.Remaining()

	var port int
	err := poll.Until(clock, PollInterval, deadline, func() (bool, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("read handshake file: %w", err)
		}
		text := strings.TrimSpace(string(data))
		p, err := strconv.Atoi(text)
		if err != nil {
			return false, &uierr.ProtocolError{Detail: fmt.Sprintf("handshake file %s holds %q, expected a port number", e.fileName, text)}
		}
		port = p
		return true, nil
	})
	if err == poll.ErrDeadline {
		return 0, &uierr.HandshakeTimeoutError{File: e.fileName, Budget: budget}
	}
	if err != nil {
		return 0, err
	}

	// The file served its purpose; a failed delete is not worth failing
	// the startup over.
	_ = os.Remove(path)
	return port, nil
}
