// Package probe confirms the spawned server is actually accepting
// requests, as opposed to merely existing as a process.
package probe

import (
	"io"
	"net/http"
	"time"

	uierr "github.com/entrhq/uidriver/pkg/errors"
	"github.com/entrhq/uidriver/pkg/poll"
)

// LivenessPath is the fixed liveness endpoint.
const LivenessPath = "/ping"

// ReadyBody is the exact response body that signals readiness.
const ReadyBody = "pong"

// PollInterval matches the handshake phase; both consume one budget.
const PollInterval = 100 * time.Millisecond

// AwaitReady polls the liveness endpoint until the server answers with the
// ready sentinel or the deadline expires. Transport failures (connection
// refused while the socket is not bound yet) and wrong bodies both count
// as "not ready yet" and are retried; none surface individually.
func AwaitReady(client *http.Client, baseURL string, clock poll.Clock, deadline poll.Deadline) error {
	url := baseURL + LivenessPath
	budget := deadline.Remaining()

	err := poll.Until(clock, PollInterval, deadline, func() (bool, error) {
		resp, err := client.Get(url)
		if err != nil {
			return false, nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if err != nil {
			return false, nil
		}
		return string(body) == ReadyBody, nil
	})
	if err == poll.ErrDeadline {
		return &uierr.ReadinessTimeoutError{BaseURL: baseURL, Budget: budget}
	}
	return err
}
