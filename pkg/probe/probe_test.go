package probe

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	uierr "github.com/entrhq/uidriver/pkg/errors"
	"github.com/entrhq/uidriver/pkg/poll"
)

func TestAwaitReadyImmediate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != LivenessPath {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, ReadyBody)
	}))
	defer srv.Close()

	clock := poll.NewManualClock(time.Unix(0, 0))
	if err := AwaitReady(srv.Client(), srv.URL, clock, poll.NewDeadline(clock, 30*time.Second)); err != nil {
		t.Fatalf("AwaitReady failed: %v", err)
	}
	if clock.Sleeps() != 0 {
		t.Errorf("expected no retries, got %d", clock.Sleeps())
	}
}

func TestAwaitReadyRetriesUntilPong(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "starting")
			return
		}
		fmt.Fprint(w, ReadyBody)
	}))
	defer srv.Close()

	clock := poll.NewManualClock(time.Unix(0, 0))
	if err := AwaitReady(srv.Client(), srv.URL, clock, poll.NewDeadline(clock, 30*time.Second)); err != nil {
		t.Fatalf("AwaitReady failed: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 4 {
		t.Errorf("expected 4 probes, got %d", got)
	}
}

func TestAwaitReadyRejectsWrongBodyUntilDeadline(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, "PONG!")
	}))
	defer srv.Close()

	clock := poll.NewManualClock(time.Unix(0, 0))
	err := AwaitReady(srv.Client(), srv.URL, clock, poll.NewDeadline(clock, 2*time.Second))

	var timeout *uierr.ReadinessTimeoutError
	if !uierr.As(err, &timeout) {
		t.Fatalf("expected *ReadinessTimeoutError, got %v", err)
	}
	if !uierr.IsTimeout(err) {
		t.Error("readiness timeout should classify as timeout")
	}
	// 2s budget at 100ms intervals: probing kept going the whole time.
	if got := atomic.LoadInt32(&hits); got < 2 {
		t.Errorf("expected repeated probes, got %d", got)
	}
}

func TestAwaitReadySwallowsConnectionErrors(t *testing.T) {
	// A server that is not listening at all: transport failures are "not
	// ready yet", not surfaced individually.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	clock := poll.NewManualClock(time.Unix(0, 0))
	err := AwaitReady(&http.Client{Timeout: time.Second}, url, clock, poll.NewDeadline(clock, time.Second))

	if !uierr.IsTimeout(err) {
		t.Fatalf("expected a readiness timeout, got %v", err)
	}
}
