package install

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/entrhq/uidriver/pkg/poll"
)

// The in-process single flight does not cover two separate OS processes
// racing to extract into a shared directory. An advisory lock file closes
// that gap: extraction only runs while holding it.
const (
	lockFileName     = ".install.lock"
	lockWait         = 30 * time.Second
	lockPollInterval = 100 * time.Millisecond
	lockStaleAfter   = 2 * time.Minute
)

type dirLock struct {
	path string
}

// acquireLock takes the advisory lock for dir, waiting up to lockWait for
// a holder to release it. Locks older than lockStaleAfter are treated as
// leftovers from a crashed installer and broken.
func acquireLock(clock poll.Clock, dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)
	deadline := poll.NewDeadline(clock, lockWait)

	err := poll.Until(clock, lockPollInterval, deadline, func() (bool, error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return true, nil
		}
		if !os.IsExist(err) {
			return false, err
		}
		if info, statErr := os.Stat(path); statErr == nil && clock.Now().Sub(info.ModTime()) > lockStaleAfter {
			_ = os.Remove(path)
		}
		return false, nil
	})
	if err == poll.ErrDeadline {
		return nil, fmt.Errorf("timed out waiting for install lock %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire install lock %s: %w", path, err)
	}
	return &dirLock{path: path}, nil
}

func (l *dirLock) release() {
	_ = os.Remove(l.path)
}
