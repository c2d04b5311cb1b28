package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned when the per-repo sync lock could not be
// acquired before the caller's deadline.
var ErrLockHeld = errors.New("workflow: sync lock is held by another run")

// staleMtimeThreshold: a lock file with no parseable pid is considered
// abandoned after this long.
const staleMtimeThreshold = 10 * time.Minute

const lockPollInterval = 250 * time.Millisecond

// lockContents is the JSON body written into the lock file.
type lockContents struct {
	Token     string         `json:"token"`
	Pid       int            `json:"pid"`
	StartedAt string         `json:"startedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func lockPath(mirrorRoot string) string {
	return filepath.Join(mirrorRoot, "locks", "sync.lock")
}

// acquireLock implements the per-repo sync lock: exclusive file
// creation with stale-lock reclamation (dead pid, or no parseable pid
// and an mtime older than staleMtimeThreshold), polling every 250ms
// until deadline. deadline <= 0 means "try once, don't wait" (the
// hook-driven default).
func acquireLock(mirrorRoot string, deadline time.Duration, metadata map[string]any) (token string, release func() error, err error) {
	path := lockPath(mirrorRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, fmt.Errorf("create lock dir: %w", err)
	}

	token = uuid.NewString()
	body, err := json.Marshal(lockContents{
		Token: token, Pid: os.Getpid(), StartedAt: time.Now().UTC().Format(time.RFC3339Nano), Metadata: metadata,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal lock contents: %w", err)
	}

	deadlineAt := time.Now().Add(deadline)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := f.Write(body); werr != nil {
				f.Close()
				os.Remove(path)
				return "", nil, fmt.Errorf("write lock contents: %w", werr)
			}
			f.Close()
			return token, func() error { return releaseLock(mirrorRoot, token) }, nil
		}
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("create lock file: %w", err)
		}

		if reclaimed, rerr := reclaimIfStale(path); rerr != nil {
			return "", nil, rerr
		} else if reclaimed {
			continue // retry immediately after removing a stale lock
		}

		if deadline <= 0 || time.Now().After(deadlineAt) {
			return "", nil, ErrLockHeld
		}
		time.Sleep(lockPollInterval)
	}
}

// reclaimIfStale removes the lock file at path if it is abandoned:
// either its pid is no longer alive, or it has no parseable pid and its
// mtime is older than staleMtimeThreshold.
func reclaimIfStale(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil // it vanished between our create attempt and this check
		}
		return false, fmt.Errorf("stat lock file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read lock file: %w", err)
	}

	var contents lockContents
	if err := json.Unmarshal(data, &contents); err != nil || contents.Pid == 0 {
		if time.Since(info.ModTime()) > staleMtimeThreshold {
			return true, os.Remove(path)
		}
		return false, nil
	}

	if !pidAlive(contents.Pid) {
		return true, os.Remove(path)
	}
	return false, nil
}

// pidAlive reports whether pid is a live process, via the signal-0
// convention.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// releaseLock removes the lock file only if its contents still carry
// token — never unlink a lock some other run has since taken over.
func releaseLock(mirrorRoot, token string) error {
	path := lockPath(mirrorRoot)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock file before release: %w", err)
	}
	var contents lockContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil // not ours to reason about; leave it alone
	}
	if contents.Token != token {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
