// Package lock serializes catalog mutation for one alias state directory.
//
// Exclusion is two-layered: an in-process semaphore keyed by lock path, and a
// lock file created with O_EXCL that other processes observe. The lock file
// carries a random token so a holder only ever removes its own file. When the lock
// file cannot be created for a reason other than contention (read-only
// filesystem, permissions), non-strict lockers log a warning and continue with
// in-process exclusion only. Strict lockers fail with ErrLockUnavailable.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/strata/internal/observe"
)

// ErrLockUnavailable is returned when the lock could not be acquired in time,
// or could not be created at all by a strict locker.
var ErrLockUnavailable = errors.New("lock unavailable")

// Options bound the wait for the lock.
type Options struct {
	Timeout    time.Duration
	Retry      time.Duration
	StaleAfter time.Duration
	Strict     bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Timeout:    10 * time.Second,
		Retry:      50 * time.Millisecond,
		StaleAfter: 5 * time.Minute,
	}
}

// TimeoutError reports a lock wait that ran out of time.
type TimeoutError struct {
	Path     string
	Waited   time.Duration
	Attempts int
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock unavailable: timed out waiting for %s (waited=%s attempts=%d timeout=%s)",
		e.Path, e.Waited.Truncate(time.Millisecond), e.Attempts, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrLockUnavailable }

// Locker guards one lock file.
type Locker struct {
	path string
	opts Options
	obs  *observe.Observer
}

var processLocks sync.Map

// New returns a Locker for the given lock file path.
func New(path string, opts Options, obs *observe.Observer) *Locker {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retry <= 0 {
		opts.Retry = def.Retry
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if obs == nil {
		obs = observe.Nop()
	}
	return &Locker{path: path, opts: opts, obs: obs}
}

// Path returns the lock file path.
func (l *Locker) Path() string { return l.path }

// WithLock runs fn while holding the lock.
func (l *Locker) WithLock(ctx context.Context, fn func() error) error {
	start := time.Now()
	deadline := start.Add(l.opts.Timeout)

	sem := processSemaphore(l.path)
	timer := time.NewTimer(l.opts.Timeout)
	select {
	case sem <- struct{}{}:
		timer.Stop()
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return &TimeoutError{Path: l.path, Waited: time.Since(start), Attempts: 0, Timeout: l.opts.Timeout}
	}
	defer func() { <-sem }()

	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return l.degrade(fn, err)
	}

	attempts := 0
	for {
		attempts++
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) // #nosec G304
		if err == nil {
			token := uuid.NewString()
			writeOwner(f, token)
			_ = f.Close()
			defer l.release(token)
			return fn()
		}
		if !os.IsExist(err) {
			return l.degrade(fn, err)
		}
		if l.reclaimStale() {
			continue
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Path: l.path, Waited: time.Since(start), Attempts: attempts, Timeout: l.opts.Timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.Retry):
		}
	}
}

// degrade handles a lock file that cannot be created at all.
func (l *Locker) degrade(fn func() error, cause error) error {
	if l.opts.Strict {
		return fmt.Errorf("%w: cannot create %s: %v", ErrLockUnavailable, l.path, cause)
	}
	l.obs.Log().Warn().
		Str("lock", l.path).
		Err(cause).
		Msg("lock file unavailable, continuing without inter-process exclusion")
	return fn()
}

// release removes the lock file only while it still carries token. A holder
// that outlived StaleAfter may find its file reclaimed and replaced.
func (l *Locker) release(token string) {
	if owner, ok := readOwner(l.path); ok && owner.Token != token {
		l.obs.Log().Warn().Str("lock", l.path).Msg("lock file was reclaimed by another owner")
		return
	}
	_ = os.Remove(l.path)
}

// reclaimStale moves a stale lock file aside before deleting it. If the file
// moved aside is not the one judged stale, a fresh lock was taken in between
// and it is linked back.
func (l *Locker) reclaimStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		// Vanished between attempts; retry immediately.
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) < l.opts.StaleAfter {
		return false
	}
	stale, _ := readOwner(l.path)

	aside := l.path + ".stale-" + uuid.NewString()
	if err := os.Rename(l.path, aside); err != nil {
		return os.IsNotExist(err)
	}
	defer func() { _ = os.Remove(aside) }()

	if moved, _ := readOwner(aside); moved.Token != stale.Token {
		if err := os.Link(aside, l.path); err != nil {
			l.obs.Log().Warn().Str("lock", l.path).Err(err).Msg("could not restore a fresh lock file")
		}
		return false
	}
	l.obs.Log().Warn().Str("lock", l.path).Int("pid", stale.PID).Msg("reclaimed stale lock file")
	return true
}

type owner struct {
	PID       int    `json:"pid"`
	Token     string `json:"token,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func writeOwner(f *os.File, token string) {
	b, err := json.Marshal(owner{
		PID:       os.Getpid(),
		Token:     token,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		_, _ = f.Write(append(b, '\n'))
	}
}

// readOwner parses a lock file body. Unparseable bodies yield a zero owner.
func readOwner(path string) (owner, bool) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return owner{}, false
	}
	var o owner
	_ = json.Unmarshal(b, &o)
	return o, true
}

func processSemaphore(path string) chan struct{} {
	if existing, ok := processLocks.Load(path); ok {
		return existing.(chan struct{})
	}
	actual, _ := processLocks.LoadOrStore(path, make(chan struct{}, 1))
	return actual.(chan struct{})
}
