// Package locker provides per-key mutual exclusion for interleaved tasks.
// The process is single-writer per resource key only when the key's lock is
// held; everything that mutates an order or position must go through here.
package locker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
)

const (
	// DefaultTimeout bounds how long a single acquisition attempt may queue.
	DefaultTimeout = 5 * time.Second
	// DefaultRetries is how many times WithLock re-attempts acquisition.
	DefaultRetries = 3
	// retryBackoffStep is multiplied by the attempt number between retries.
	retryBackoffStep = 100 * time.Millisecond
)

// Options tunes a WithLock call. Zero values take the defaults.
type Options struct {
	Timeout time.Duration
	Retries int
}

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int           // holders plus queued waiters
}

// Manager owns the lock table. All methods are safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	held    int
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger.With(slog.String("component", "locker")),
		entries: make(map[string]*entry),
	}
}

// WithLock runs fn while holding exclusive access to key. If the key is held,
// the call queues behind the holder; an attempt that queues longer than
// opts.Timeout fails and is retried up to opts.Retries times with linear
// backoff. The lock is released even when fn returns an error or panics, so a
// crash inside the critical section never leaves the key stuck.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = DefaultRetries
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * retryBackoffStep
			select {
			case <-ctx.Done():
				return domain.NewTradeError(domain.KindLockTimeout, "lock acquisition cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		release, err := m.acquire(ctx, key, opts.Timeout)
		if err != nil {
			lastErr = err
			m.logger.DebugContext(ctx, "lock attempt failed",
				slog.String("key", key),
				slog.Int("attempt", attempt+1),
			)
			continue
		}

		return func() (err error) {
			defer release()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in critical section for %q: %v", key, r)
				}
			}()
			return fn(ctx)
		}()
	}

	return domain.NewTradeError(domain.KindLockTimeout,
		fmt.Sprintf("could not acquire lock %q", key), lastErr)
}

// WithMultipleLocks runs fn while holding every key in keys. Keys are always
// acquired in ascending order regardless of the order passed in, which makes
// circular wait impossible across concurrent callers. There is no
// timeout-based retry; this is intended for short, already-exclusive call
// sites. All keys are released on completion or error.
func (m *Manager) WithMultipleLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, k := range sorted {
		release, err := m.acquire(ctx, k, 0)
		if err != nil {
			releaseAll()
			return err
		}
		releases = append(releases, release)
	}

	defer releaseAll()
	return fn(ctx)
}

// ActiveLocks returns the number of currently-held (not queued) keys.
func (m *Manager) ActiveLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// acquire obtains the lock for key, queueing for at most timeout (0 means
// only the context bounds the wait). The returned release function is safe to
// call exactly once.
func (m *Manager) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case e.ch <- struct{}{}:
		m.mu.Lock()
		m.held++
		m.mu.Unlock()
		return func() { m.release(key, e) }, nil
	case <-timeoutCh:
		m.unref(key, e)
		return nil, domain.NewTradeError(domain.KindLockTimeout,
			fmt.Sprintf("timed out waiting for lock %q", key), nil)
	case <-ctx.Done():
		m.unref(key, e)
		return nil, domain.NewTradeError(domain.KindLockTimeout,
			fmt.Sprintf("cancelled waiting for lock %q", key), ctx.Err())
	}
}

func (m *Manager) release(key string, e *entry) {
	<-e.ch
	m.mu.Lock()
	m.held--
	m.mu.Unlock()
	m.unref(key, e)
}

// unref drops one reference and removes the bookkeeping entry when nobody
// holds or waits on the key, so the table never grows without bound.
func (m *Manager) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
