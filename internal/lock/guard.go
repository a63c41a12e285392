package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Held is a lock obtained through Guard. Release it exactly once, usually
// with defer; further calls are no-ops.
type Held struct {
	m     *Manager
	path  string
	agent string
	mode  Mode
	once  sync.Once
	err   error
}

// Path returns the locked path as given to Guard.
func (h *Held) Path() string { return h.path }

// Mode returns the mode the lock was taken in.
func (h *Held) Mode() Mode { return h.mode }

// Release gives the lock back.
func (h *Held) Release() error {
	h.once.Do(func() {
		h.err = h.m.Release(h.path, h.agent)
	})
	return h.err
}

// Guard acquires path or fails. Unlike Acquire, running out of time is an
// error wrapping ErrLockTimeout, so a nil error always means the lock is
// held.
func (m *Manager) Guard(ctx context.Context, path, agent string, mode Mode, timeout time.Duration) (*Held, error) {
	ok, err := m.Acquire(ctx, path, agent, mode, timeout)
	if err != nil {
		return nil, &LockError{Path: path, Agent: agent, Mode: mode, Timeout: timeout, Err: err}
	}
	if !ok {
		return nil, &LockError{Path: path, Agent: agent, Mode: mode, Timeout: timeout, Err: ErrLockTimeout}
	}
	return &Held{m: m, path: path, agent: agent, mode: mode}, nil
}

// Lock is Guard with the manager's default timeout.
func (m *Manager) Lock(ctx context.Context, path, agent string, mode Mode) (*Held, error) {
	return m.Guard(ctx, path, agent, mode, m.defaultTimeout)
}

// WithLock runs fn while holding path. The lock is released however fn
// returns, including by panic.
func (m *Manager) WithLock(ctx context.Context, path, agent string, mode Mode, timeout time.Duration, fn func() error) (err error) {
	held, err := m.Guard(ctx, path, agent, mode, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := held.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn()
}
