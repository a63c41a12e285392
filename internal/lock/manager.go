// Package lock coordinates agents that modify files in a shared working
// tree.
//
// Each path has a reader-writer lock: any number of Shared holders, or a
// single Exclusive holder. Checking for a conflict and taking the lock
// happen under one mutex, so there is no window between the two. Grant
// order among waiters is not FIFO.
//
// Alongside the locks the Manager keeps, per path, the last known
// FileVersion and a diagnostic queue of acquisition attempts used to report
// concurrent modifications. All state is in memory and belongs to one
// daemon process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agentd/internal/fileversion"
	"agentd/internal/metrics"
)

// Options configures a Manager.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Observer Observer

	// DefaultTimeout is used by Lock. Zero means a single attempt.
	DefaultTimeout time.Duration

	// ChunkSize is the read size used when hashing files.
	ChunkSize int

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type pathState struct {
	writer  string
	readers map[string]int
	queue   []QueueEntry
	version *fileversion.FileVersion

	// released is closed and replaced each time a holder leaves.
	released chan struct{}
}

func newPathState() *pathState {
	return &pathState{
		readers:  make(map[string]int),
		released: make(chan struct{}),
	}
}

func (st *pathState) held() bool {
	return st.writer != "" || len(st.readers) > 0
}

func (st *pathState) canGrant(mode Mode) bool {
	if mode == Shared {
		return st.writer == ""
	}
	return !st.held()
}

func (st *pathState) holders() []string {
	if st.writer != "" {
		return []string{st.writer}
	}
	out := make([]string, 0, len(st.readers))
	for agent := range st.readers {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}

func (st *pathState) mode() string {
	switch {
	case st.writer != "":
		return Exclusive.String()
	case len(st.readers) > 0:
		return Shared.String()
	}
	return ""
}

func (st *pathState) wake() {
	close(st.released)
	st.released = make(chan struct{})
}

// Manager is the file lock manager.
type Manager struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	observer       Observer
	defaultTimeout time.Duration
	chunkSize      int
	clock          func() time.Time

	mu    sync.Mutex
	paths map[string]*pathState
	held  int
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = fileversion.DefaultChunkSize
	}
	return &Manager{
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		observer:       opts.Observer,
		defaultTimeout: opts.DefaultTimeout,
		chunkSize:      opts.ChunkSize,
		clock:          opts.Clock,
		paths:          make(map[string]*pathState),
	}
}

func resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("lock: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", path, err)
	}
	return abs, nil
}

// state returns the state for abs, creating it. Caller holds m.mu.
func (m *Manager) state(abs string) *pathState {
	st, ok := m.paths[abs]
	if !ok {
		st = newPathState()
		m.paths[abs] = st
	}
	return st
}

// Acquire tries to lock path for agent.
//
// A timeout of zero makes a single attempt; WaitForever waits until the
// lock is granted or ctx ends. Running out of time is not an error: Acquire
// returns false, nil and the caller should retry later. A cancelled ctx
// returns false with ctx.Err().
//
// Locks are not reentrant. An agent already holding path that asks again
// waits like anyone else.
func (m *Manager) Acquire(ctx context.Context, path, agent string, mode Mode, timeout time.Duration) (bool, error) {
	if agent == "" {
		return false, errors.New("lock: empty agent name")
	}
	abs, err := resolve(path)
	if err != nil {
		return false, err
	}

	start := m.clock()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	m.mu.Lock()
	m.state(abs).queue = append(m.state(abs).queue, QueueEntry{Agent: agent, At: start})
	for {
		st := m.state(abs)
		if st.canGrant(mode) {
			wasHeld := st.held()
			if mode == Shared {
				st.readers[agent]++
			} else {
				st.writer = agent
			}
			if !wasHeld {
				m.held++
			}
			m.metrics.SetLocksHeld(m.held)
			m.mu.Unlock()

			m.metrics.RecordLockAttempt(mode.String(), true, time.Since(start))
			m.logger.Debug("lock granted", "path", abs, "agent", agent, "mode", mode)
			return true, nil
		}

		if timeout == 0 {
			m.mu.Unlock()
			m.refused(abs, agent, mode, start)
			return false, nil
		}

		released := st.released
		m.mu.Unlock()

		select {
		case <-released:
			m.mu.Lock()
		case <-expired:
			m.refused(abs, agent, mode, start)
			return false, nil
		case <-ctx.Done():
			m.metrics.RecordLockAttempt(mode.String(), false, time.Since(start))
			return false, ctx.Err()
		}
	}
}

func (m *Manager) refused(abs, agent string, mode Mode, start time.Time) {
	m.metrics.RecordLockAttempt(mode.String(), false, time.Since(start))
	m.logger.Debug("lock not acquired", "path", abs, "agent", agent, "mode", mode,
		"waited", time.Since(start))
}

// Release gives up agent's hold on path. A shared hold taken more than once
// by the same agent needs as many releases. When the last holder leaves,
// the modification queue is cleared.
func (m *Manager) Release(path, agent string) error {
	abs, err := resolve(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.paths[abs]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s by %s", ErrLockNotHeld, abs, agent)
	case st.writer == agent:
		st.writer = ""
	case st.readers[agent] > 0:
		st.readers[agent]--
		if st.readers[agent] == 0 {
			delete(st.readers, agent)
		}
	default:
		return fmt.Errorf("%w: %s by %s", ErrLockNotHeld, abs, agent)
	}

	if !st.held() {
		st.queue = nil
		m.held--
		m.metrics.SetLocksHeld(m.held)
	}
	st.wake()
	m.logger.Debug("lock released", "path", abs, "agent", agent)
	return nil
}

// CheckVersion hashes path and reports whether it differs from
// expectedETag, or from the last recorded version when expectedETag is
// empty. The first check of an unrecorded path records a baseline and
// reports no change. A missing file has a nil version and counts as changed
// if anything was expected of it.
func (m *Manager) CheckVersion(path, expectedETag string) (bool, *fileversion.FileVersion, error) {
	abs, err := resolve(path)
	if err != nil {
		return false, nil, err
	}

	current, err := fileversion.ComputeChunked(abs, m.chunkSize)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(abs)

	if current == nil {
		return expectedETag != "" || st.version != nil, nil, nil
	}
	if expectedETag != "" {
		return current.ETag != expectedETag, current, nil
	}
	if st.version == nil {
		baseline := *current
		st.version = &baseline
		return false, current, nil
	}
	return !st.version.Equal(current), current, nil
}

// RecordModification stores v as the latest version of path, stamped with
// agent and the current time. A nil v is computed from disk.
func (m *Manager) RecordModification(path, agent string, v *fileversion.FileVersion) (fileversion.FileVersion, error) {
	abs, err := resolve(path)
	if err != nil {
		return fileversion.FileVersion{}, err
	}
	if v == nil {
		v, err = fileversion.ComputeChunked(abs, m.chunkSize)
		if err != nil {
			return fileversion.FileVersion{}, err
		}
	}
	stamped := v.Stamp(agent, m.clock())

	m.mu.Lock()
	m.state(abs).version = &stamped
	m.mu.Unlock()

	return stamped, nil
}

// DetectConcurrentModifications returns a Conflict when more than one
// distinct agent has attempted to lock path since it was last free, and
// nil otherwise. Conflicts are passed to the Observer.
func (m *Manager) DetectConcurrentModifications(path string) *Conflict {
	abs, err := resolve(path)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	st, ok := m.paths[abs]
	var c *Conflict
	if ok && len(st.queue) > 1 {
		c = conflictFrom(abs, st.queue)
	}
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	m.metrics.RecordConflict()
	m.logger.Warn("concurrent modification detected",
		"path", abs, "agents", c.Agents, "spread", c.Spread)
	if m.observer != nil {
		m.observer.OnConflict(*c)
	}
	return c
}

// FileStatus reports the lock and version state of path. ok is false when
// the manager has never seen it.
func (m *Manager) FileStatus(path string) (Status, bool) {
	abs, err := resolve(path)
	if err != nil {
		return Status{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.paths[abs]
	if !ok {
		return Status{Path: abs}, false
	}
	return snapshot(abs, st), true
}

// AllLocks reports every currently held path, sorted by path.
func (m *Manager) AllLocks() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, m.held)
	for abs, st := range m.paths {
		if st.held() {
			out = append(out, snapshot(abs, st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func snapshot(abs string, st *pathState) Status {
	s := Status{
		Path:    abs,
		Locked:  st.held(),
		Mode:    st.mode(),
		Holders: st.holders(),
		Queue:   append([]QueueEntry(nil), st.queue...),
	}
	if st.version != nil {
		v := *st.version
		s.Version = &v
	}
	if len(s.Holders) == 0 {
		s.Holders = nil
	}
	return s
}

// Reset drops all lock and version state. Holders lose their locks and
// waiters re-contend against the empty table. Intended for tests and
// cleanup.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.paths {
		close(st.released)
	}
	m.paths = make(map[string]*pathState)
	m.held = 0
	m.metrics.SetLocksHeld(0)
	m.logger.Info("lock state reset")
}
