package lock

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentd/internal/fileversion"
)

var (
	// ErrLockTimeout is returned by scoped acquisition when the lock could
	// not be obtained in time. Acquire itself reports this as false.
	ErrLockTimeout = errors.New("lock: timed out waiting for lock")

	// ErrLockNotHeld is returned when releasing a lock the agent does not hold.
	ErrLockNotHeld = errors.New("lock: lock not held")
)

// WaitForever makes Acquire wait until the lock is granted or the context
// ends.
const WaitForever time.Duration = -1

// Mode is the kind of lock requested.
type Mode int

const (
	// Exclusive admits a single holder and no readers.
	Exclusive Mode = iota
	// Shared admits any number of holders while no exclusive holder exists.
	Shared
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "shared" or "exclusive".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exclusive", "":
		return Exclusive, nil
	case "shared":
		return Shared, nil
	}
	return 0, fmt.Errorf("lock: unknown mode %q", s)
}

// LockError describes a failed scoped acquisition.
type LockError struct {
	Path    string
	Agent   string
	Mode    Mode
	Timeout time.Duration
	Err     error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %s %s for %s: %v", e.Mode, e.Path, e.Agent, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// QueueEntry records one acquisition attempt.
type QueueEntry struct {
	Agent string    `json:"agent"`
	At    time.Time `json:"at"`
}

// Conflict reports more than one agent attempting to modify the same path
// while it was held.
type Conflict struct {
	Path   string        `json:"path"`
	Agents []string      `json:"agents"`
	First  time.Time     `json:"first"`
	Last   time.Time     `json:"last"`
	Spread time.Duration `json:"spread"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("concurrent modification of %s by %d agents (%s) within %s",
		c.Path, len(c.Agents), strings.Join(c.Agents, ", "), c.Spread.Round(time.Millisecond))
}

// Status is a point-in-time view of one path.
type Status struct {
	Path    string                   `json:"path"`
	Locked  bool                     `json:"locked"`
	Mode    string                   `json:"mode,omitempty"`
	Holders []string                 `json:"holders,omitempty"`
	Queue   []QueueEntry             `json:"queue,omitempty"`
	Version *fileversion.FileVersion `json:"version,omitempty"`
}

// Observer is notified of every detected conflict.
type Observer interface {
	OnConflict(c Conflict)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Conflict)

func (f ObserverFunc) OnConflict(c Conflict) { f(c) }

func conflictFrom(path string, queue []QueueEntry) *Conflict {
	seen := make(map[string]struct{}, len(queue))
	var agents []string
	first, last := queue[0].At, queue[0].At
	for _, q := range queue {
		if _, ok := seen[q.Agent]; !ok {
			seen[q.Agent] = struct{}{}
			agents = append(agents, q.Agent)
		}
		if q.At.Before(first) {
			first = q.At
		}
		if q.At.After(last) {
			last = q.At
		}
	}
	if len(agents) < 2 {
		return nil
	}
	sort.Strings(agents)
	return &Conflict{
		Path:   path,
		Agents: agents,
		First:  first,
		Last:   last,
		Spread: last.Sub(first),
	}
}
