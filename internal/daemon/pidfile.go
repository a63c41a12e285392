package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned when another daemon holds the PID file.
var ErrAlreadyRunning = errors.New("daemon: already running for this working tree")

// ErrNotRunning is returned when no daemon holds the PID file.
var ErrNotRunning = errors.New("daemon: not running")

// PIDFile is an exclusively locked file holding the daemon's process ID.
// The lock is advisory and released by the kernel if the process dies, so
// a stale file left by a crash never blocks the next start.
type PIDFile struct {
	path string
	f    *os.File
}

// AcquirePIDFile creates or opens path, takes a non-blocking exclusive lock
// on it and writes the current PID. It returns ErrAlreadyRunning if another
// process holds the lock.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			if pid, perr := ReadPID(path); perr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock pid file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := f.Sync(); err != nil {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("sync pid file: %w", err)
	}

	return &PIDFile{path: path, f: f}, nil
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Release removes the file and drops the lock. It is safe to call more than
// once.
func (p *PIDFile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	rmErr := os.Remove(p.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	unlock(p.f)
	closeErr := p.f.Close()
	p.f = nil
	return errors.Join(rmErr, closeErr)
}

// ReadPID reads the process ID recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// Probe reports whether a daemon currently holds the lock on path, and if
// so its PID. A missing file means not running.
func Probe(path string) (running bool, pid int, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("open pid file: %w", err)
	}
	defer f.Close()

	if err := tryLock(f); err != nil {
		if !errors.Is(err, errLocked) {
			return false, 0, fmt.Errorf("probe pid file: %w", err)
		}
		pid, _ := ReadPID(path)
		return true, pid, nil
	}
	unlock(f)
	return false, 0, nil
}
