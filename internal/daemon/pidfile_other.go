//go:build !unix && !windows

package daemon

import (
	"errors"
	"os"
)

var errLocked = errors.New("file locked")

// Platforms without advisory locks get no single-instance guarantee.
func tryLock(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
