//go:build !(linux || darwin || freebsd)

package health

import "errors"

func diskUsage(path string) (free, total uint64, err error) {
	return 0, 0, errors.New("disk usage not supported on this platform")
}
