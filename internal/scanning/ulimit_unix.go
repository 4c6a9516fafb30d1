//go:build linux || darwin || freebsd

package scanning

import "syscall"

// descriptorLimit returns the soft RLIMIT_NOFILE ceiling, or false when it
// cannot be determined.
func descriptorLimit() (uint64, bool) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return 0, false
	}
	return uint64(limit.Cur), true
}
