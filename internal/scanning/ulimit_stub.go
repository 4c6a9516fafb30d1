//go:build !(linux || darwin || freebsd)

package scanning

// descriptorLimit is unavailable on this platform; the configured batch
// size is used as-is.
func descriptorLimit() (uint64, bool) {
	return 0, false
}
