//go:build !linux

package process

// setAffinity is a no-op where the scheduler offers no affinity call.
func setAffinity(int, []int) error { return nil }
