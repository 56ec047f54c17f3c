//go:build linux

package simhost

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to a real CPU. Simulated processors
// beyond the host's CPU count wrap around.
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
