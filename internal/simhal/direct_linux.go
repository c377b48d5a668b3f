//go:build linux

package simhal

import "golang.org/x/sys/unix"

// openDirectFlag returns O_DIRECT on Linux, so a simulated device can
// exercise the same unbuffered-I/O code path a real block device forces;
// platforms without O_DIRECT fall back to buffered I/O (direct_other.go).
func openDirectFlag() int { return unix.O_DIRECT }

// alignBuffer rounds n up to the 4096-byte alignment O_DIRECT requires.
func alignBuffer(n int) int {
	const align = 4096
	return (n + align - 1) &^ (align - 1)
}
