//go:build !linux

package simhal

// openDirectFlag is 0 on non-Linux platforms: O_DIRECT has no portable
// equivalent, so the reference HAL falls back to ordinary buffered I/O
// there. Tests that depend on unbuffered semantics are Linux-only.
func openDirectFlag() int { return 0 }

func alignBuffer(n int) int { return n }
