//go:build !linux

package pinenut

// CurrentThreadID returns NoThreadID on platforms without a cheap thread-id
// accessor.
func CurrentThreadID() uint64 {
	return NoThreadID
}
