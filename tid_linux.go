//go:build linux

package pinenut

import "golang.org/x/sys/unix"

// CurrentThreadID returns the OS thread id of the calling goroutine's
// current thread. Goroutines migrate between threads, so this is a hint,
// not an identity; callers that want stable ids should supply their own.
func CurrentThreadID() uint64 {
	return uint64(unix.Gettid())
}
