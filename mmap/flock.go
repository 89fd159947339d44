package mmap

import "os"

// Flock takes an exclusive, non-blocking advisory lock on f. It returns
// ErrLocked when another process (or another handle in this process) holds
// the lock. The lock is released by Funlock or when the file is closed.
func Flock(f *os.File) error {
	return flock(f)
}

// Funlock releases a lock taken by Flock.
func Funlock(f *os.File) error {
	return funlock(f)
}
