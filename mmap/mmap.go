// Package mmap wraps the platform memory-mapping and file-sync primitives
// the logging engine needs: mapping a staging-buffer file read-write,
// flushing mapped pages, syncing segment files, and advisory whole-file
// locks for single-writer enforcement.
package mmap

import (
	"os"
)

type Options uint

const (
	// Writable opens the mapping for writing (otherwise it's read-only).
	Writable Options = 1 << 0

	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 1

	// Prefault is a hint requesting the entire file to be loaded in memory
	// for fastest access. Maps to MAP_POPULATE on Linux.
	Prefault Options = 1 << 2
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map maps size bytes of f starting at offset zero. The file must already
// be at least size bytes long when mapping read-only; writable mappings
// truncate/extend the file to size first on platforms that require it.
func Map(f *os.File, size int, opt Options) ([]byte, error) {
	return mmap(f, size, opt)
}

// Unmap unmaps a slice returned by Map.
func Unmap(b []byte) error {
	return munmap(b)
}

// Msync flushes modified pages of a mapping to the backing file. The engine
// does not rely on this for its durability contract (crash survival goes
// through the OS page cache); it is used on clean shutdown only.
func Msync(b []byte) error {
	return msync(b)
}

// Fdatasync triggers the fastest fsync-like operation that ensures
// durability of data written to the given file, skipping metadata-only
// updates where the platform allows.
//
// Errors from this function are not recoverable: many operating systems
// mark modified pages clean even when fsync fails, so the only sensible
// handling is to surface the failure and stop writing.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
