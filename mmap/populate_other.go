//go:build unix && !linux

package mmap

// MAP_POPULATE is Linux-only; elsewhere the Prefault hint is a no-op.
const mapPopulate = 0
