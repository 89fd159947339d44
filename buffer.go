package pinenut

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"

	"github.com/pinenut-log/pinenut/mmap"
)

// The staging buffer is one region split into a header and two halves.
// Appenders write into the active half; the drain worker reads the inactive
// one. When the region is a memory-mapped file, every header mutation lands
// in the page cache immediately, which is what makes the dirty flags
// trustworthy after a crash.
//
// Layout:
//
//	off  0  magic        "PNBF"
//	off  4  version      u16 LE
//	off  6  active       u8 (0 or 1)
//	off  7  dirtyA       u8
//	off  8  dirtyB       u8
//	off  9  pad          u8
//	off 10  writeOffset  u64 LE (active half)
//	off 18  lenA         u64 LE
//	off 26  lenB         u64 LE
//	off 34  bucketA      i64 LE
//	off 42  bucketB      i64 LE
//	off 50  reserved
//
// lenA/lenB duplicate writeOffset per half so that a half swapped out but
// not yet drained keeps its length across a crash. bucketA/bucketB record
// which segment each half's bytes belong to, so recovery knows where to
// replay them.

const (
	bufHeaderSize   = 64
	bufVersion      = 1
	minHalfCapacity = 256

	noBucket = math.MinInt64
)

var bufMagic = []byte("PNBF")

type doubleBuffer struct {
	region  []byte
	f       *os.File // nil for the in-memory backing
	halfCap int
}

// openMemBuffer creates an in-process staging buffer. Nothing survives the
// process, but the swap and drain mechanics are identical.
func openMemBuffer(size uint64) *doubleBuffer {
	b := &doubleBuffer{
		region:  make([]byte, size),
		halfCap: int((size - bufHeaderSize) / 2),
	}
	b.init()
	return b
}

// openFileBuffer maps the domain's buffer file at the given size, creating
// it if absent. An existing file with a valid header is kept as-is so its
// dirty halves can be recovered; anything unrecognized is reinitialized.
func openFileBuffer(path string, size uint64) (*doubleBuffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errf(KindIO, "open buffer", err, "")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errf(KindIO, "open buffer", err, "")
	}
	fresh := st.Size() != int64(size)
	if fresh {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errf(KindIO, "open buffer", err, "resize to %d", size)
		}
	}
	region, err := mmap.Map(f, int(size), mmap.Writable)
	if err != nil {
		f.Close()
		return nil, errf(KindIO, "open buffer", err, "mmap %d bytes", size)
	}
	b := &doubleBuffer{
		region:  region,
		f:       f,
		halfCap: int((size - bufHeaderSize) / 2),
	}
	if fresh || !b.headerValid() {
		b.init()
	}
	return b, nil
}

func (b *doubleBuffer) headerValid() bool {
	return bytes.Equal(b.region[0:4], bufMagic) &&
		binary.LittleEndian.Uint16(b.region[4:6]) == bufVersion &&
		b.region[6] <= 1
}

func (b *doubleBuffer) init() {
	copy(b.region[0:4], bufMagic)
	binary.LittleEndian.PutUint16(b.region[4:6], bufVersion)
	b.region[6] = 0
	b.region[7] = 0
	b.region[8] = 0
	b.region[9] = 0
	binary.LittleEndian.PutUint64(b.region[10:18], 0)
	b.setLen(0, 0)
	b.setLen(1, 0)
	b.setBucket(0, noBucket)
	b.setBucket(1, noBucket)
}

func (b *doubleBuffer) active() int {
	return int(b.region[6])
}

func (b *doubleBuffer) dirty(half int) bool {
	return b.region[7+half] != 0
}

func (b *doubleBuffer) setDirty(half int, v bool) {
	if v {
		b.region[7+half] = 1
	} else {
		b.region[7+half] = 0
	}
}

func (b *doubleBuffer) len(half int) int {
	return int(binary.LittleEndian.Uint64(b.region[18+8*half : 26+8*half]))
}

func (b *doubleBuffer) setLen(half, n int) {
	binary.LittleEndian.PutUint64(b.region[18+8*half:26+8*half], uint64(n))
	if half == b.active() {
		binary.LittleEndian.PutUint64(b.region[10:18], uint64(n))
	}
}

func (b *doubleBuffer) bucket(half int) int64 {
	return int64(binary.LittleEndian.Uint64(b.region[34+8*half : 42+8*half]))
}

func (b *doubleBuffer) setBucket(half int, v int64) {
	binary.LittleEndian.PutUint64(b.region[34+8*half:42+8*half], uint64(v))
}

func (b *doubleBuffer) half(half int) []byte {
	off := bufHeaderSize + half*b.halfCap
	return b.region[off : off+b.halfCap]
}

// data returns the filled portion of a half.
func (b *doubleBuffer) data(half int) []byte {
	return b.half(half)[:b.len(half)]
}

func (b *doubleBuffer) free() int {
	return b.halfCap - b.len(b.active())
}

// append copies as much of p as fits into the active half and returns how
// many bytes were written. The caller swaps and retries when short.
func (b *doubleBuffer) append(p []byte) int {
	a := b.active()
	off := b.len(a)
	n := copy(b.half(a)[off:], p)
	if n > 0 {
		b.setLen(a, off+n)
		b.setDirty(a, true)
	}
	return n
}

// swap flips the halves and tags the new active half with the session's
// bucket. The inactive half must already be drained (clean); the caller
// enforces that. Returns the index of the just-vacated half.
func (b *doubleBuffer) swap(bucket int64) int {
	old := b.active()
	next := 1 - old
	b.region[6] = byte(next)
	b.setLen(next, 0)
	b.setBucket(next, bucket)
	return old
}

// recoveredBlock is one dirty half found at startup, destined for the
// segment of its bucket.
type recoveredBlock struct {
	bucket int64
	data   []byte
}

// pending returns the dirty halves in stream order: the inactive half was
// swapped out before the active one accumulated, so it goes first.
func (b *doubleBuffer) pending() []recoveredBlock {
	var blocks []recoveredBlock
	for _, half := range []int{1 - b.active(), b.active()} {
		if b.dirty(half) && b.len(half) > 0 && b.bucket(half) != noBucket {
			blocks = append(blocks, recoveredBlock{b.bucket(half), b.data(half)})
		}
	}
	return blocks
}

func (b *doubleBuffer) close() error {
	if b.f == nil {
		return nil
	}
	var firstErr error
	if err := mmap.Msync(b.region); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := mmap.Unmap(b.region); err != nil && firstErr == nil {
		firstErr = err
	}
	b.region = nil
	if err := b.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	b.f = nil
	return firstErr
}
