package pinenut

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Rotation selects the width of a segment's time bucket.
type Rotation int

const (
	RotateMinute Rotation = iota
	RotateHour
	RotateDay
)

func (r Rotation) String() string {
	switch r {
	case RotateDay:
		return "day"
	case RotateHour:
		return "hour"
	default:
		return "minute"
	}
}

// Width returns the bucket width in seconds.
func (r Rotation) Width() int64 {
	switch r {
	case RotateDay:
		return 86400
	case RotateHour:
		return 3600
	default:
		return 60
	}
}

func (r Rotation) layout() string {
	switch r {
	case RotateDay:
		return "20060102"
	case RotateHour:
		return "2006010215"
	default:
		return "200601021504"
	}
}

// Bucket returns the start of the bucket containing the given unix time.
func (r Rotation) Bucket(secs int64) int64 {
	w := r.Width()
	b := secs % w
	if b < 0 {
		b += w
	}
	return secs - b
}

const (
	// DefaultBufferLen is the default total staging buffer size.
	DefaultBufferLen = 327680
	// DefaultCompressionLevel is the default zstd level.
	DefaultCompressionLevel = 10

	segmentSuffix = ".pine"
)

// Config tunes a Logger. The zero value is valid: memory-mapped buffering
// with the default sizes, minute rotation, no encryption.
type Config struct {
	// NoMmap disables the memory-mapped buffer file. By default the staging
	// buffer is backed by a memory-mapped file, making buffered records
	// survive a process crash; with NoMmap it lives in process memory.
	NoMmap bool

	// BufferLen is the total size of the staging buffer (both halves plus
	// header). Rounded up to a page multiple when memory-mapped.
	BufferLen uint64

	// Rotation selects the time-bucket width of segment files.
	Rotation Rotation

	// Key is the base64 form of a 33-byte compressed secp256r1 public key.
	// When set, segment bodies are encrypted.
	Key string

	// CompressionLevel is the zstd level, default 10.
	CompressionLevel int

	// Clock overrides the wall clock, for tests.
	Clock Clock

	// Logger receives diagnostics from the drain worker. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

func (c Config) normalized() Config {
	if c.BufferLen == 0 {
		c.BufferLen = DefaultBufferLen
	}
	if !c.NoMmap {
		c.BufferLen = roundUpPage(c.BufferLen)
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = DefaultCompressionLevel
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) validate() error {
	if c.BufferLen < bufHeaderSize+2*minHalfCapacity {
		return errf(KindConfig, "config", nil, "buffer size %d too small", c.BufferLen)
	}
	if c.CompressionLevel > 22 {
		return errf(KindConfig, "config", nil, "compression level %d out of range", c.CompressionLevel)
	}
	return nil
}

func roundUpPage(n uint64) uint64 {
	page := uint64(os.Getpagesize())
	return (n + page - 1) / page * page
}

// formatSegmentName builds "<identifier>_<YYYYMMDD[HH[MM]]>.pine" for the
// bucket starting at the given unix time.
func formatSegmentName(identifier string, r Rotation, bucket int64) string {
	t := time.Unix(bucket, 0).UTC()
	return fmt.Sprintf("%s_%s%s", identifier, t.Format(r.layout()), segmentSuffix)
}

func parseSegmentName(identifier string, r Rotation, name string) (bucket int64, err error) {
	origName := name
	name, ok := strings.CutPrefix(name, identifier+"_")
	if !ok {
		return 0, fmt.Errorf("invalid segment file name %q", origName)
	}
	name, ok = strings.CutSuffix(name, segmentSuffix)
	if !ok {
		return 0, fmt.Errorf("invalid segment file name %q", origName)
	}
	t, err := time.ParseInLocation(r.layout(), name, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("invalid segment file name %q (invalid bucket)", origName)
	}
	return t.Unix(), nil
}
