package pinenut

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/pinenut-log/pinenut/mmap"
)

// fileEngine owns the segment files of one domain. At most one segment is
// open at a time; blocks arrive as verbatim byte runs (the drained buffer
// halves) tagged with the bucket they belong to. The engine never inspects
// block contents — section headers flow through it as ordinary bytes.
type fileEngine struct {
	dir        string
	identifier string
	rotation   Rotation
	logger     *slog.Logger

	f      *os.File
	bucket int64
}

func newFileEngine(d Domain, rotation Rotation, logger *slog.Logger) *fileEngine {
	return &fileEngine{
		dir:        d.Dir,
		identifier: d.Identifier,
		rotation:   rotation,
		logger:     logger,
	}
}

// writeBlock appends one drained block to the segment for the given bucket,
// finalizing the previously open segment if the bucket moved on, and
// creating the file on the bucket's first write. Recovery reuses this exact
// entry point: a replayed half is just another block.
func (e *fileEngine) writeBlock(bucket int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if e.f != nil && e.bucket != bucket {
		if err := e.finalize(); err != nil {
			return err
		}
	}
	if e.f == nil {
		name := formatSegmentName(e.identifier, e.rotation, bucket)
		f, err := os.OpenFile(filepath.Join(e.dir, name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return errf(KindIO, "open segment", err, "%s", name)
		}
		e.f = f
		e.bucket = bucket
	}
	if _, err := e.f.Write(data); err != nil {
		return errf(KindIO, "write segment", err, "%s", e.f.Name())
	}
	return nil
}

// finalize syncs and closes the open segment, if any.
func (e *fileEngine) finalize() error {
	if e.f == nil {
		return nil
	}
	f := e.f
	e.f = nil
	if err := mmap.Fdatasync(f); err != nil {
		f.Close()
		return errf(KindIO, "sync segment", err, "%s", f.Name())
	}
	if err := f.Close(); err != nil {
		return errf(KindIO, "close segment", err, "%s", f.Name())
	}
	return nil
}

// trim deletes segments whose bucket ended before now-lifetime. The open
// segment is never deleted. Per-file failures are logged and skipped.
func (e *fileEngine) trim(now int64, lifetime uint64) {
	cutoff := now - int64(lifetime)
	segs, err := listSegments(e.dir, e.identifier)
	if err != nil {
		e.logger.Warn("pinenut: trim: cannot list segments", "dir", e.dir, "err", err)
		return
	}
	var openName string
	if e.f != nil {
		openName = filepath.Base(e.f.Name())
	}
	for _, seg := range segs {
		if seg.name == openName {
			continue
		}
		if seg.bucket+seg.width-1 >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(e.dir, seg.name)); err != nil {
			e.logger.Warn("pinenut: trim: cannot delete segment", "file", seg.name, "err", err)
		}
	}
}

type segmentInfo struct {
	name   string
	bucket int64
	width  int64
}

// listSegments enumerates a domain's segment files in bucket order. The
// rotation is inferred per file from the timestamp width in the name, so
// readers work without knowing the writer's configuration.
func listSegments(dir, identifier string) ([]segmentInfo, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errf(KindIO, "list segments", err, "%s", dir)
	}
	var segs []segmentInfo
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		for _, r := range []Rotation{RotateMinute, RotateHour, RotateDay} {
			bucket, err := parseSegmentName(identifier, r, name)
			if err == nil {
				segs = append(segs, segmentInfo{name, bucket, r.Width()})
				break
			}
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].bucket < segs[j].bucket })
	return segs, nil
}
