package pinenut

import (
	"crypto/ecdh"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Logger is the public surface of the engine. Callers may invoke Log from
// any number of goroutines; the only caller-side suspension point is the
// short critical section around the staging buffer (plus the swap path when
// a half fills while the previous one is still draining). Once New has
// returned, all segment-file I/O happens on the single drain worker.
type Logger struct {
	domain  Domain
	cfg     Config
	clock   Clock
	slog    *slog.Logger
	userPub *ecdh.PublicKey // nil when encryption is off

	mu          sync.Mutex
	cond        *sync.Cond // signaled when a half finishes draining
	buf         *doubleBuffer
	comp        *compressor
	cw          *streamCipher // per-segment; nil when encryption is off
	sessionOpen bool
	bucket      int64
	closed      bool

	reqs   chan drainRequest
	wg     sync.WaitGroup
	engine *fileEngine // worker-owned once the worker starts
	lock   *os.File

	errMu sync.Mutex
	err   error
}

type drainRequest struct {
	kind     int
	bucket   int64
	half     int
	data     []byte
	now      int64
	lifetime uint64
}

const (
	reqBlock = iota
	reqTrim
)

func bufferPath(d Domain) string {
	return filepath.Join(d.Dir, d.Identifier+".buffer")
}

// New opens (creating if needed) the domain directory, takes the domain
// lock, recovers any crash leftovers from the buffer file, and starts the
// drain worker.
func New(d Domain, cfg Config) (*Logger, error) {
	cfg = cfg.normalized()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var userPub *ecdh.PublicKey
	if cfg.Key != "" {
		var err error
		userPub, err = ParsePublicKey(cfg.Key)
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(d.Dir, 0o777); err != nil {
		return nil, errf(KindIO, "open domain", err, "%s", d.Dir)
	}
	lock, err := acquireLock(d)
	if err != nil {
		return nil, err
	}
	var ok bool
	defer func() {
		if !ok {
			releaseLock(lock)
		}
	}()

	comp, err := newCompressor(cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}

	engine := newFileEngine(d, cfg.Rotation, cfg.Logger)

	var buf *doubleBuffer
	if cfg.NoMmap {
		buf = openMemBuffer(cfg.BufferLen)
	} else {
		path := bufferPath(d)
		if prev := loadManifest(manifestPath(d)); prev != nil && prev.BufferLen != cfg.BufferLen {
			// The buffer geometry changed between runs: recover with the
			// old geometry first, then rebuild at the new size.
			if old, err := openFileBuffer(path, prev.BufferLen); err == nil {
				rerr := recoverBuffer(old, engine)
				old.close()
				if rerr != nil {
					return nil, rerr
				}
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, errf(KindIO, "open buffer", err, "cannot rebuild %s", path)
			}
		}
		buf, err = openFileBuffer(path, cfg.BufferLen)
		if err != nil {
			return nil, err
		}
		if err := recoverBuffer(buf, engine); err != nil {
			buf.close()
			return nil, err
		}
		buf.init()
	}

	m := &manifest{
		Version:   manifestVersion,
		BufferLen: cfg.BufferLen,
		Rotation:  int(cfg.Rotation),
		Encrypted: userPub != nil,
	}
	if err := saveManifest(manifestPath(d), m); err != nil {
		cfg.Logger.Warn("pinenut: cannot save manifest", "domain", d.Identifier, "err", err)
	}

	l := &Logger{
		domain:  d,
		cfg:     cfg,
		clock:   cfg.Clock,
		slog:    cfg.Logger,
		userPub: userPub,
		buf:     buf,
		comp:    comp,
		engine:  engine,
		lock:    lock,
		reqs:    make(chan drainRequest, 16),
	}
	l.cond = sync.NewCond(&l.mu)
	l.wg.Add(1)
	go l.worker()
	ok = true
	return l, nil
}

// recoverBuffer replays dirty halves left by a previous run into their
// segments, oldest first, through the same entry point ordinary drains use.
func recoverBuffer(buf *doubleBuffer, engine *fileEngine) error {
	for _, blk := range buf.pending() {
		if err := engine.writeBlock(blk.bucket, blk.data); err != nil {
			return err
		}
	}
	return nil
}

// Log appends one record. The record's datetime is filled from the clock
// when unset. IO never happens here, and IO failures of the drain worker
// are never surfaced here; see Err.
func (l *Logger) Log(r Record) error {
	if !r.Level.valid() {
		return errf(KindCodec, "log", nil, "invalid level %d", r.Level)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errf(KindState, "log", nil, "logger is shut down")
	}

	now := l.clock()
	if r.Secs == 0 && r.Nsecs == 0 {
		r.Secs, r.Nsecs = splitTime(now)
	}
	frame := appendRecord(nil, &r)

	bucket := l.cfg.Rotation.Bucket(now.Unix())
	if l.sessionOpen && bucket != l.bucket {
		// Rotation: end the old segment's streams, hand its trailing
		// bytes to the drain worker, then start the new segment.
		if err := l.finishSessionLocked(); err != nil {
			l.fail(err)
		}
		l.swapLocked()
	}
	if !l.sessionOpen {
		if err := l.beginSessionLocked(bucket); err != nil {
			l.fail(err)
			return err
		}
	}
	if err := l.comp.write(frame); err != nil {
		l.fail(err)
	}
	return nil
}

// Flush hands the active half to the drain worker even if it is not full.
// It does not end the segment's compression stream; readers of a freshly
// flushed segment see a truncated stream and parse it best-effort.
func (l *Logger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.buf.len(l.buf.active()) > 0 {
		l.swapLocked()
	}
}

// Trim asks the worker to delete segments whose bucket ended more than
// lifetime seconds ago. The open segment is never deleted.
func (l *Logger) Trim(lifetime uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	req := drainRequest{kind: reqTrim, now: l.clock().Unix(), lifetime: lifetime}
	select {
	case l.reqs <- req:
	default:
		l.slog.Warn("pinenut: trim request dropped, worker busy", "domain", l.domain.Identifier)
	}
}

// Shutdown drains both halves, finalizes the open segment and stops the
// worker. The Logger is unusable afterwards.
func (l *Logger) Shutdown() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errf(KindState, "shutdown", nil, "logger is shut down")
	}
	if l.sessionOpen {
		if err := l.finishSessionLocked(); err != nil {
			l.fail(err)
		}
	}
	if l.buf.len(l.buf.active()) > 0 {
		l.swapLocked()
	}
	l.closed = true
	l.mu.Unlock()

	close(l.reqs)
	l.wg.Wait()

	bufErr := l.buf.close()
	releaseLock(l.lock)
	l.lock = nil

	if err := l.Err(); err != nil {
		return err
	}
	if bufErr != nil {
		return errf(KindIO, "shutdown", bufErr, "closing buffer")
	}
	return nil
}

// Err returns the sticky error recorded by the write path, if any. Drain
// failures are retried and also survive in the buffer file, so a non-nil
// Err does not necessarily mean data loss.
func (l *Logger) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Logger) fail(err error) {
	if err == nil {
		return
	}
	l.slog.Error("pinenut: write path failed", "domain", l.domain.Identifier, "err", err)
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

// beginSessionLocked starts the streams for a new segment: section header
// (with fresh ephemeral key material when encrypting) written straight into
// the buffer, then a new compression session routed through the cipher.
func (l *Logger) beginSessionLocked(bucket int64) error {
	l.bucket = bucket
	l.buf.setBucket(l.buf.active(), bucket)

	var sink = &bufferSink{l}
	var hdr []byte
	if l.userPub != nil {
		ephPub, key, iv, err := newSegmentKeys(l.userPub)
		if err != nil {
			return err
		}
		cw, err := newStreamCipher(key, iv, sink)
		if err != nil {
			return err
		}
		l.cw = cw
		hdr = appendSectionHeader(nil, ephPub)
		l.appendLocked(hdr)
		l.comp.begin(cw)
	} else {
		hdr = appendSectionHeader(nil, nil)
		l.appendLocked(hdr)
		l.comp.begin(sink)
	}
	l.sessionOpen = true
	return nil
}

// finishSessionLocked ends the compression stream and, when encrypting,
// pads and flushes the cipher carry. The trailing bytes land in the active
// half and belong to the finished segment.
func (l *Logger) finishSessionLocked() error {
	if !l.sessionOpen {
		return nil
	}
	l.sessionOpen = false
	err := l.comp.end()
	if l.cw != nil {
		if cerr := l.cw.finish(); cerr != nil && err == nil {
			err = cerr
		}
		l.cw = nil
	}
	return err
}

// appendLocked copies pipeline output into the buffer, swapping halves as
// they fill. A chunk that fits in an empty half is never split.
func (l *Logger) appendLocked(p []byte) {
	for len(p) > 0 {
		if free := l.buf.free(); free < len(p) && (free == 0 || len(p) <= l.buf.halfCap) {
			l.swapLocked()
			if l.closed && l.buf.free() == 0 {
				// Shut down while stalled on a swap; drop the remainder.
				return
			}
		}
		n := l.buf.append(p)
		p = p[n:]
	}
}

// swapLocked flips the halves and hands the vacated one to the worker. If
// the inactive half has not finished draining yet (both halves non-empty:
// the worker is stalled), this blocks — Log's only long suspension point,
// and only under sustained overload.
func (l *Logger) swapLocked() {
	inactive := 1 - l.buf.active()
	for l.buf.dirty(inactive) {
		l.cond.Wait()
		if l.closed {
			// Shut down while stalled. The active half's bytes stay in
			// the buffer file and come back through recovery.
			return
		}
	}
	old := l.buf.swap(l.bucket)
	if n := l.buf.len(old); n > 0 {
		l.reqs <- drainRequest{
			kind:   reqBlock,
			bucket: l.buf.bucket(old),
			half:   old,
			data:   l.buf.data(old),
		}
	} else {
		l.buf.setDirty(old, false)
	}
}

func (l *Logger) markClean(half int) {
	l.mu.Lock()
	l.buf.setDirty(half, false)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// worker is the drain loop: it owns the file engine, appends blocks to
// segments, trims, and finalizes the open segment on shutdown. Errors are
// logged and remembered, never surfaced to Log; a failed block stays dirty
// and is retried before the next request and once more at shutdown, and if
// it never succeeds the mmap'ed bytes survive for the next run's recovery.
func (l *Logger) worker() {
	defer l.wg.Done()
	var backlog []drainRequest // blocks not yet persisted, in order
	drain := func() {
		for len(backlog) > 0 {
			req := backlog[0]
			if err := l.engine.writeBlock(req.bucket, req.data); err != nil {
				l.fail(err)
				return
			}
			l.markClean(req.half)
			backlog = backlog[1:]
		}
	}
	for req := range l.reqs {
		switch req.kind {
		case reqBlock:
			backlog = append(backlog, req)
		case reqTrim:
			l.engine.trim(req.now, req.lifetime)
		}
		drain()
	}
	drain()
	if err := l.engine.finalize(); err != nil {
		l.fail(err)
	}
}

// bufferSink adapts the buffer to io.Writer for the zstd and cipher layers.
// It is only ever invoked with l.mu held.
type bufferSink struct {
	l *Logger
}

func (s *bufferSink) Write(p []byte) (int, error) {
	s.l.appendLocked(p)
	return len(p), nil
}
