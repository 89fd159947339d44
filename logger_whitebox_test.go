package pinenut

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pinenut-log/pinenut/mmap"
)

func testSlog(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&testLogWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct{ t testing.TB }

func (w *testLogWriter) Write(buf []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

// abandon simulates a process crash: the worker stops and its segment file
// is closed, but the session is not torn down and no final swap happens,
// and the mapping is dropped the way the OS would drop it, with whatever
// the page cache holds.
func (l *Logger) abandon() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	close(l.reqs)
	l.wg.Wait()
	l.engine.finalize()
	if l.buf.f != nil {
		mmap.Unmap(l.buf.region)
		l.buf.f.Close()
	}
	releaseLock(l.lock)
}

// drainBarrier waits until the worker has persisted every handed-off half.
func (l *Logger) drainBarrier() {
	l.mu.Lock()
	inactive := 1 - l.buf.active()
	for l.buf.dirty(inactive) {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

var clockStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newFakeClock() *fakeClock { return &fakeClock{now: clockStart} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureFormatter struct {
	recs []Record
	errs []error
}

func (f *captureFormatter) Format(r Record) []byte {
	f.recs = append(f.recs, r)
	return nil
}

func (f *captureFormatter) FormatError(err error) []byte {
	f.errs = append(f.errs, err)
	return nil
}

func testConfig(t *testing.T, clock *fakeClock) Config {
	return Config{
		Clock:  clock.Now,
		Logger: testSlog(t),
	}
}

func TestCrashRecovery(t *testing.T) {
	d := Domain{Identifier: "app", Dir: t.TempDir()}
	clock := newFakeClock()
	cfg := testConfig(t, clock)
	cfg.BufferLen = 1 << 20

	l := must(New(d, cfg))
	for i := 0; i < 1000; i++ {
		ensure(l.Log(Record{Level: LevelInfo, Line: NoLine, ThreadID: NoThreadID,
			Content: fmt.Sprintf("m%04d", i)}))
	}
	l.abandon() // no shutdown, no flush

	// Reopening the domain replays the dirty halves into the segment.
	l = must(New(d, cfg))
	ensure(l.Shutdown())

	seg := filepath.Join(d.Dir, formatSegmentName(d.Identifier, RotateMinute,
		RotateMinute.Bucket(clockStart.Unix())))
	if _, err := os.Stat(seg); err != nil {
		t.Fatalf("recovered segment missing: %v", err)
	}

	var f captureFormatter
	ensure(ParseToFile(seg, filepath.Join(d.Dir, "out.txt"), nil, &f))
	if len(f.recs) != 1000 {
		t.Fatalf("recovered %d records, wanted 1000", len(f.recs))
	}
	for i, r := range f.recs {
		if want := fmt.Sprintf("m%04d", i); r.Content != want {
			t.Fatalf("record %d out of order: got %q, wanted %q", i, r.Content, want)
		}
	}
}

func TestFlushMakesRecordsParseable(t *testing.T) {
	d := Domain{Identifier: "app", Dir: t.TempDir()}
	clock := newFakeClock()
	l := must(New(d, testConfig(t, clock)))

	ensure(l.Log(Record{Level: LevelInfo, Line: NoLine, ThreadID: NoThreadID, Content: "hello"}))
	ensure(l.Log(Record{Level: LevelError, Tag: "net", Line: NoLine, ThreadID: NoThreadID, Content: "boom"}))
	l.Flush()
	l.drainBarrier()

	seg := filepath.Join(d.Dir, formatSegmentName(d.Identifier, RotateMinute,
		RotateMinute.Bucket(clockStart.Unix())))
	dest := filepath.Join(d.Dir, "out.txt")
	ensure(ParseToFile(seg, dest, nil, DefaultFormatter{}))

	text := string(must(os.ReadFile(dest)))
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), text)
	}
	if !strings.Contains(lines[0], "hello") || !strings.Contains(lines[1], "boom") {
		t.Fatalf("unexpected output: %q", text)
	}
	if !strings.Contains(lines[1], "[net]") {
		t.Fatalf("tag missing: %q", lines[1])
	}

	ensure(l.Shutdown())
}

func TestBufferResizeRecoversOldRecords(t *testing.T) {
	d := Domain{Identifier: "app", Dir: t.TempDir()}
	clock := newFakeClock()
	cfg := testConfig(t, clock)
	cfg.BufferLen = 128 * 1024

	l := must(New(d, cfg))
	for i := 0; i < 10; i++ {
		ensure(l.Log(Record{Level: LevelDebug, Line: NoLine, ThreadID: NoThreadID,
			Content: fmt.Sprintf("r%d", i)}))
	}
	l.abandon()

	cfg.BufferLen = 256 * 1024
	l = must(New(d, cfg))
	ensure(l.Shutdown())

	seg := filepath.Join(d.Dir, formatSegmentName(d.Identifier, RotateMinute,
		RotateMinute.Bucket(clockStart.Unix())))
	var f captureFormatter
	ensure(ParseToFile(seg, filepath.Join(d.Dir, "out.txt"), nil, &f))
	if len(f.recs) != 10 {
		t.Fatalf("recovered %d records, wanted 10", len(f.recs))
	}

	// The buffer file was rebuilt at the new geometry.
	st := must(os.Stat(bufferPath(d)))
	if st.Size() != int64(roundUpPage(256*1024)) {
		t.Fatalf("buffer file is %d bytes", st.Size())
	}
}

func TestScanSectionsSplitsConcatenatedFile(t *testing.T) {
	body1 := append(appendSectionHeader(nil, nil), []byte{1, 2, 3}...)
	eph := make([]byte, CompressedPointLen)
	eph[0] = 2
	body2 := append(appendSectionHeader(nil, eph), []byte{4, 5, 6, 7}...)
	data := append(body1, body2...)

	sections := must(scanSections(data))
	if len(sections) != 2 {
		t.Fatalf("got %d sections, wanted 2", len(sections))
	}
	if sections[0].encrypted || len(sections[0].body) != 3 {
		t.Fatalf("section 0: %+v", sections[0])
	}
	if !sections[1].encrypted || len(sections[1].body) != 4 || sections[1].ephPub[0] != 2 {
		t.Fatalf("section 1: %+v", sections[1])
	}
}

func TestScanSectionsRejectsGarbage(t *testing.T) {
	if _, err := scanSections([]byte("definitely not a log file")); err == nil {
		t.Fatal("expected an error")
	}
}
