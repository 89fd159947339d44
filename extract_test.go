package pinenut_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pinenut-log/pinenut"
	"github.com/pinenut-log/pinenut/pinetest"
)

func TestExtractTimeSlice(t *testing.T) {
	d := pinetest.Domain(t)
	clock := pinetest.NewClock()
	l := newLogger(t, d, clock, nil)

	for i := 0; i < 100; i++ {
		ensure(l.Log(pinetest.Rec(pinenut.LevelInfo, fmt.Sprintf("s%02d", i))))
		clock.Advance(time.Second)
	}
	ensure(l.Shutdown())

	// 100 seconds of minute-rotated logging spans two segments.
	if names := segmentNames(t, d); len(names) != 2 {
		t.Fatalf("segments: %v", names)
	}

	start := pinetest.Start.Unix()
	dest := filepath.Join(t.TempDir(), "slice.pine")
	ensure(pinenut.Extract(d, start+20, start+40, dest))

	// Extraction is segment-granular: the range touches only the first
	// minute bucket, whose records all come along, in original order.
	var f captureFormatter
	ensure(pinenut.ParseToFile(dest, filepath.Join(t.TempDir(), "slice.txt"), nil, &f))
	if len(f.recs) != 60 {
		t.Fatalf("parsed %d records, wanted 60", len(f.recs))
	}
	for i, r := range f.recs {
		if want := fmt.Sprintf("s%02d", i); r.Content != want {
			t.Fatalf("record %d: got %q, wanted %q", i, r.Content, want)
		}
	}
	for i := 20; i <= 40; i++ {
		if r := f.recs[i]; r.Secs != start+int64(i) {
			t.Fatalf("record %d has secs %d, wanted %d", i, r.Secs, start+int64(i))
		}
	}
}

func TestExtractOutsideRangeIsEmpty(t *testing.T) {
	d := pinetest.Domain(t)
	clock := pinetest.NewClock()
	l := newLogger(t, d, clock, nil)
	ensure(l.Log(pinetest.Rec(pinenut.LevelInfo, "x")))
	ensure(l.Shutdown())

	dest := filepath.Join(t.TempDir(), "none.pine")
	start := pinetest.Start.Add(time.Hour).Unix()
	ensure(pinenut.Extract(d, start, start+60, dest))
	if st := must(os.Stat(dest)); st.Size() != 0 {
		t.Fatalf("expected an empty file, got %d bytes", st.Size())
	}
}

func TestParseWithWrongKey(t *testing.T) {
	d := pinetest.Domain(t)
	clock := pinetest.NewClock()
	_, public := pinetest.Keys(t)
	wrongSecret, _ := pinetest.Keys(t)

	l := newLogger(t, d, clock, func(c *pinenut.Config) { c.Key = public })
	for i := 0; i < 3; i++ {
		ensure(l.Log(pinetest.Rec(pinenut.LevelInfo, "secret stuff")))
	}
	ensure(l.Shutdown())

	all := filepath.Join(t.TempDir(), "all.pine")
	ensure(pinenut.Extract(d, 0, 1<<62, all))

	var f captureFormatter
	err := pinenut.ParseToFile(all, filepath.Join(t.TempDir(), "out.txt"), wrongSecret, &f)
	if err == nil {
		t.Fatal("expected an error")
	}
	if pinenut.KindOf(err) != pinenut.KindCrypto {
		t.Fatalf("expected a crypto error, got %v", err)
	}
	if len(f.recs) != 0 {
		t.Fatalf("parsed %d records with the wrong key", len(f.recs))
	}
}

func TestParseWithoutKeyOnEncryptedFile(t *testing.T) {
	d := pinetest.Domain(t)
	clock := pinetest.NewClock()
	_, public := pinetest.Keys(t)

	l := newLogger(t, d, clock, func(c *pinenut.Config) { c.Key = public })
	ensure(l.Log(pinetest.Rec(pinenut.LevelInfo, "hidden")))
	ensure(l.Shutdown())

	names := segmentNames(t, d)
	err := pinenut.ParseToFile(filepath.Join(d.Dir, names[0]),
		filepath.Join(t.TempDir(), "out.txt"), nil, pinenut.DefaultFormatter{})
	if pinenut.KindOf(err) != pinenut.KindCrypto {
		t.Fatalf("expected a crypto error, got %v", err)
	}
}

func TestExtractSkipsUnreadableSegment(t *testing.T) {
	d := pinetest.Domain(t)
	clock := pinetest.NewClock()
	l := newLogger(t, d, clock, nil)
	ensure(l.Log(pinetest.Rec(pinenut.LevelInfo, "good")))
	ensure(l.Shutdown())

	// A later bucket's segment full of garbage must not poison extraction.
	bad := filepath.Join(d.Dir, "app_202401010009.pine")
	ensure(os.WriteFile(bad, []byte("this is not a segment"), 0o666))

	dest := filepath.Join(t.TempDir(), "all.pine")
	ensure(pinenut.Extract(d, 0, 1<<62, dest))

	var f captureFormatter
	ensure(pinenut.ParseToFile(dest, filepath.Join(t.TempDir(), "all.txt"), nil, &f))
	if len(f.recs) != 1 || f.recs[0].Content != "good" {
		t.Fatalf("parsed %+v", f.recs)
	}
}

func TestDefaultFormatterLine(t *testing.T) {
	r := pinenut.Record{
		Level:    pinenut.LevelWarn,
		Secs:     pinetest.Start.Unix(),
		Nsecs:    250_000_000,
		Tag:      "db",
		File:     "query.go",
		Function: "run",
		Line:     10,
		ThreadID: 3,
		Content:  "slow query",
	}
	line := string(pinenut.DefaultFormatter{}.Format(r))
	deepEq(t, line, "2024-01-01 00:00:00.250 WARN [db] (query.go:10 run) [3] slow query\n")

	bare := pinenut.Record{
		Level:    pinenut.LevelInfo,
		Secs:     pinetest.Start.Unix(),
		Line:     pinenut.NoLine,
		ThreadID: pinenut.NoThreadID,
		Content:  "plain",
	}
	line = string(pinenut.DefaultFormatter{}.Format(bare))
	deepEq(t, line, "2024-01-01 00:00:00.000 INFO plain\n")
}
