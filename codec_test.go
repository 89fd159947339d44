package pinenut

import (
	"encoding/binary"
	"math"
	"reflect"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	var cases []uint64
	for shift := 0; shift <= 63; shift += 7 {
		v := uint64(1) << shift
		cases = append(cases, v-1, v)
	}
	cases = append(cases, 0, 1, math.MaxUint64)

	for _, v := range cases {
		buf := binary.AppendUvarint(nil, v)
		d := makeFrameDecoder(buf)
		got, err := d.uvarint()
		if err != nil {
			t.Fatalf("uvarint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("uvarint round trip: got %d, wanted %d", got, v)
		}
		if !d.empty() {
			t.Errorf("uvarint(%d): %d bytes left over", v, len(d.buf))
		}
	}
}

func TestVarintZigzag(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, -64, math.MaxInt64, math.MinInt64, 1704067200} {
		buf := binary.AppendVarint(nil, v)
		d := makeFrameDecoder(buf)
		got, err := d.varint()
		if err != nil {
			t.Fatalf("varint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("varint round trip: got %d, wanted %d", got, v)
		}
	}
}

func TestRecordFrameRoundTrip(t *testing.T) {
	recs := []Record{
		{
			Level:    LevelInfo,
			Secs:     1704067200,
			Nsecs:    123456789,
			Tag:      "net",
			File:     "conn.go",
			Function: "dial",
			Line:     42,
			ThreadID: 7,
			Content:  "hello",
		},
		{
			Level:    LevelError,
			Secs:     -1,
			Line:     NoLine,
			ThreadID: NoThreadID,
			Content:  "no optionals",
		},
		{
			Level:    LevelVerbose,
			Secs:     0,
			Line:     NoLine,
			ThreadID: NoThreadID,
		},
	}

	var buf []byte
	for i := range recs {
		buf = appendRecord(buf, &recs[i])
	}

	d := makeFrameDecoder(buf)
	for i := range recs {
		got, err := d.next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, recs[i]) {
			t.Errorf("record %d: got %+v, wanted %+v", i, got, recs[i])
		}
	}
	if !d.empty() {
		t.Errorf("%d bytes left over", len(d.buf))
	}
}

func TestRecordFrameRejectsLengthMismatch(t *testing.T) {
	r := Record{Level: LevelInfo, Line: NoLine, ThreadID: NoThreadID, Content: "x"}
	frame := appendRecord(nil, &r)

	// Inflate the declared payload length so a byte is left unconsumed.
	plen, n := binary.Uvarint(frame)
	bad := binary.AppendUvarint(nil, plen+1)
	bad = append(bad, frame[n:]...)
	bad = append(bad, 0) // the stray byte now inside the payload

	d := makeFrameDecoder(bad)
	if _, err := d.next(); err == nil {
		t.Fatal("expected a length-mismatch error")
	} else if KindOf(err) != KindCodec {
		t.Fatalf("expected a codec error, got %v", err)
	}
}

func TestRecordFrameRejectsTruncation(t *testing.T) {
	r := Record{Level: LevelWarn, Line: NoLine, ThreadID: NoThreadID, Content: "truncate me"}
	frame := appendRecord(nil, &r)

	for _, cut := range []int{1, len(frame) / 2, len(frame) - 1} {
		d := makeFrameDecoder(frame[:cut])
		if _, err := d.next(); err == nil {
			t.Errorf("cut at %d: expected an error", cut)
		}
	}
}
