package pinenut

import (
	"encoding/binary"
	"math"
)

// Record frames are self-delimiting: uvarint payload length, then the
// payload fields in fixed order (see the package doc). Varints are unsigned
// LEB128; signed values use zigzag.

func appendRecord(buf []byte, r *Record) []byte {
	payload := make([]byte, 0, 64+len(r.Tag)+len(r.File)+len(r.Function)+len(r.Content))
	payload = append(payload, byte(r.Level))
	payload = binary.AppendVarint(payload, r.Secs)
	payload = binary.AppendUvarint(payload, uint64(r.Nsecs))
	payload = binary.AppendUvarint(payload, uint64(r.Line))
	payload = binary.AppendUvarint(payload, r.ThreadID)
	payload = appendLenString(payload, r.Tag)
	payload = appendLenString(payload, r.File)
	payload = appendLenString(payload, r.Function)
	payload = appendLenString(payload, r.Content)

	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func appendLenString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type frameDecoder struct {
	orig []byte
	buf  []byte
}

func makeFrameDecoder(buf []byte) frameDecoder {
	return frameDecoder{buf, buf}
}

func (d *frameDecoder) off() int {
	return len(d.orig) - len(d.buf)
}

func (d *frameDecoder) empty() bool {
	return len(d.buf) == 0
}

func (d *frameDecoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		return 0, errf(KindCodec, "decode", nil, "invalid uvarint at offset %d", d.off())
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *frameDecoder) varint() (int64, error) {
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		return 0, errf(KindCodec, "decode", nil, "invalid varint at offset %d", d.off())
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *frameDecoder) raw(n int) ([]byte, error) {
	if n < 0 || len(d.buf) < n {
		return nil, errf(KindCodec, "decode", nil, "not enough data at offset %d: %d remaining, %d wanted", d.off(), len(d.buf), n)
	}
	v := d.buf[:n]
	d.buf = d.buf[n:]
	return v, nil
}

func (d *frameDecoder) lenString() (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(d.buf)) {
		return "", errf(KindCodec, "decode", nil, "string length %d exceeds remaining %d at offset %d", n, len(d.buf), d.off())
	}
	b, err := d.raw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// next decodes one frame. The declared payload length must be consumed
// exactly; anything else rejects the frame.
func (d *frameDecoder) next() (Record, error) {
	var r Record
	plen, err := d.uvarint()
	if err != nil {
		return r, err
	}
	payload, err := d.raw(int(plen))
	if err != nil {
		return r, err
	}

	p := makeFrameDecoder(payload)
	lvl, err := p.raw(1)
	if err != nil {
		return r, err
	}
	r.Level = Level(lvl[0])
	if !r.Level.valid() {
		return r, errf(KindCodec, "decode", nil, "invalid level %d", lvl[0])
	}
	if r.Secs, err = p.varint(); err != nil {
		return r, err
	}
	nsecs, err := p.uvarint()
	if err != nil {
		return r, err
	}
	if nsecs > math.MaxUint32 {
		return r, errf(KindCodec, "decode", nil, "nsecs out of range: %d", nsecs)
	}
	r.Nsecs = uint32(nsecs)
	line, err := p.uvarint()
	if err != nil {
		return r, err
	}
	if line > math.MaxUint32 {
		return r, errf(KindCodec, "decode", nil, "line out of range: %d", line)
	}
	r.Line = uint32(line)
	if r.ThreadID, err = p.uvarint(); err != nil {
		return r, err
	}
	if r.Tag, err = p.lenString(); err != nil {
		return r, err
	}
	if r.File, err = p.lenString(); err != nil {
		return r, err
	}
	if r.Function, err = p.lenString(); err != nil {
		return r, err
	}
	if r.Content, err = p.lenString(); err != nil {
		return r, err
	}
	if !p.empty() {
		return r, errf(KindCodec, "decode", nil, "frame declares %d payload bytes, %d left over", plen, len(p.buf))
	}
	return r, nil
}
