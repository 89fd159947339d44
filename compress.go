package pinenut

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

// compressor is a streaming zstd session. A session is bound to one segment:
// begin when the segment's first bytes are produced, end before its last
// bytes are written, so each section body is exactly one zstd frame.
//
// write flushes the encoder after every record. That keeps all compressed
// output in the staging buffer rather than inside the encoder, which is what
// makes crash recovery lossless.
type compressor struct {
	enc  *zstd.Encoder
	open bool
}

func newCompressor(level int) (*compressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, errf(KindCompression, "compress", err, "cannot create encoder")
	}
	return &compressor{enc: enc}, nil
}

func (c *compressor) begin(w io.Writer) {
	if c.open {
		panic("pinenut: compressor session already open")
	}
	c.enc.Reset(w)
	c.open = true
}

func (c *compressor) write(p []byte) error {
	if !c.open {
		panic("pinenut: compressor session not open")
	}
	if _, err := c.enc.Write(p); err != nil {
		return errf(KindCompression, "compress", err, "")
	}
	if err := c.enc.Flush(); err != nil {
		return errf(KindCompression, "compress", err, "flush")
	}
	return nil
}

func (c *compressor) end() error {
	if !c.open {
		return nil
	}
	c.open = false
	if err := c.enc.Close(); err != nil {
		return errf(KindCompression, "compress", err, "close")
	}
	return nil
}

// zstdMagic is the little-endian frame magic, used to sanity-check a
// decrypted section body before attempting decompression.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// decompress inflates one section body. It is best-effort: a truncated
// stream (crash tail) yields whatever decompressed cleanly plus the error.
func decompress(src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(src), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, errf(KindCompression, "decompress", err, "")
	}
	defer dec.Close()
	data, err := io.ReadAll(dec.IOReadCloser())
	if err != nil {
		return data, errf(KindCompression, "decompress", err, "truncated or corrupt stream")
	}
	return data, nil
}
