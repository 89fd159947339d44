package pinenut

import (
	"bytes"
	"crypto/ecdh"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Formatter projects parsed records to text. FormatError is called where a
// section was cut short (truncated stream, wrong key, malformed frame); it
// may return nil to render nothing.
type Formatter interface {
	Format(r Record) []byte
	FormatError(err error) []byte
}

// DefaultFormatter renders one line per record:
//
//	YYYY-MM-DD HH:MM:SS.mmm LEVEL [tag] (file:line function) [threadID] content
//
// Absent optional fields collapse together with their brackets. Times are
// rendered in UTC. Parse errors render nothing.
type DefaultFormatter struct{}

func (DefaultFormatter) Format(r Record) []byte {
	var b bytes.Buffer
	t := time.Unix(r.Secs, int64(r.Nsecs)).UTC()
	b.WriteString(t.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	if r.Tag != "" {
		b.WriteString(" [")
		b.WriteString(r.Tag)
		b.WriteByte(']')
	}
	if loc := formatLocation(r); loc != "" {
		b.WriteString(" (")
		b.WriteString(loc)
		b.WriteByte(')')
	}
	if r.ThreadID != NoThreadID {
		b.WriteString(" [")
		b.WriteString(strconv.FormatUint(r.ThreadID, 10))
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(r.Content)
	b.WriteByte('\n')
	return b.Bytes()
}

func (DefaultFormatter) FormatError(err error) []byte {
	return nil
}

func formatLocation(r Record) string {
	var loc string
	if r.File != "" {
		loc = r.File
		if r.Line != NoLine {
			loc += ":" + strconv.FormatUint(uint64(r.Line), 10)
		}
	}
	if r.Function != "" {
		if loc != "" {
			loc += " "
		}
		loc += r.Function
	}
	return loc
}

// ParseToFile inverts the write pipeline: it reads src section by section,
// decrypts with secretKey (raw 32-byte scalar; nil for unencrypted files),
// decompresses, decodes record frames and appends the formatter's output to
// dest. A corrupt or truncated section terminates that section only; the
// parser moves on to the next. An error is returned when nothing at all
// could be parsed, or when dest cannot be written (partial output is left
// for the caller to remove).
func ParseToFile(src, dest string, secretKey []byte, f Formatter) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errf(KindIO, "parse", err, "%s", src)
	}
	var priv *ecdh.PrivateKey
	if secretKey != nil {
		priv, err = ParseSecretKey(secretKey)
		if err != nil {
			return err
		}
	}
	sections, serr := scanSections(data)
	if len(sections) == 0 {
		return serr
	}

	out, err := os.Create(dest)
	if err != nil {
		return errf(KindIO, "parse", err, "%s", dest)
	}
	defer out.Close()

	records := 0
	var firstErr error
	sectionErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
		if b := f.FormatError(err); len(b) > 0 {
			out.Write(b)
		}
	}
	if serr != nil {
		sectionErr(serr)
	}

	for _, s := range sections {
		plain, err := openSection(s, priv)
		if err != nil {
			sectionErr(err)
			continue
		}
		if len(plain) == 0 {
			continue
		}
		raw, derr := decompress(plain)
		d := makeFrameDecoder(raw)
		for !d.empty() {
			r, err := d.next()
			if err != nil {
				sectionErr(err)
				break
			}
			if _, err := out.Write(f.Format(r)); err != nil {
				return errf(KindIO, "parse", err, "%s", dest)
			}
			records++
		}
		if derr != nil {
			sectionErr(derr)
		}
	}

	if records == 0 && firstErr != nil {
		return firstErr
	}
	if err := out.Close(); err != nil {
		return errf(KindIO, "parse", err, "%s", dest)
	}
	return nil
}

// openSection recovers a section's cleartext zstd stream: identity for
// unencrypted sections, ECDH+AES-CBC for encrypted ones. A decrypted body
// that does not start a zstd frame means the key is wrong (or the bytes
// are corrupt) and fails with a Crypto error.
func openSection(s section, priv *ecdh.PrivateKey) ([]byte, error) {
	if !s.encrypted {
		return s.body, nil
	}
	if priv == nil {
		return nil, errf(KindCrypto, "parse", nil, "file is encrypted and no secret key was given")
	}
	ephPub, err := publicKeyFromCompressed(s.ephPub)
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, errf(KindCrypto, "parse", err, "")
	}
	key, iv := sessionKeys(shared)
	plain, err := decryptSection(s.body, key, iv)
	if err != nil {
		return nil, err
	}
	if len(plain) > 0 && !bytes.HasPrefix(plain, zstdMagic) {
		return nil, errf(KindCrypto, "parse", nil, "decryption produced garbage (wrong secret key?)")
	}
	return plain, nil
}

// Extract concatenates, byte for byte, every segment of the domain whose
// bucket window intersects [start, end] (inclusive, unix seconds) into
// dest, in bucket order. The output is itself a valid Pinenut log file.
// Segments that do not begin with a valid section header are skipped with
// a warning. No re-encryption, no re-compression; on a write failure the
// partial dest is left for the caller to remove.
func Extract(d Domain, start, end int64, dest string) error {
	segs, err := listSegments(d.Dir, d.Identifier)
	if err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return errf(KindIO, "extract", err, "%s", dest)
	}
	defer out.Close()

	for _, seg := range segs {
		if seg.bucket > end || seg.bucket+seg.width <= start {
			continue
		}
		if err := appendSegment(out, filepath.Join(d.Dir, seg.name)); err != nil {
			return err
		}
	}
	if err := out.Close(); err != nil {
		return errf(KindIO, "extract", err, "%s", dest)
	}
	return nil
}

func appendSegment(out *os.File, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errf(KindIO, "extract", err, "%s", path)
	}
	defer f.Close()

	var hdr [sectionBaseLen]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil || !isSectionStart(hdr[:]) {
		slog.Warn("pinenut: extract: skipping unreadable segment", "file", filepath.Base(path))
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errf(KindIO, "extract", err, "%s", path)
	}
	if _, err := io.Copy(out, f); err != nil {
		return errf(KindIO, "extract", err, "%s", path)
	}
	return nil
}
