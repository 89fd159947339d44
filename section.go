package pinenut

import (
	"bytes"
	"encoding/binary"
)

// A segment file is a sequence of sections; each section is a header
// followed by one opaque body (a zstd stream, encrypted when flagged).
// Concatenating segment files concatenates sections, which is why Extract
// can work at the byte level.

const (
	segVersion     = 1
	segFlagEncrypt = 1 << 0
	sectionBaseLen = 8 // magic + version + flags + reserved
)

var segMagic = []byte("PNLG")

func appendSectionHeader(buf []byte, ephPub []byte) []byte {
	buf = append(buf, segMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, segVersion)
	if ephPub != nil {
		buf = append(buf, segFlagEncrypt, 0)
		buf = append(buf, ephPub...)
	} else {
		buf = append(buf, 0, 0)
	}
	return buf
}

// isSectionStart reports whether b begins with a plausible section header.
// The version and flag constraints make an accidental match in compressed
// or encrypted data vanishingly unlikely.
func isSectionStart(b []byte) bool {
	return len(b) >= sectionBaseLen &&
		bytes.Equal(b[0:4], segMagic) &&
		binary.LittleEndian.Uint16(b[4:6]) == segVersion &&
		b[6] <= segFlagEncrypt &&
		b[7] == 0
}

type section struct {
	off       int
	encrypted bool
	ephPub    []byte // 33 bytes when encrypted
	body      []byte
}

// scanSections splits a Pinenut file into sections by locating header
// signatures. The file must begin with one.
func scanSections(data []byte) ([]section, error) {
	if !isSectionStart(data) {
		return nil, errf(KindCodec, "parse", nil, "not a pinenut log file")
	}
	var sections []section
	for off := 0; off < len(data); {
		rest := data[off:]
		s := section{off: off, encrypted: rest[6]&segFlagEncrypt != 0}
		hdrLen := sectionBaseLen
		if s.encrypted {
			hdrLen += CompressedPointLen
			if len(rest) < hdrLen {
				return sections, errf(KindCodec, "parse", nil, "truncated section header at offset %d", off)
			}
			s.ephPub = rest[sectionBaseLen:hdrLen]
		}
		end := len(rest)
		for i := hdrLen; i+sectionBaseLen <= len(rest); i++ {
			if rest[i] == segMagic[0] && isSectionStart(rest[i:]) {
				end = i
				break
			}
		}
		s.body = rest[hdrLen:end]
		sections = append(sections, s)
		off += end
	}
	return sections, nil
}
