package pinenut

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pinenut-log/pinenut/mmap"
)

// manifest records the geometry of the previous run so that New can detect
// a buffer-size change and recover with the old geometry before rebuilding.
// Stored as msgpack followed by an xxhash64 trailer; a file that fails the
// checksum is treated as absent.
type manifest struct {
	Version   int    `msgpack:"v"`
	BufferLen uint64 `msgpack:"b"`
	Rotation  int    `msgpack:"r"`
	Encrypted bool   `msgpack:"e"`
}

const manifestVersion = 1

func manifestPath(d Domain) string {
	return filepath.Join(d.Dir, d.Identifier+".meta")
}

func loadManifest(path string) *manifest {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) < 8 {
		return nil
	}
	body, trailer := raw[:len(raw)-8], raw[len(raw)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(trailer) {
		return nil
	}
	var m manifest
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil
	}
	return &m
}

func saveManifest(path string, m *manifest) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return errf(KindIO, "save manifest", err, "")
	}
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], xxhash.Sum64(body))
	if err := os.WriteFile(path, append(body, trailer[:]...), 0o666); err != nil {
		return errf(KindIO, "save manifest", err, "%s", path)
	}
	return nil
}

// acquireLock enforces the one-writer-per-domain rule with an exclusive
// flock on <identifier>.lock. The lock file itself is left behind; only
// the lock matters.
func acquireLock(d Domain) (*os.File, error) {
	path := filepath.Join(d.Dir, d.Identifier+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errf(KindIO, "lock domain", err, "%s", path)
	}
	if err := mmap.Flock(f); err != nil {
		f.Close()
		if err == mmap.ErrLocked {
			return nil, errf(KindState, "lock domain", nil, "domain %q is already open", d.Identifier)
		}
		return nil, errf(KindIO, "lock domain", err, "%s", path)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = mmap.Funlock(f)
	_ = f.Close()
}
