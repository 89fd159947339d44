// Package pinetest provides the shared harness for pinenut tests: a
// deterministic clock, temp-dir domains, fresh key pairs and a logger that
// routes engine diagnostics into the test log.
package pinetest

import (
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pinenut-log/pinenut"
)

// Start is where every fake clock begins.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a manually advanced wall clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: Start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Domain returns a fresh temp-dir domain named "app".
func Domain(t testing.TB) pinenut.Domain {
	return pinenut.Domain{Identifier: "app", Dir: t.TempDir()}
}

// Keys generates a key pair, returning the raw secret scalar and the
// base64 public key in the form Config.Key expects.
func Keys(t testing.TB) (secret []byte, public string) {
	t.Helper()
	sec, pub, err := pinenut.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sec)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	return raw, pub
}

// Logger routes slog output into the test log.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type logWriter struct{ t testing.TB }

func (w *logWriter) Write(buf []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

// Rec builds a minimal record with absent optional fields.
func Rec(level pinenut.Level, content string) pinenut.Record {
	return pinenut.Record{
		Level:    level,
		Line:     pinenut.NoLine,
		ThreadID: pinenut.NoThreadID,
		Content:  content,
	}
}
