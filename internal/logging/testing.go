package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger captures log output for assertions.
type TestLogger struct {
	*zerolog.Logger
	buf *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewTestLogger returns a trace-level JSON logger writing into a buffer.
func NewTestLogger(t testing.TB) *TestLogger {
	t.Helper()
	buf := &syncBuffer{}
	l := zerolog.New(buf).Level(zerolog.TraceLevel)
	return &TestLogger{Logger: &l, buf: buf}
}

// Output returns everything logged so far.
func (tl *TestLogger) Output() string {
	return tl.buf.String()
}

// Lines returns the logged events, one per line.
func (tl *TestLogger) Lines() []string {
	out := strings.TrimSpace(tl.Output())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Contains reports whether any event contains substr.
func (tl *TestLogger) Contains(substr string) bool {
	return strings.Contains(tl.Output(), substr)
}
