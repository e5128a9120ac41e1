package logger

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestWriterDeliversInOrder(t *testing.T) {
	sink := &safeBuffer{}
	w := New(sink, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		n, err := w.Write([]byte(line))
		if err != nil || n != len(line) {
			t.Fatalf("Write(%q) = %d, %v", line, n, err)
		}
	}
	cancel()
	w.Close(time.Second)

	if got := sink.String(); got != "one\ntwo\nthree\n" {
		t.Errorf("sink = %q", got)
	}
}

func TestWriterCopiesBuffer(t *testing.T) {
	sink := &safeBuffer{}
	w := New(sink, 8)
	buf := []byte("abc")
	_, _ = w.Write(buf)
	buf[0] = 'x'

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	cancel()
	w.Close(time.Second)

	if got := sink.String(); got != "abc" {
		t.Errorf("sink = %q, want abc", got)
	}
}

func TestWriteAfterClose(t *testing.T) {
	sink := &safeBuffer{}
	w := New(sink, 1)
	go w.Run(context.Background())
	w.Close(time.Second)

	n, err := w.Write([]byte("late"))
	if err != nil || n != 4 {
		t.Fatalf("Write after Close = %d, %v", n, err)
	}
	if !strings.Contains(sink.String(), "late") {
		t.Errorf("write after close was not passed through: %q", sink.String())
	}
}

func TestNewLoggerJSON(t *testing.T) {
	sink := &safeBuffer{}
	l := NewLogger(sink, "json")
	l.Info().Str("service", "http").Msg("hello")
	if got := sink.String(); !strings.Contains(got, `"service":"http"`) || !strings.Contains(got, `"message":"hello"`) {
		t.Errorf("json log = %q", got)
	}
}
