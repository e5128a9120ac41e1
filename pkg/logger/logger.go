// Package logger provides a log sink that hands every write to a background
// goroutine, so request paths never block on the terminal or a slow pipe.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the number of pending writes buffered before Write blocks.
const DefaultQueueSize = 4096

// Writer is an io.Writer that sends a copy of each buffer to a channel
// consumed by Run.
type Writer struct {
	sink  io.Writer
	queue chan []byte

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// New returns a Writer delivering to sink. A nil sink means stdout.
func New(sink io.Writer, queueSize int) *Writer {
	if sink == nil {
		sink = os.Stdout
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		sink:  sink,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

// Write queues a copy of p. It always reports len(p) bytes written.
func (w *Writer) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		// receiver is gone, write through
		_, _ = w.sink.Write(buf)
		return len(p), nil
	}
	w.queue <- buf
	return len(p), nil
}

// Run writes queued buffers to the sink until ctx is done or Close is called,
// then drains whatever is still queued.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case buf, ok := <-w.queue:
			if !ok {
				return
			}
			_, _ = w.sink.Write(buf)
		case <-ctx.Done():
			// writers blocked on a full queue hold the read lock, keep
			// draining while shutdown waits for them
			go w.shutdown()
			for buf := range w.queue {
				_, _ = w.sink.Write(buf)
			}
			return
		}
	}
}

func (w *Writer) shutdown() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
}

// Close stops accepting new buffers and waits up to timeout for Run to drain
// the queue. Run must have been started.
func (w *Writer) Close(timeout time.Duration) {
	w.shutdown()
	select {
	case <-w.done:
	case <-time.After(timeout):
	}
}

// NewLogger builds the process logger on top of out. format is "console" or
// "json"; NO_COLOR=true disables colours for the console format.
func NewLogger(out io.Writer, format string) zerolog.Logger {
	if strings.EqualFold(format, "json") {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	nocolor := strings.ToLower(os.Getenv("NO_COLOR")) == "true"
	return zerolog.New(out).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: nocolor})
}

// SetLevel applies a textual log level globally and returns the logger,
// with caller information attached for debug and info.
func SetLevel(l zerolog.Logger, level string) zerolog.Logger {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return l.With().Caller().Logger()
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return l.With().Caller().Logger()
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return l
}
