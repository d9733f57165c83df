// Package logger builds the structured logger that keyfleet injects into
// every component. There is no package-level default: the CLI creates one
// logger per run, hands it down, and closes it on shutdown.
//
// Records go to stderr as text and, when a log directory is configured, to a
// per-run JSON log file as well.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"
)

// FilePrefix is prepended to every per-run log file name.
const FilePrefix = "keyfleet_"

// Options configures New.
type Options struct {
	Verbose bool      // debug level on stderr
	Quiet   bool      // warn level on stderr; ignored when Verbose is set
	Dir     string    // directory for the per-run log file; empty disables it
	RunID   string    // attached to every record when set
	Stderr  io.Writer // defaults to os.Stderr
	Now     func() time.Time
}

// New creates the run logger. The returned close func flushes and closes the
// log file (a no-op when no file was opened) and must be called on shutdown.
func New(opts Options) (*clog.Logger, func() error, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	level := slog.LevelInfo
	switch {
	case opts.Verbose:
		level = slog.LevelDebug
	case opts.Quiet:
		level = slog.LevelWarn
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
	}
	closeFn := func() error { return nil }

	if opts.Dir != "" {
		f, err := openLogFile(opts.Dir, now())
		if err != nil {
			return nil, nil, err
		}
		// The file always gets everything, regardless of --verbose.
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closeFn = f.Close
	}

	l := clog.New(slogmulti.Fanout(handlers...))
	if opts.RunID != "" {
		l = l.With("run_id", opts.RunID)
	}
	return l, closeFn, nil
}

// FileName returns the log file name used for a run started at t.
func FileName(t time.Time) string {
	return FilePrefix + t.Format("2006-01-02_15-04-05") + ".log"
}

func openLogFile(dir string, t time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(t))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// Noop returns a logger that discards all records.
func Noop() *clog.Logger {
	return clog.New(slog.DiscardHandler)
}

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l *clog.Logger) *clog.Logger {
	if l == nil {
		return Noop()
	}
	return l
}

// LogMessage represents a captured log record.
type LogMessage struct {
	Level   string
	Message string
	Attrs   map[string]string
}

// Capture records log output for test assertions. It is safe for concurrent
// use, since sessions log from many goroutines at once.
type Capture struct {
	mu       sync.Mutex
	messages []LogMessage
	attrs    []slog.Attr
	root     *Capture
}

// NewCapture creates an empty Capture.
func NewCapture() *Capture {
	c := &Capture{}
	c.root = c
	return c
}

// Logger returns a clog logger writing into the capture.
func (c *Capture) Logger() *clog.Logger {
	return clog.New(c)
}

func (c *Capture) Enabled(context.Context, slog.Level) bool { return true }

func (c *Capture) Handle(_ context.Context, r slog.Record) error {
	msg := LogMessage{
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
		Attrs:   make(map[string]string),
	}
	for _, a := range c.attrs {
		msg.Attrs[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		msg.Attrs[a.Key] = a.Value.Resolve().String()
		return true
	})

	c.root.mu.Lock()
	c.root.messages = append(c.root.messages, msg)
	c.root.mu.Unlock()
	return nil
}

func (c *Capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(c.attrs)+len(attrs))
	merged = append(merged, c.attrs...)
	merged = append(merged, attrs...)
	return &Capture{attrs: merged, root: c.root}
}

func (c *Capture) WithGroup(string) slog.Handler {
	return c
}

// Messages returns a copy of everything captured so far.
func (c *Capture) Messages() []LogMessage {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	out := make([]LogMessage, len(c.root.messages))
	copy(out, c.root.messages)
	return out
}

// HasLevel returns true if any message was logged at the given level.
func (c *Capture) HasLevel(level string) bool {
	for _, m := range c.Messages() {
		if m.Level == level {
			return true
		}
	}
	return false
}

// Contains returns true if any message, or any attribute value, contains s.
func (c *Capture) Contains(s string) bool {
	for _, m := range c.Messages() {
		if strings.Contains(m.Message, s) {
			return true
		}
		for _, v := range m.Attrs {
			if strings.Contains(v, s) {
				return true
			}
		}
	}
	return false
}
