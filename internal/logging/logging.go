// Package logging builds the zerolog loggers of the commands: a console
// writer for the operator plus an append-only diagnostic file.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name. Default: info
	Level string

	// File is appended with JSON lines when not empty.
	File string

	// JSON writes JSON to the console instead of the pretty format.
	JSON bool

	// Out is the console writer. Default: os.Stderr
	Out io.Writer

	Service string
	Version string
}

// New returns the logger described by opts and the closer that flushes the
// diagnostic file. The closer is never nil.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = l
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var console io.Writer = out
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	w := console
	if opts.File != "" {
		f, err := OpenFile(opts.File)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		w = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	if opts.Version != "" {
		ctx = ctx.Str("version", opts.Version)
	}
	return ctx.Logger(), closer, nil
}

// File is a buffered append-only log file. It is safe for concurrent use.
type File struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

// OpenFile opens path for appending, creating it when missing.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &File{f: f, buf: bufio.NewWriter(f)}, nil
}

func (l *File) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// Flush writes buffered lines to disk.
func (l *File) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Flush()
}

// Close flushes and closes the file.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("flush log file: %w", err)
	}
	return l.f.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
