package logctx

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

const megabyte = 1024 * 1024

// Options controls where log records go.
type Options struct {
	Level slog.Level

	// Stdout receives every record as JSON. Defaults to os.Stdout.
	Stdout io.Writer

	// File, when set, also receives every record and is rotated once it
	// grows past MaxSize (a human size such as "10M" or "1GB").
	File       string
	MaxSize    string
	MaxBackups int
}

// NewLogger builds the process logger. The returned closer releases the log
// file, if one was opened.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler = slog.NewJSONHandler(stdout, handlerOpts)

	var closer io.Closer = io.NopCloser(nil)

	if opts.File != "" {
		rotating, err := newRotatingFile(opts.File, opts.MaxSize, opts.MaxBackups)
		if err != nil {
			return nil, nil, err
		}

		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(rotating, handlerOpts))
		closer = rotating
	}

	return slog.New(NewTraceHandler(handler)), closer, nil
}

func newRotatingFile(path, maxSize string, maxBackups int) (*lumberjack.Logger, error) {
	size, err := humanize.ParseBytes(maxSize)
	if err != nil {
		return nil, fmt.Errorf("invalid max log file size %q: %w", maxSize, err)
	}

	// lumberjack rotates in whole megabytes.
	sizeMB := int((size + megabyte - 1) / megabyte)
	if sizeMB < 1 {
		sizeMB = 1
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    sizeMB,
		MaxBackups: maxBackups,
	}, nil
}
