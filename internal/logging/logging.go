// Package logging builds the shared writer and the per-component loggers.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/larderhq/larder/internal/config"
)

// Writer returns where component loggers write: stderr, or a rotating file
// when cfg.File is set. The returned closer is a no-op for stderr.
func Writer(cfg config.LogConfig) io.WriteCloser {
	if cfg.File == "" {
		return nopCloser{os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// New returns a logger with the bracketed component prefix, e.g. "[sqlite] ".
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
