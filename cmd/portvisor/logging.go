package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging installs the default logger writing to w. An empty format
// picks text when w is a terminal and JSON otherwise.
func setupLogging(w io.Writer, format string) *slog.Logger {
	if format == "" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("PORTVISOR_DEBUG") != "" {
		opts.Level = slog.LevelDebug
	}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// fileLog returns a rotating log file under dir.
func fileLog(dir, name string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
	}
}
