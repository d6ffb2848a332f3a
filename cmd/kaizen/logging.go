package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the JSON logger. stdout carries MCP frames, so logs go to
// stderr, and also to a size-rotated file when path is set. The returned func
// closes the file.
func newLogger(level, path string) (*slog.Logger, func()) {
	var (
		out     io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotating)
		closeFn = func() { _ = rotating.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(level)}))
	return logger, closeFn
}

// parseLevel maps KAIZEN_LOG_LEVEL to a slog level, defaulting to info.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
