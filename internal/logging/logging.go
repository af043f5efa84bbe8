package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Configure builds a zerolog logger from config values.
func Configure(level, format string) zerolog.Logger {
	return build(os.Stdout, level, format)
}

// ConfigureWithFile behaves like Configure and additionally appends JSON
// lines to path. The returned closer releases the file.
func ConfigureWithFile(level, format, path string) (zerolog.Logger, io.Closer, error) {
	if path == "" {
		return Configure(level, format), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}
	console := consoleOrJSON(os.Stdout, format)
	logger := newLogger(zerolog.MultiLevelWriter(console, f), level)
	return logger, f, nil
}

func build(out io.Writer, level, format string) zerolog.Logger {
	return newLogger(consoleOrJSON(out, format), level)
}

func consoleOrJSON(out io.Writer, format string) io.Writer {
	if strings.EqualFold(format, "console") {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}

func newLogger(out io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
