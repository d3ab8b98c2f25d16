package rslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Zero = NewZeroLogger("", "info", false)

// NewZeroLogger builds the process-wide logger. Output is JSON unless pretty
// is set, in which case the human readable console writer is used.
func NewZeroLogger(filepath string, level string, pretty bool) *zerolog.Logger {
	_, writer := newWriter(filepath)

	var output io.Writer = writer
	if pretty {
		output = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(output).With().Timestamp().Logger().Level(parseLevel(level))

	return &logger
}

// ReloadLogger swaps the global logger, closing the previous log file.
func ReloadLogger(filepath string, level string, pretty bool) {
	prev := logFile
	Zero = NewZeroLogger(filepath, level, pretty)
	if prev != nil && prev != logFile {
		_ = prev.Close()
	}
}

func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

var logFile *os.File
