package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, zerolog.InfoLevel, false)
)

func newLogger(w io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "registry").Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetupLogger replaces the shared logger. Unknown levels fall back to info.
func SetupLogger(level string, pretty bool) zerolog.Logger {
	return SetOutput(os.Stdout, level, pretty)
}

// SetOutput points the shared logger at w and returns it.
func SetOutput(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l := newLogger(w, lvl, pretty)
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return l
}
