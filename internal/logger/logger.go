// Package logger provides the process-wide structured logger used by every
// quicrq package. It mirrors a global-accessor-plus-With(...) shape but
// backs it with zerolog instead of log/slog, matching the logging library
// most QUIC-transport code in this ecosystem standardizes on.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// envLogLevel is the environment variable consulted for the initial level.
const envLogLevel = "QUICRQ_LOG_LEVEL"

var (
	global   zerolog.Logger
	initOnce sync.Once
	level    atomic.Int32 // holds a zerolog.Level
)

// Init initializes the global logger. Safe to call multiple times; only the
// first call constructs the writer.
func Init() {
	initOnce.Do(func() {
		lvl := detectLevel()
		level.Store(int32(lvl))
		global = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	})
}

func detectLevel() zerolog.Level {
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, ok := parseLevel(env); ok {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

func parseLevel(s string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error", "err":
		return zerolog.ErrorLevel, true
	}
	return zerolog.NoLevel, false
}

type invalidLevelError struct{ name string }

func (e *invalidLevelError) Error() string { return "invalid log level: " + e.name }

// SetLevel changes the runtime log level by name.
func SetLevel(name string) error {
	Init()
	lvl, ok := parseLevel(name)
	if !ok {
		return &invalidLevelError{name: name}
	}
	level.Store(int32(lvl))
	global = global.Level(lvl)
	return nil
}

// Level returns the current runtime level as a string.
func Level() string {
	Init()
	return zerolog.Level(level.Load()).String()
}

// UseWriter swaps the output writer; intended for tests. Retains current level.
func UseWriter(w io.Writer) {
	Init()
	global = zerolog.New(w).Level(zerolog.Level(level.Load())).With().Timestamp().Logger()
}

// Logger returns the global logger, ensuring Init has run.
func Logger() *zerolog.Logger {
	Init()
	return &global
}

// WithConn attaches connection identity fields.
func WithConn(l *zerolog.Logger, connID, peerAddr string) zerolog.Logger {
	return l.With().Str("conn_id", connID).Str("peer_addr", peerAddr).Logger()
}

// WithURL attaches the media URL a log line concerns.
func WithURL(l *zerolog.Logger, url string) zerolog.Logger {
	return l.With().Str("url", url).Logger()
}

// WithSubscription attaches subscription identity fields.
func WithSubscription(l *zerolog.Logger, connID, url, mode string) zerolog.Logger {
	return l.With().Str("conn_id", connID).Str("url", url).Str("transport_mode", mode).Logger()
}

// WithFragmentMeta attaches fragment coordinates, the same per-message log
// context shape a WithMessageMeta helper would provide.
func WithFragmentMeta(l *zerolog.Logger, groupID, objectID, offset uint64) zerolog.Logger {
	return l.With().
		Uint64("group_id", groupID).
		Uint64("object_id", objectID).
		Uint64("offset", offset).
		Logger()
}
