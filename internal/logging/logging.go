package logging

import (
	"io"
	"log/slog"
	"strings"
)

/*
Log attribute keys shared by several packages. Package specific keys are
defined where they are used.
*/
const (
	ErrorKey = "err"
	RunIDKey = "run_id"
	PIDKey   = "pid"
	GroupKey = "cgroup"
	TraitKey = "trait"
)

// New creates a logger writing to w. level is one of debug, info, warn, error
// (anything else means info); format "json" selects the JSON handler, any other
// value the text handler.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

/*
Error adds error to the log

	if err := f(); err != nil {
		log.Warn("calling f", logging.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

// RunID tags records with the id of a stress or launch run. Meant for logger.With.
func RunID(id string) slog.Attr {
	return slog.String(RunIDKey, id)
}

func PID(pid int) slog.Attr {
	return slog.Int(PIDKey, pid)
}

func Group(name string) slog.Attr {
	return slog.String(GroupKey, name)
}
