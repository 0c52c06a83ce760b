package logging

import (
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return slog.LevelInfo
}

// Setup installs a text handler writing to w as the default logger.
func Setup(w io.Writer, level string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger
}

// EveryN passes through one call in n. Safe for concurrent use.
type EveryN struct {
	n       uint64
	counter atomic.Uint64
}

func NewEveryN(n int) *EveryN {
	if n < 1 {
		n = 1
	}
	return &EveryN{n: uint64(n)}
}

// Allow reports whether this occurrence should be logged. The first
// occurrence is always logged.
func (e *EveryN) Allow() bool {
	return (e.counter.Add(1)-1)%e.n == 0
}

// Count is the number of occurrences seen so far.
func (e *EveryN) Count() uint64 {
	return e.counter.Load()
}
