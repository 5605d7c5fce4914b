package stcp

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// logger wraps a *slog.Logger with nil-safe convenience methods, mirroring
// the teacher's internet/stack-ip.go logger type. The zero value is a valid
// no-op logger, so embedding one in a struct never requires a nil check at
// the call site.
type logger struct {
	log *slog.Logger
}

func (l logger) error(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelError, msg, attrs...) }
func (l logger) warn(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelWarn, msg, attrs...) }
func (l logger) info(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelInfo, msg, attrs...) }
func (l logger) debug(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelDebug, msg, attrs...) }

// trace is for per-segment chatter (receive pump, emulator). It is dropped
// silently, not just by level filtering, when no logger is set.
func (l logger) trace(msg string, attrs ...slog.Attr) { l.logAttrs(levelTrace, msg, attrs...) }

const levelTrace slog.Level = slog.LevelDebug - 2

func (l logger) logAttrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if l.log == nil || !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.LogAttrs(context.Background(), level, msg, attrs...)
}

// errAttr is the standard slog attr key for a logged error, used wherever a
// goroutine exit or recoverable failure needs to be attached to a log line.
func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// rateLogger adds a token-bucket limiter in front of a logger's trace calls,
// so a busy connection's receive pump or unreliability emulator cannot flood
// a slow log sink. The teacher doesn't need this (it logs per-packet trace
// only under explicit opt-in from a single goroutine); a core that logs
// per-segment from independent pump/transport goroutines does.
type rateLogger struct {
	logger
	lim *rate.Limiter
}

func newRateLogger(l logger, eventsPerSec float64) rateLogger {
	return rateLogger{logger: l, lim: rate.NewLimiter(rate.Limit(eventsPerSec), int(eventsPerSec)+1)}
}

func (r rateLogger) trace(msg string, attrs ...slog.Attr) {
	if r.lim != nil && !r.lim.AllowN(time.Now(), 1) {
		return
	}
	r.logger.trace(msg, attrs...)
}
