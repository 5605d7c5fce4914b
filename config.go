package stcp

import (
	"log/slog"
	"time"
)

// Config configures a [Stack]. The zero value is not ready to use; call
// [Config.withDefaults] (done automatically by [NewStack]) to fill in
// defaults, following the teacher's small XxxConfig-struct pattern
// (x/xnet.BerkeleyConfig, x/xnet.TCPPoolConfig) rather than package globals.
type Config struct {
	// MaxDescriptors bounds the descriptor table. Must be a power of two.
	// Zero selects the default of 64.
	MaxDescriptors int
	// DefaultBacklog is used by Listen callers that pass a negative backlog.
	DefaultBacklog int
	// DialTimeout is filled with a default by withDefaults. The Stack does
	// not pass it to its CarrierFactory; carrier.Factory has its own
	// DialTimeout field.
	DialTimeout time.Duration
	// AcceptTimeout is filled with a default by withDefaults. The Stack does
	// not pass it to its CarrierFactory; carrier.Factory has its own
	// AcceptTimeout field.
	AcceptTimeout time.Duration
	// Logger receives structured diagnostics; nil disables logging.
	Logger *slog.Logger
	// TraceEventsPerSecond rate-limits per-segment trace logging in the
	// receive pump and unreliability emulator. Zero selects a default of 50.
	TraceEventsPerSecond float64
}

const (
	defaultMaxDescriptors      = 64
	defaultBacklog             = 8
	defaultDialTimeout         = 10 * time.Second
	defaultAcceptTimeout       = 10 * time.Second
	defaultTraceEventsPerSecond = 50
)

func (c Config) withDefaults() Config {
	if c.MaxDescriptors <= 0 {
		c.MaxDescriptors = defaultMaxDescriptors
	}
	if c.MaxDescriptors&(c.MaxDescriptors-1) != 0 {
		panic("stcp: MaxDescriptors must be a power of two")
	}
	if c.DefaultBacklog <= 0 {
		c.DefaultBacklog = defaultBacklog
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = defaultAcceptTimeout
	}
	if c.TraceEventsPerSecond <= 0 {
		c.TraceEventsPerSecond = defaultTraceEventsPerSecond
	}
	return c
}
