// Package loggingutil holds the small pslog helpers shared by every scribed
// subsystem.
package loggingutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins non-empty parts into a dot-delimited subsystem path.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through the returned logger with the
// supplied subsystem. A later call replaces the tag.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// FromContext returns the request-scoped logger stored on ctx, falling back to
// fallback (or a disabled logger).
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return EnsureLogger(fallback)
}
