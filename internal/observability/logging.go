// Package observability provides the shared zerolog setup used across every
// component, mirroring manifold/internal/observability's root-logger pattern
// (as opposed to the legacy logrus-based internal/logging package, which was
// not wired into the teacher's own live code paths and is not carried
// forward here).
package observability

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// NewLogger builds the process root logger. level is any zerolog level
// string ("debug", "info", "warn", "error"); pretty selects the
// human-readable console writer over JSON (suited to local development).
func NewLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w zerolog.Logger
	if pretty {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
	} else {
		w = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}
	return w
}

// Component returns a child logger tagged with a component name, the way
// each subsystem (router, agent, scheduler, ...) gets its own named logger.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithContext stores a logger on the context so downstream calls can pick up
// request-scoped fields (user_id, session_key) without threading a logger
// through every signature.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored on ctx, or a disabled logger if none
// was attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// ForUser returns a copy of log tagged with the given user id, for use at
// the session-lock boundary where every subsequent call is user-scoped.
func ForUser(log zerolog.Logger, userID int64) zerolog.Logger {
	return log.With().Int64("user_id", userID).Logger()
}
