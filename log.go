package panelmux

import (
	"context"
	"log/slog"
)

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// bestEffort runs a side operation whose failure must not abort the broader
// one: persistence after a turn, cancelling a superseded stream, closing a
// body. Failures are logged and swallowed.
func bestEffort(logger *slog.Logger, op string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("best-effort operation failed", "op", op, "error", err)
	}
}
