package module

import (
	"context"
	"log/slog"
)

// LogSink is implemented by log modules. Emit receives every record the
// process logs at or above the sink's level.
type LogSink interface {
	Descriptor
	Enabled(level slog.Level) bool
	Emit(ctx context.Context, r slog.Record) error
}
