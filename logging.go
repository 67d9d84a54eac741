package foxl

import (
	"log/slog"

	"github.com/oklog/ulid/v2"
)

// NewRunLogger returns base (or slog.Default() if base is nil) with a
// "run_id" attribute attached: a short, sortable ULID unique to one process
// invocation or one REPL session. It lets log lines from several concurrent
// `foxl run` invocations sharing a log sink be told apart.
func NewRunLogger(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("run_id", ulid.Make().String())
}

// WithLogger overrides the Evaluator's logger after construction and
// returns the receiver for chaining.
func (e *Evaluator) WithLogger(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e.Logger = logger
	return e
}

// WithTrace enables or disables the per-function-call Debug log line.
func (e *Evaluator) WithTrace(trace bool) *Evaluator {
	e.Trace = trace
	return e
}
