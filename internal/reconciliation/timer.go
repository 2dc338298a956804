package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/periodic"
)

// Timer runs the reconciliation checks on an interval.
type Timer struct {
	*periodic.Loop
}

// NewTimer creates a reconciliation timer. A non-positive interval means
// five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{periodic.New("reconciliation timer", interval, logger, func(ctx context.Context) {
		if _, err := runner.RunAll(ctx); err != nil {
			logger.Warn("reconciliation run failed", "error", err)
		}
	})}
}
