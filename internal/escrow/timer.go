package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/periodic"
)

// Timer periodically completes transactions whose approval window elapsed.
type Timer struct {
	service *Service
	store   Store
	batch   int
	logger  *slog.Logger
	loop    *periodic.Loop
}

// NewTimer creates a new approval deadline timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := &Timer{
		service: service,
		store:   store,
		batch:   100,
		logger:  logger,
	}
	t.loop = periodic.New("approval timer", interval, logger, func(ctx context.Context) {
		t.Sweep(ctx, time.Now().UTC())
	})
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.loop.Running()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.loop.Start(ctx)
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.loop.Stop()
}

// Sweep applies approval_deadline_elapsed to every transaction due at now
// and returns how many were completed. A transaction disputed or approved
// since it was listed resolves as a no-op.
func (t *Timer) Sweep(ctx context.Context, now time.Time) int {
	due, err := t.store.ListApprovalDue(ctx, now, t.batch)
	if err != nil {
		t.logger.Warn("failed to list transactions due for approval", "error", err)
		return 0
	}

	completed := 0
	for _, tx := range due {
		if ctx.Err() != nil {
			return completed
		}
		res, err := t.service.Apply(ctx, TransitionRequest{
			JobID:   tx.JobID,
			Event:   EventApprovalDeadlineElapsed,
			Source:  SourceApprovalTimer,
			Message: fmt.Sprintf("deadline %s", tx.ApprovalDeadline.Format(time.RFC3339)),
		})
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, ErrInconsistentState) {
				level = slog.LevelError
			}
			t.logger.Log(ctx, level, "failed to auto-complete escrow",
				"transactionId", tx.ID, "jobId", tx.JobID, "error", err)
			continue
		}
		if res.Applied() {
			completed++
			escrowAutoCompleted.Inc()
			t.logger.Info("auto-completed escrow (approval window elapsed)",
				"transactionId", tx.ID, "jobId", tx.JobID, "provider", tx.ProviderID, "netPayout", tx.NetPayout)
		}
	}
	return completed
}
