package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Run polls the mailbox on a fixed interval until ctx is cancelled.
// Cycles only run inside the operating-hours window; an endHour at or
// below startHour disables the window. Cancellation takes effect
// between cycles, never mid-document.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration, startHour, endHour int) error {
	if interval <= 0 {
		interval = 300 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.cycle(ctx, startHour, endHour)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx, startHour, endHour)
		}
	}
}

// cycle runs one bounded, panic-guarded poll cycle. This is the
// outermost catch-all: whatever goes wrong, the process keeps looping
// and the failure surfaces as an error event.
func (p *Pipeline) cycle(ctx context.Context, startHour, endHour int) {
	if !withinOperatingHours(time.Now(), startHour, endHour) {
		p.logger.Debug("outside operating hours, skipping cycle")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("unexpected failure in poll cycle", zap.Any("panic", r))
			p.logCycleError(fmt.Errorf("unexpected failure: %v", r))
		}
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	sum, err := p.RunOnce(cycleCtx)
	if err != nil {
		p.logger.Error("poll cycle failed", zap.Error(err))
		return
	}

	p.logger.Info("poll cycle finished",
		zap.Int("printed", sum.Printed),
		zap.Int("denied", sum.Denied),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
	)
}

// withinOperatingHours reports whether t falls inside [start, end) by
// local hour.
func withinOperatingHours(t time.Time, start, end int) bool {
	if end <= start {
		return true
	}
	h := t.Hour()
	return h >= start && h < end
}
