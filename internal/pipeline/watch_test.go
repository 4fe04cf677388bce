package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvidal/printbox/internal/eventlog"
)

func TestWithinOperatingHours(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2025, 3, 14, hour, 30, 0, 0, time.Local)
	}

	assert.True(t, withinOperatingHours(at(8), 8, 22))
	assert.True(t, withinOperatingHours(at(21), 8, 22))
	assert.False(t, withinOperatingHours(at(22), 8, 22))
	assert.False(t, withinOperatingHours(at(7), 8, 22))
	assert.False(t, withinOperatingHours(at(3), 8, 22))

	// A degenerate window disables the gate.
	assert.True(t, withinOperatingHours(at(3), 0, 0))
	assert.True(t, withinOperatingHours(at(3), 22, 8))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := f.pl.Run(ctx, 20*time.Millisecond, 0, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// At least the immediate first cycle ran and logged no_jobs.
	entries := f.entries(t)
	require.NotEmpty(t, entries)
	assert.Equal(t, eventlog.StatusNoJobs, entries[0].Status)
}

func TestRunSurvivesCycleFailure(t *testing.T) {
	f := newFixture(t)
	f.pl.dial = func(_ context.Context) (Session, error) {
		panic("unexpected mailbox state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The watch loop must not crash; the panic becomes an error event.
	err := f.pl.Run(ctx, 20*time.Millisecond, 0, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	entries := f.entries(t)
	require.NotEmpty(t, entries)
	assert.Equal(t, eventlog.StatusError, entries[0].Status)
	assert.Contains(t, entries[0].Error, "unexpected mailbox state")
}