package schedule

import (
	"context"
	"fmt"
	"time"

	"planboard/internal/domain"
)

// BusySource reports the intervals already taken for a user.
type BusySource interface {
	Busy(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]domain.BusySlot, error)
}

type BusySourceFunc func(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]domain.BusySlot, error)

func (f BusySourceFunc) Busy(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]domain.BusySlot, error) {
	return f(ctx, userID, windowStart, windowEnd)
}

// CollectBusy queries every source and concatenates their slots.
func CollectBusy(ctx context.Context, sources []BusySource, userID string, windowStart, windowEnd time.Time) ([]domain.BusySlot, error) {
	var all []domain.BusySlot
	for i, src := range sources {
		slots, err := src.Busy(ctx, userID, windowStart, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("busy source %d: %w", i, err)
		}
		all = append(all, slots...)
	}
	return all, nil
}

// TaskBusy derives busy slots from scheduled tasks that are not done and
// overlap the window.
func TaskBusy(tasks []domain.Task, defaultDuration time.Duration, windowStart, windowEnd time.Time) []domain.BusySlot {
	var out []domain.BusySlot
	for _, t := range tasks {
		if t.Status == domain.StatusDone {
			continue
		}
		start, end, ok := t.Span(defaultDuration)
		if !ok || !start.Before(end) {
			continue
		}
		if !domain.Overlaps(start, end, windowStart, windowEnd) {
			continue
		}
		out = append(out, domain.BusySlot{Start: start, End: end})
	}
	return out
}
