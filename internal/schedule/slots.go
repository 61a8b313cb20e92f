package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"planboard/internal/domain"
)

var ErrInvalidInput = errors.New("invalid slot query")

// WorkingHours bounds the part of each day that can hold scheduled work.
// Start and End are local clock times expressed as offsets from midnight.
type WorkingHours struct {
	Start        time.Duration
	End          time.Duration
	Location     *time.Location
	SkipWeekends bool
}

func DefaultWorkingHours() WorkingHours {
	return WorkingHours{
		Start:        9 * time.Hour,
		End:          17 * time.Hour,
		Location:     time.Local,
		SkipWeekends: true,
	}
}

func (h WorkingHours) location() *time.Location {
	if h.Location == nil {
		return time.Local
	}
	return h.Location
}

// FindFreeSlots returns, in chronological order, every gap inside working
// hours and inside [windowStart, windowEnd) that is not covered by a busy
// slot and is at least durationMinutes long. busy is left untouched.
func FindFreeSlots(busy []domain.BusySlot, durationMinutes int, windowStart, windowEnd time.Time, hours WorkingHours) ([]domain.FreeSlot, error) {
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	if !windowStart.Before(windowEnd) {
		return nil, fmt.Errorf("%w: window start must be before window end", ErrInvalidInput)
	}
	if hours.End <= hours.Start {
		return nil, fmt.Errorf("%w: working hours end before they start", ErrInvalidInput)
	}
	for i, b := range busy {
		if !b.Start.Before(b.End) {
			return nil, fmt.Errorf("%w: busy slot %d ends before it starts", ErrInvalidInput, i)
		}
	}

	sorted := make([]domain.BusySlot, len(busy))
	copy(sorted, busy)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	need := time.Duration(durationMinutes) * time.Minute
	loc := hours.location()
	local := windowStart.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var out []domain.FreeSlot
	emit := func(start, end time.Time) {
		if end.Sub(start) >= need {
			out = append(out, domain.FreeSlot{Start: start, End: end, DurationMinutes: int(end.Sub(start) / time.Minute)})
		}
	}
	for ; day.Before(windowEnd); day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc) {
		if hours.SkipWeekends && (day.Weekday() == time.Saturday || day.Weekday() == time.Sunday) {
			continue
		}
		open := later(wallClock(day, hours.Start), windowStart)
		closeAt := earlier(wallClock(day, hours.End), windowEnd)
		if !open.Before(closeAt) {
			continue
		}
		pointer := open
		for _, b := range sorted {
			if !b.Start.Before(closeAt) {
				break
			}
			if !b.End.After(pointer) {
				continue
			}
			if b.Start.After(pointer) {
				emit(pointer, earlier(b.Start, closeAt))
			}
			pointer = later(pointer, b.End)
			if !pointer.Before(closeAt) {
				break
			}
		}
		if pointer.Before(closeAt) {
			emit(pointer, closeAt)
		}
	}
	return out, nil
}

// wallClock returns the local clock time offset after midnight of day, so
// working hours stay put on days when the zone offset changes.
func wallClock(day time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int(offset % time.Hour / time.Minute)
	sec := int(offset % time.Minute / time.Second)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, sec, 0, day.Location())
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
