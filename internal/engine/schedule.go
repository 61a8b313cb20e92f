package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planboard/internal/config"
	"planboard/internal/domain"
	"planboard/internal/repo"
	"planboard/internal/schedule"
)

// autoScheduleHorizon bounds how far ahead accepted suggestions are placed.
const autoScheduleHorizon = 14 * 24 * time.Hour

func (e Engine) workingHours() (schedule.WorkingHours, error) {
	h := schedule.DefaultWorkingHours()
	if e.Config == nil {
		return h, nil
	}
	loc, err := e.Config.Location()
	if err != nil {
		return h, err
	}
	start, err := config.ParseClock(e.Config.Schedule.DayStart)
	if err != nil {
		return h, err
	}
	end, err := config.ParseClock(e.Config.Schedule.DayEnd)
	if err != nil {
		return h, err
	}
	return schedule.WorkingHours{Start: start, End: end, Location: loc, SkipWeekends: e.Config.Schedule.SkipWeekends}, nil
}

// TaskBusySource reports the user's open scheduled tasks as busy time.
func (e Engine) TaskBusySource() schedule.BusySource {
	return schedule.BusySourceFunc(func(ctx context.Context, userID string, start, end time.Time) ([]domain.BusySlot, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{UserID: userID, ScheduledOnly: true})
		if err != nil {
			return nil, err
		}
		return schedule.TaskBusy(tasks, e.defaultDuration(), start, end), nil
	})
}

func (e Engine) busy(ctx context.Context, userID string, start, end time.Time) ([]domain.BusySlot, error) {
	sources := append([]schedule.BusySource{e.TaskBusySource()}, e.Busy...)
	return schedule.CollectBusy(ctx, sources, userID, start, end)
}

// FreeSlots merges every busy source for the user and returns the working
// hour gaps of at least durationMinutes inside [start, end).
func (e Engine) FreeSlots(ctx context.Context, userID string, start, end time.Time, durationMinutes int) ([]domain.FreeSlot, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if durationMinutes <= 0 {
		e.Metrics.SlotQuery("invalid")
		return nil, invalid("duration must be positive")
	}
	if !start.Before(end) {
		e.Metrics.SlotQuery("invalid")
		return nil, invalid("start must be before end")
	}
	hours, err := e.workingHours()
	if err != nil {
		return nil, err
	}
	busy, err := e.busy(ctx, userID, start, end)
	if err != nil {
		e.Metrics.SlotQuery("error")
		return nil, err
	}
	slots, err := schedule.FindFreeSlots(busy, durationMinutes, start, end, hours)
	if err != nil {
		e.Metrics.SlotQuery("invalid")
		if errors.Is(err, schedule.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	e.Metrics.SlotQuery("ok")
	return slots, nil
}

type AcceptInput struct {
	UserID    string
	SessionID string
	// MessageID is the assistant message (aiResponseId) holding the suggestions.
	MessageID string
	// Indexes selects suggestions; empty accepts all of them.
	Indexes      []int
	AutoSchedule bool
}

// AcceptSuggestions turns suggestions of an assistant message into tasks.
// With AutoSchedule, undated suggestions are placed into the earliest free
// slots; each placement is treated as busy for the next one.
func (e Engine) AcceptSuggestions(ctx context.Context, in AcceptInput) ([]domain.Task, error) {
	if err := requireUser(in.UserID); err != nil {
		return nil, err
	}
	session, err := e.GetSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	var msg *domain.Message
	for i := range session.Messages {
		if session.Messages[i].ID == in.MessageID {
			msg = &session.Messages[i]
			break
		}
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", in.MessageID, repo.ErrNotFound)
	}
	if msg.Role != domain.RoleAssistant {
		return nil, invalid("message %s is not an assistant reply", msg.ID)
	}
	if len(msg.Suggestions) == 0 {
		return nil, invalid("message %s has no suggestions", msg.ID)
	}
	indexes := in.Indexes
	if len(indexes) == 0 {
		for i := range msg.Suggestions {
			indexes = append(indexes, i)
		}
	}
	picked := make([]domain.Suggestion, 0, len(indexes))
	seen := map[int]bool{}
	for _, i := range indexes {
		if i < 0 || i >= len(msg.Suggestions) {
			return nil, invalid("suggestion index %d out of range", i)
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		picked = append(picked, msg.Suggestions[i])
	}

	inputs := make([]TaskInput, len(picked))
	for i, s := range picked {
		ti := TaskInput{
			Title:        s.Title,
			Description:  s.Description,
			Priority:     s.Priority,
			Category:     s.Category,
			SessionID:    session.ID,
			AIResponseID: msg.ID,
			StartDate:    s.StartDate,
			DueDate:      s.DueDate,
		}
		if s.StartDate != nil && s.DueDate == nil && s.Duration != nil {
			due := s.StartDate.Add(time.Duration(*s.Duration) * time.Minute)
			ti.DueDate = &due
		}
		inputs[i] = ti
	}
	if in.AutoSchedule {
		if err := e.place(ctx, in.UserID, picked, inputs); err != nil {
			return nil, err
		}
	}
	return e.CreateTasks(ctx, in.UserID, inputs)
}

func (e Engine) place(ctx context.Context, userID string, picked []domain.Suggestion, inputs []TaskInput) error {
	hours, err := e.workingHours()
	if err != nil {
		return err
	}
	start := e.now()
	end := start.Add(autoScheduleHorizon)
	busy, err := e.busy(ctx, userID, start, end)
	if err != nil {
		return err
	}
	for i, s := range picked {
		if s.StartDate != nil || s.DueDate != nil || s.Duration == nil || *s.Duration <= 0 {
			continue
		}
		slots, err := schedule.FindFreeSlots(busy, *s.Duration, start, end, hours)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if len(slots) == 0 {
			e.Logger.Info().Str("title", s.Title).Int("duration", *s.Duration).Msg("no free slot for suggestion")
			continue
		}
		slotStart := slots[0].Start
		slotEnd := slotStart.Add(time.Duration(*s.Duration) * time.Minute)
		inputs[i].StartDate = &slotStart
		inputs[i].DueDate = &slotEnd
		busy = append(busy, domain.BusySlot{Start: slotStart, End: slotEnd})
	}
	return nil
}
