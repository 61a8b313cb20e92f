// Package gcal reads busy intervals from Google Calendar so external
// meetings block scheduling.
package gcal

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"planboard/internal/domain"
)

type Config struct {
	CalendarIDs     []string
	CredentialsFile string
	// AccessToken is used when no credentials file is given.
	AccessToken string
}

type freeBusyQuerier interface {
	Query(ctx context.Context, req *calendar.FreeBusyRequest) (*calendar.FreeBusyResponse, error)
}

type serviceQuerier struct {
	srv *calendar.Service
}

func (q serviceQuerier) Query(ctx context.Context, req *calendar.FreeBusyRequest) (*calendar.FreeBusyResponse, error) {
	return q.srv.Freebusy.Query(req).Context(ctx).Do()
}

// Source implements schedule.BusySource over the FreeBusy API.
type Source struct {
	q           freeBusyQuerier
	calendarIDs []string
}

func New(ctx context.Context, cfg Config) (*Source, error) {
	if len(cfg.CalendarIDs) == 0 {
		return nil, fmt.Errorf("google calendar: no calendar ids configured")
	}
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("google calendar credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(calendar.CalendarReadonlyScope))
	case cfg.AccessToken != "":
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})))
	default:
		return nil, fmt.Errorf("google calendar: credentials file or access token required")
	}
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar client: %w", err)
	}
	return &Source{q: serviceQuerier{srv: srv}, calendarIDs: cfg.CalendarIDs}, nil
}

// Busy ignores userID: the configured calendars belong to the deployment.
func (s *Source) Busy(ctx context.Context, _ string, windowStart, windowEnd time.Time) ([]domain.BusySlot, error) {
	req := &calendar.FreeBusyRequest{
		TimeMin: windowStart.UTC().Format(time.RFC3339),
		TimeMax: windowEnd.UTC().Format(time.RFC3339),
	}
	for _, id := range s.calendarIDs {
		req.Items = append(req.Items, &calendar.FreeBusyRequestItem{Id: id})
	}
	resp, err := s.q.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("google freebusy: %w", err)
	}
	var out []domain.BusySlot
	for _, id := range s.calendarIDs {
		cal, ok := resp.Calendars[id]
		if !ok {
			continue
		}
		if len(cal.Errors) > 0 {
			return nil, fmt.Errorf("google freebusy %s: %s", id, cal.Errors[0].Reason)
		}
		for _, p := range cal.Busy {
			start, err := time.Parse(time.RFC3339, p.Start)
			if err != nil {
				return nil, fmt.Errorf("google freebusy %s start: %w", id, err)
			}
			end, err := time.Parse(time.RFC3339, p.End)
			if err != nil {
				return nil, fmt.Errorf("google freebusy %s end: %w", id, err)
			}
			if start.Before(end) {
				out = append(out, domain.BusySlot{Start: start, End: end})
			}
		}
	}
	return out, nil
}
