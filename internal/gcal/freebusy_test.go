package gcal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

type fakeQuerier struct {
	req  *calendar.FreeBusyRequest
	resp *calendar.FreeBusyResponse
	err  error
}

func (f *fakeQuerier) Query(_ context.Context, req *calendar.FreeBusyRequest) (*calendar.FreeBusyResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestBusyParsesCalendars(t *testing.T) {
	q := &fakeQuerier{resp: &calendar.FreeBusyResponse{Calendars: map[string]calendar.FreeBusyCalendar{
		"primary": {Busy: []*calendar.TimePeriod{
			{Start: "2024-01-02T10:00:00Z", End: "2024-01-02T11:00:00Z"},
			{Start: "2024-01-02T12:00:00Z", End: "2024-01-02T12:00:00Z"},
		}},
		"team": {Busy: []*calendar.TimePeriod{{Start: "2024-01-02T14:00:00+01:00", End: "2024-01-02T15:00:00+01:00"}}},
	}}}
	s := &Source{q: q, calendarIDs: []string{"primary", "team"}}
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	busy, err := s.Busy(context.Background(), "u1", from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 2)
	assert.True(t, busy[0].Start.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	assert.True(t, busy[1].Start.Equal(time.Date(2024, 1, 2, 13, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-01-02T00:00:00Z", q.req.TimeMin)
	assert.Len(t, q.req.Items, 2)
}

func TestBusyPropagatesErrors(t *testing.T) {
	s := &Source{q: &fakeQuerier{err: errors.New("403")}, calendarIDs: []string{"primary"}}
	_, err := s.Busy(context.Background(), "u1", time.Now(), time.Now().Add(time.Hour))
	assert.Error(t, err)

	s = &Source{q: &fakeQuerier{resp: &calendar.FreeBusyResponse{Calendars: map[string]calendar.FreeBusyCalendar{
		"primary": {Errors: []*calendar.Error{{Reason: "notFound"}}},
	}}}, calendarIDs: []string{"primary"}}
	_, err = s.Busy(context.Background(), "u1", time.Now(), time.Now().Add(time.Hour))
	assert.ErrorContains(t, err, "notFound")
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{CalendarIDs: []string{"primary"}})
	assert.Error(t, err)
}
