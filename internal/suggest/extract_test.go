package suggest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTasksBlock(t *testing.T) {
	reply := `Here is a plan for your week.
<tasks>
[
  {"title": "Draft outline", "priority": "High", "category": "writing", "duration": 90},
  {"title": "Review with Sam", "startDate": "2024-01-03T14:00:00Z", "dueDate": "2024-01-03T15:00:00Z"}
]
</tasks>
Good luck!`
	got := Extract(reply)
	require.Len(t, got, 2)
	assert.Equal(t, "Draft outline", got[0].Title)
	assert.Equal(t, "high", got[0].Priority)
	require.NotNil(t, got[0].Duration)
	assert.Equal(t, 90, *got[0].Duration)
	assert.Equal(t, "medium", got[1].Priority)
	require.NotNil(t, got[1].StartDate)
	assert.Equal(t, time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC), *got[1].StartDate)
}

func TestExtractFencedObject(t *testing.T) {
	reply := "Sure:\n```json\n{\"tasks\": [{\"title\": \"Pay invoices\", \"priority\": \"low\", \"due_date\": \"2024-02-01\"}]}\n```"
	got := Extract(reply)
	require.Len(t, got, 1)
	assert.Equal(t, "low", got[0].Priority)
	require.NotNil(t, got[0].DueDate)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), *got[0].DueDate)
}

func TestExtractDropsInvalidItems(t *testing.T) {
	reply := `<tasks>[
  {"title": ""},
  {"description": "no title"},
  {"title": "Bad priority", "priority": "urgent"},
  {"title": "Bad duration", "duration": -5},
  {"title": "Bad date", "startDate": "next tuesday"},
  {"title": "Keep me"}
]</tasks>`
	got := Extract(reply)
	require.Len(t, got, 1)
	assert.Equal(t, "Keep me", got[0].Title)
}

func TestExtractDegradesToNothing(t *testing.T) {
	for _, reply := range []string{
		"",
		"No tasks today.",
		"<tasks>not json</tasks>",
		"```json\n{\"tasks\": 3}\n```",
		"```\n[1, 2, 3]\n```",
		"<tasks>[{\"title\": \"unterminated\"",
	} {
		assert.Empty(t, Extract(reply), reply)
	}
}
