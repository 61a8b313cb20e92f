// Package suggest pulls structured task suggestions out of free-form model
// replies. Extraction never fails: anything unreadable is skipped.
package suggest

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"planboard/internal/domain"
)

const suggestionSchema = `{
  "type": "object",
  "required": ["title"],
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string"},
    "priority": {"type": "string", "enum": ["low", "medium", "high"]},
    "category": {"type": "string", "maxLength": 64},
    "duration": {"type": "integer", "minimum": 1, "maximum": 1440},
    "startDate": {"type": "string"},
    "dueDate": {"type": "string"}
  }
}`

var (
	fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	tasksBlock  = regexp.MustCompile(`(?s)<tasks>(.*?)</tasks>`)
)

var compiled = mustSchema(suggestionSchema)

func mustSchema(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(err)
	}
	return s
}

// PromptInstructions tells the model how to embed suggestions so Extract
// can find them.
const PromptInstructions = `When you propose tasks, append them inside <tasks></tasks> as a JSON array.
Each item has "title" (required), "description", "priority" (low, medium or high), "category",
"duration" in minutes, and optional "startDate" and "dueDate" as RFC 3339 timestamps.`

type rawSuggestion struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
	Duration    *int   `json:"duration"`
	StartDate   string `json:"startDate"`
	DueDate     string `json:"dueDate"`
}

// Extract returns every valid suggestion embedded in text.
func Extract(text string) []domain.Suggestion {
	var out []domain.Suggestion
	for _, candidate := range candidates(text) {
		for _, item := range items(candidate) {
			if s, ok := parseItem(item); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func candidates(text string) []string {
	var res []string
	for _, m := range tasksBlock.FindAllStringSubmatch(text, -1) {
		inner := m[1]
		if fenced := fencedBlock.FindStringSubmatch(inner); fenced != nil {
			inner = fenced[1]
		}
		res = append(res, inner)
	}
	if len(res) > 0 {
		return res
	}
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		res = append(res, m[1])
	}
	return res
}

func items(candidate string) []map[string]any {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(candidate), &list); err == nil {
		return list
	}
	var wrapped struct {
		Tasks []map[string]any `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(candidate), &wrapped); err == nil {
		return wrapped.Tasks
	}
	return nil
}

func parseItem(item map[string]any) (domain.Suggestion, bool) {
	if item == nil {
		return domain.Suggestion{}, false
	}
	normalise(item)
	result, err := compiled.Validate(gojsonschema.NewGoLoader(item))
	if err != nil || !result.Valid() {
		return domain.Suggestion{}, false
	}
	data, err := json.Marshal(item)
	if err != nil {
		return domain.Suggestion{}, false
	}
	var raw rawSuggestion
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Suggestion{}, false
	}
	s := domain.Suggestion{
		Title:       strings.TrimSpace(raw.Title),
		Description: raw.Description,
		Priority:    raw.Priority,
		Category:    raw.Category,
		Duration:    raw.Duration,
	}
	if s.Title == "" {
		return domain.Suggestion{}, false
	}
	if s.Priority == "" {
		s.Priority = domain.PriorityMedium
	}
	var ok bool
	if s.StartDate, ok = parseDate(raw.StartDate); !ok {
		return domain.Suggestion{}, false
	}
	if s.DueDate, ok = parseDate(raw.DueDate); !ok {
		return domain.Suggestion{}, false
	}
	return s, true
}

// normalise folds key spellings and priority case before validation.
func normalise(item map[string]any) {
	for from, to := range map[string]string{"start_date": "startDate", "due_date": "dueDate", "durationMinutes": "duration"} {
		if v, ok := item[from]; ok {
			if _, exists := item[to]; !exists {
				item[to] = v
			}
			delete(item, from)
		}
	}
	if p, ok := item["priority"].(string); ok {
		item["priority"] = strings.ToLower(strings.TrimSpace(p))
	}
	for _, key := range []string{"startDate", "dueDate", "description", "category"} {
		if item[key] == nil {
			delete(item, key)
		}
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}

func parseDate(s string) (*time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, true
		}
	}
	return nil, false
}
