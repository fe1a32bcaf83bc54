// Package schedule parses weekly recurrence strings like
// "MTW 10:00 AM-12:00 PM, F 2:00 PM-3:00 PM" and resolves the slot active on
// a given date into a concrete start/end window.
package schedule

import (
	"regexp"
	"strings"
	"time"
)

// DayCodes is the canonical day token sequence, indexed Monday..Sunday.
var DayCodes = []string{"M", "T", "W", "Th", "F", "S", "Su"}

var timeRangePattern = regexp.MustCompile(`(\d{1,2}:\d{2}\s*(?:[AaPp][Mm])?)\s*-\s*(\d{1,2}:\d{2}\s*(?:[AaPp][Mm])?)`)

// Slot is one parsed day-set/time-range entry of a schedule string.
type Slot struct {
	Days            []string
	Start           time.Duration // offset from midnight
	End             time.Duration
	DurationMinutes int
	Overnight       bool
	Label           string
}

// Window is a slot resolved against a concrete date.
type Window struct {
	Start           time.Time
	End             time.Time
	DurationMinutes int
	Days            []string
	Label           string
	// Matched is false when the target weekday had no slot and the first
	// parsed slot was used as a fallback.
	Matched bool
}

// DayCodeFor returns the day token for a date's weekday.
func DayCodeFor(date time.Time) string {
	// time.Weekday is Sunday-based; DayCodes is Monday-based.
	idx := (int(date.Weekday()) + 6) % 7
	return DayCodes[idx]
}

func parseTimeToken(value string) (time.Duration, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return 0, false
	}
	upper := strings.ToUpper(text)
	// Tolerate "9:00AM" by inserting the space the layout expects.
	if (strings.HasSuffix(upper, "AM") || strings.HasSuffix(upper, "PM")) && !strings.HasSuffix(upper[:len(upper)-2], " ") {
		upper = strings.TrimSpace(upper[:len(upper)-2]) + " " + upper[len(upper)-2:]
	}
	for _, layout := range []string{"3:04 PM", "15:04"} {
		if t, err := time.Parse(layout, upper); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
		}
	}
	return 0, false
}

func splitDays(daysText string) []string {
	var cleaned strings.Builder
	for _, r := range daysText {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			cleaned.WriteRune(r)
		}
	}
	text := cleaned.String()
	if text == "" {
		return append([]string(nil), DayCodes...)
	}

	var tokens []string
	for i := 0; i < len(text); {
		// Two-character codes win over their single-character prefixes.
		if i+2 <= len(text) {
			two := strings.ToLower(text[i : i+2])
			if two == "th" || two == "su" {
				tokens = append(tokens, strings.ToUpper(two[:1])+two[1:])
				i += 2
				continue
			}
		}
		tokens = append(tokens, strings.ToUpper(text[i:i+1]))
		i++
	}

	var days []string
	for _, tok := range tokens {
		switch tok {
		case "M", "T", "W", "Th", "F", "S", "Su":
			days = append(days, tok)
		}
	}
	if len(days) == 0 {
		return append([]string(nil), DayCodes...)
	}
	return days
}

func splitDayAndTime(chunk string) (string, string) {
	chunk = strings.TrimSpace(chunk)
	i := 0
	for i < len(chunk) && ((chunk[i] >= 'A' && chunk[i] <= 'Z') || (chunk[i] >= 'a' && chunk[i] <= 'z')) {
		i++
	}
	daysPart := strings.TrimSpace(chunk[:i])
	timePart := strings.TrimSpace(chunk[i:])
	if timePart == "" {
		timePart = chunk
	}
	return daysPart, timePart
}

// ParseSlots parses a schedule string into slots. Entries that do not parse
// are dropped rather than rejected so a half-broken schedule still yields a
// usable window.
func ParseSlots(scheduleString string) []Slot {
	var slots []Slot
	for _, raw := range strings.Split(scheduleString, ",") {
		chunk := strings.TrimSpace(raw)
		if chunk == "" {
			continue
		}
		daysPart, timePart := splitDayAndTime(chunk)
		m := timeRangePattern.FindStringSubmatch(timePart)
		if m == nil {
			continue
		}
		start, ok := parseTimeToken(m[1])
		if !ok {
			continue
		}
		end, ok := parseTimeToken(m[2])
		if !ok {
			continue
		}
		overnight := false
		if end <= start {
			end += 24 * time.Hour
			overnight = true
		}
		duration := int((end - start) / time.Minute)
		if duration < 1 {
			duration = 1
		}
		slots = append(slots, Slot{
			Days:            splitDays(daysPart),
			Start:           start,
			End:             end,
			DurationMinutes: duration,
			Overnight:       overnight,
			Label:           chunk,
		})
	}
	return slots
}

// Resolve picks the slot whose day set contains the target date's weekday and
// anchors it on that date. When no slot matches the weekday the first parsed
// slot is used (Matched=false). Returns nil only when nothing parses.
func Resolve(scheduleString string, targetDate time.Time) *Window {
	slots := ParseSlots(scheduleString)
	if len(slots) == 0 {
		return nil
	}

	dayCode := DayCodeFor(targetDate)
	selected := slots[0]
	matched := false
	for _, slot := range slots {
		if containsDay(slot.Days, dayCode) {
			selected = slot
			matched = true
			break
		}
	}

	midnight := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	return &Window{
		Start:           midnight.Add(selected.Start),
		End:             midnight.Add(selected.End),
		DurationMinutes: selected.DurationMinutes,
		Days:            selected.Days,
		Label:           selected.Label,
		Matched:         matched,
	}
}

func containsDay(days []string, code string) bool {
	for _, d := range days {
		if d == code {
			return true
		}
	}
	return false
}
