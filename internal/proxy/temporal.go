package proxy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InjectTemporalContext prepends a synthetic system message stating the
// current UTC date/time/weekday/year, and appends a short note to the last
// user message's text if the current year string is absent from it (spec
// §4.8 "Temporal context injection").
func InjectTemporalContext(messages []Message, now time.Time) []Message {
	now = now.UTC()
	year := strconv.Itoa(now.Year())

	systemMsg := Message{
		Role: RoleSystem,
		Content: fmt.Sprintf(
			"Current date and time: %s %s UTC, %s, year %s.",
			now.Format("2006-01-02"), now.Format("15:04"), now.Format("Monday"), year,
		),
	}

	out := make([]Message, 0, len(messages)+1)
	out = append(out, systemMsg)
	out = append(out, messages...)

	lastUserIdx := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == RoleUser {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 {
		return out
	}

	msg := out[lastUserIdx]
	if msg.IsStructured() {
		return out // structured content rewritten only by attachment materialization
	}
	if strings.Contains(msg.Content, year) {
		return out
	}
	msg.Content = msg.Content + fmt.Sprintf("\n[System note: current date is %s, year %s]", now.Format("2006-01-02"), year)
	out[lastUserIdx] = msg
	return out
}
