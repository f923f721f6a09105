package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validation is the result of checking a cron expression
type Validation struct {
	Valid       bool        `json:"valid"`
	Error       string      `json:"error,omitempty"`
	Description string      `json:"description,omitempty"`
	NextRuns    []time.Time `json:"next_runs,omitempty"`
}

// ValidateExpression checks a 5-field cron expression and, if valid, returns a
// human description and the next n fire times in strictly increasing order.
func ValidateExpression(expr string, n int) Validation {
	if n <= 0 {
		n = 3
	}

	if err := checkFieldCount(expr); err != nil {
		return Validation{Valid: false, Error: err.Error()}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return Validation{Valid: false, Error: fmt.Sprintf("invalid cron expression: %v", err)}
	}

	res := Validation{Valid: true, Description: describe(expr)}
	t := time.Now()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		res.NextRuns = append(res.NextRuns, t)
	}
	return res
}

func checkFieldCount(expr string) error {
	if fields := strings.Fields(expr); len(fields) != 5 {
		return fmt.Errorf("cron expression must have 5 fields, got %d", len(strings.Fields(expr)))
	}
	return nil
}

// describe produces a rough human-readable summary for common patterns,
// falling back to the raw expression
func describe(expr string) string {
	f := strings.Fields(expr)
	minute, hour, dom, month, dow := f[0], f[1], f[2], f[3], f[4]

	switch {
	case minute == "*" && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return "every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return fmt.Sprintf("every %s minutes", minute[2:])
	case minute == "0" && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return "every hour"
	case minute == "0" && strings.HasPrefix(hour, "*/") && dom == "*" && month == "*" && dow == "*":
		return fmt.Sprintf("every %s hours", hour[2:])
	}

	timePart := ""
	if !strings.ContainsAny(minute, "*/,-") && !strings.ContainsAny(hour, "*/,-") {
		timePart = fmt.Sprintf("at %s:%s", hour, pad2(minute))
	}

	switch {
	case timePart != "" && dom == "*" && month == "*" && dow == "*":
		return "daily " + timePart
	case timePart != "" && dom == "*" && month == "*" && dow == "1-5":
		return "weekdays " + timePart
	case timePart != "" && dom == "*" && month == "*" && dowName(dow) != "":
		return fmt.Sprintf("every %s %s", dowName(dow), timePart)
	case timePart != "" && !strings.ContainsAny(dom, "*/,-") && month == "*" && dow == "*":
		return fmt.Sprintf("monthly on day %s %s", dom, timePart)
	}
	return expr
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func dowName(dow string) string {
	names := map[string]string{"0": "Sunday", "1": "Monday", "2": "Tuesday", "3": "Wednesday",
		"4": "Thursday", "5": "Friday", "6": "Saturday", "7": "Sunday"}
	return names[dow]
}
