package schedule

import (
	"fmt"
	"strings"
	"time"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses weekday names ("mon", "Tuesday", ...) or the shorthands
// "all", "weekdays" and "weekend". Duplicates are ignored.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	seen := [7]bool{}
	out := make([]time.Weekday, 0, 7)
	add := func(d time.Weekday) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		switch n {
		case "":
			continue
		case "all", "*":
			for d := time.Sunday; d <= time.Saturday; d++ {
				add(d)
			}
		case "weekdays":
			for d := time.Monday; d <= time.Friday; d++ {
				add(d)
			}
		case "weekend":
			add(time.Saturday)
			add(time.Sunday)
		default:
			d, ok := weekdayNames[n]
			if !ok {
				return nil, fmt.Errorf("invalid weekday %q (use sun..sat, all, weekdays or weekend)", raw)
			}
			add(d)
		}
	}
	return out, nil
}
