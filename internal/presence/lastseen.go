package presence

import (
	"fmt"
	"time"
)

// FormatLastSeen renders a last-seen timestamp with bucketed
// granularity: just now, minutes, hours, days, then the calendar date.
func FormatLastSeen(lastSeen, now time.Time) string {
	if lastSeen.IsZero() {
		return "a while ago"
	}
	d := now.Sub(lastSeen)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return lastSeen.Format("Jan 2, 2006")
	}
}
