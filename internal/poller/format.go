package poller

import (
	"fmt"
	"strconv"
	"time"
)

// formatDuration renders an online-session length for humans:
// 90 minutes reads "1hr 30m", 45 minutes reads "45m", 2 hours reads "2hr".
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Minutes())
	h, m := total/60, total%60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dhr %dm", h, m)
	case h > 0:
		return strconv.Itoa(h) + "hr"
	default:
		return strconv.Itoa(m) + "m"
	}
}
