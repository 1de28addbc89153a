package ratelimit

import (
	"strconv"
	"time"
)

// windowID returns the identifier of the fixed window containing now.
// Standard granularities use calendar-formatted ids (stable and readable
// in Redis); anything else falls back to epoch-bucket numbering. All ids
// are computed in UTC so every replica agrees on window boundaries.
func windowID(now time.Time, window time.Duration) string {
	now = now.UTC()
	switch window {
	case time.Minute:
		return now.Format("200601021504")
	case time.Hour:
		return now.Format("2006010215")
	case 24 * time.Hour:
		return now.Format("20060102")
	default:
		return strconv.FormatInt(now.Unix()/int64(window/time.Second), 10)
	}
}

// windowEnd returns when the fixed window containing now rolls over.
func windowEnd(now time.Time, window time.Duration) time.Time {
	now = now.UTC()
	switch window {
	case time.Minute:
		return now.Truncate(time.Minute).Add(time.Minute)
	case time.Hour:
		return now.Truncate(time.Hour).Add(time.Hour)
	case 24 * time.Hour:
		year, month, day := now.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	default:
		bucket := now.Unix() / int64(window/time.Second)
		return time.Unix((bucket+1)*int64(window/time.Second), 0).UTC()
	}
}
