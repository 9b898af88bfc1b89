package reporting

import "time"

// =============================================================================
// WINDOWS - Reporting time ranges
// =============================================================================

// Windows are the lower bounds of the summary ranges. All are UTC and
// each range runs up to the report time.
type Windows struct {
	Today time.Time // start of the current day
	Week  time.Time // seven days before now (rolling)
	Month time.Time // start of the current month
}

func WindowsAt(now time.Time) Windows {
	n := now.UTC()
	return Windows{
		Today: time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC),
		Week:  n.AddDate(0, 0, -7),
		Month: time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC),
	}
}
