package cost

import "time"

// dateRange is a half-open [Start, End) range of ISO-8601 dates.
type dateRange struct {
	Start, End string
}

func (r dateRange) empty() bool {
	return r.Start >= r.End
}

// cutoffDate is the first date that is still mutable at the billing
// provider: today for daily queries, the first of the current month for
// monthly queries. Everything strictly before it is finalized.
func cutoffDate(kind Granularity, now time.Time) string {
	now = now.UTC()
	if kind == Monthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
	}
	return now.Format("2006-01-02")
}

// partition splits [start, end) into a finalized (cacheable) range and a
// live range at the cutoff. The two ranges are disjoint and their union is
// exactly [start, end); either may be empty.
func partition(kind Granularity, start, end string, now time.Time) (finalized, live dateRange) {
	cutoff := cutoffDate(kind, now)

	cacheEnd := end
	if cutoff < end {
		cacheEnd = cutoff
	}

	finalized = dateRange{Start: start, End: cacheEnd}

	liveStart := cacheEnd
	if start > liveStart {
		liveStart = start
	}
	live = dateRange{Start: liveStart, End: end}
	return finalized, live
}
