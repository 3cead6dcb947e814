package billing

// =============================================================================
// CYCLE CALCULATOR - Which billing window contains "today"
// =============================================================================

// DefaultCycleMonths is used when a subscription fee carries no usable
// cycle length.
const DefaultCycleMonths = 12

// Period is an inclusive [Start, End] range of days.
// Membership and custom charges carry a zero Period.
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// EffectiveCycleMonths returns the cycle length actually used for
// durationMonths, and whether the default had to be substituted.
func EffectiveCycleMonths(durationMonths int) (int, bool) {
	if durationMonths <= 0 {
		return DefaultCycleMonths, true
	}
	return durationMonths, false
}

// CycleBounds returns the billing cycle that contains today.
//
// Cycles start at anchor and repeat every durationMonths months; each cycle
// ends the day before the next one starts. Each start is derived from the
// previous start, so month-end clamping carries forward (Jan 31 -> Feb 29 ->
// Mar 29). When today precedes the anchor the first cycle is returned.
// A non-positive duration falls back to DefaultCycleMonths.
func CycleBounds(anchor Date, durationMonths int, today Date) Period {
	months, _ := EffectiveCycleMonths(durationMonths)

	start := anchor
	for {
		next := start.AddMonths(months)
		end := next.AddDays(-1)
		if today.BeforeOrEqual(end) {
			return Period{Start: start, End: end}
		}
		start = next
	}
}
