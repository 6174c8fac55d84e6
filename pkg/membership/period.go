package membership

import "time"

// periodWindow computes a fresh counter window starting at now.
// Daily windows end at the last instant of the current UTC day, monthly windows at
// the last instant of the current UTC month. Lifetime and none have no end.
func periodWindow(p PeriodType, now time.Time) (start time.Time, end *time.Time) {
	n := now.UTC()
	switch p {
	case PeriodDaily:
		e := endOfDayUTC(n)
		return n, &e
	case PeriodMonthly:
		e := endOfMonthUTC(n)
		return n, &e
	default:
		return n, nil
	}
}

// needsRollover reports whether the counter window has been crossed at now
func needsRollover(u *UsageTracking, now time.Time) bool {
	if u == nil || !u.PeriodType.Resets() || u.PeriodEnd == nil {
		return false
	}
	return now.After(*u.PeriodEnd)
}

// endOfDayUTC returns 23:59:59.999 of the UTC day containing t.
func endOfDayUTC(t time.Time) time.Time {
	return startOfDayUTC(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}

// endOfMonthUTC returns the last millisecond of the UTC month containing t.
// Using day=1 of the next month avoids overflow on short months.
func endOfMonthUTC(t time.Time) time.Time {
	tt := t.UTC()
	firstOfNext := time.Date(tt.Year(), tt.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.Add(-time.Millisecond)
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}

// percentage is round(current/limit*100) clamped to [0,100]; nil when unlimited.
func percentage(current, limit int64) *int {
	if limit == Unlimited {
		return nil
	}
	var p int
	if limit <= 0 {
		if current > 0 {
			p = 100
		}
		return &p
	}
	p = int((current*100 + limit/2) / limit)
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return &p
}

// snapshot converts a counter into its caller-facing view
func snapshot(u *UsageTracking) *UsageSnapshot {
	s := &UsageSnapshot{
		FeatureKey:   u.FeatureKey,
		CurrentUsage: u.CurrentUsage,
		UsageLimit:   u.UsageLimit,
		PeriodType:   u.PeriodType,
		PeriodStart:  u.PeriodStart,
		PeriodEnd:    u.PeriodEnd,
		Percentage:   percentage(u.CurrentUsage, u.UsageLimit),
	}
	if u.UsageLimit == Unlimited {
		s.IsUnlimited = true
		s.Remaining = Unlimited
		return s
	}
	s.Remaining = u.UsageLimit - u.CurrentUsage
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	s.IsExceeded = u.CurrentUsage > u.UsageLimit
	return s
}
