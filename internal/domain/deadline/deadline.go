package deadline

import "time"

// Thresholds are the business-days-remaining markers at which a one-time
// alert fires, highest first.
var Thresholds = []int{7, 3, 1, 0}

// Urgency grades a deadline alert.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// UrgencyFor maps remaining business days to an urgency level. Negative
// values (overdue) are critical.
func UrgencyFor(daysRemaining int) Urgency {
	switch {
	case daysRemaining <= 0:
		return UrgencyCritical
	case daysRemaining <= 1:
		return UrgencyHigh
	case daysRemaining <= 3:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// AddBusinessDays walks forward one calendar day at a time from start,
// skipping weekends and holidays, until n business days have been consumed.
func AddBusinessDays(cal *Calendar, start time.Time, n int) time.Time {
	current := start
	for added := 0; added < n; {
		current = current.AddDate(0, 0, 1)
		if cal.IsBusinessDay(current) {
			added++
		}
	}
	return current
}

// BusinessDaysRemaining counts business days strictly between today and the
// deadline. The result is negative when the deadline has passed, counting
// business days overdue.
func BusinessDaysRemaining(cal *Calendar, today, deadline time.Time) int {
	today = truncate(today)
	deadline = truncate(deadline)

	days := 0
	if deadline.Before(today) {
		for current := deadline; current.Before(today); {
			current = current.AddDate(0, 0, 1)
			if cal.IsBusinessDay(current) {
				days--
			}
		}
		return days
	}
	for current := today; current.Before(deadline); {
		current = current.AddDate(0, 0, 1)
		if cal.IsBusinessDay(current) {
			days++
		}
	}
	return days
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Record tracks the statutory deadlines for one request. ThresholdsFired
// only grows: each threshold fires at most once per request.
type Record struct {
	RequestID         string     `json:"request_id"`
	DateReceived      time.Time  `json:"date_received"`
	ResponseDeadline  time.Time  `json:"response_deadline"`
	ExtensionDeadline *time.Time `json:"extension_deadline,omitempty"`
	ThresholdsFired   []int      `json:"thresholds_fired,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewRecord computes the response deadline from the received date and the
// statutory business-day count.
func NewRecord(cal *Calendar, requestID string, received time.Time, businessDays int) *Record {
	received = truncate(received)
	return &Record{
		RequestID:        requestID,
		DateReceived:     received,
		ResponseDeadline: AddBusinessDays(cal, received, businessDays),
	}
}

// Extend computes the extension deadline from the original response deadline
// plus extraDays business days. The original deadline is never replaced; a
// second extension request is a no-op.
func (r *Record) Extend(cal *Calendar, extraDays int) {
	if r.ExtensionDeadline != nil {
		return
	}
	d := AddBusinessDays(cal, r.ResponseDeadline, extraDays)
	r.ExtensionDeadline = &d
}

// EffectiveDeadline is the extension deadline when granted, otherwise the
// original response deadline.
func (r *Record) EffectiveDeadline() time.Time {
	if r.ExtensionDeadline != nil {
		return *r.ExtensionDeadline
	}
	return r.ResponseDeadline
}

// Fired reports whether the given threshold has already fired.
func (r *Record) Fired(threshold int) bool {
	for _, t := range r.ThresholdsFired {
		if t == threshold {
			return true
		}
	}
	return false
}

// CrossedThreshold returns the tightest unfired threshold at or above the
// remaining-day count, or false when no new threshold has been crossed.
// Marking is the caller's responsibility via MarkThrough, so that the fired
// set only grows after the alert is durably recorded.
func (r *Record) CrossedThreshold(daysRemaining int) (int, bool) {
	if daysRemaining < 0 {
		return 0, false // overdue is re-evaluated every cycle, not a one-shot threshold
	}
	crossed, found := 0, false
	for _, t := range Thresholds { // descending: the last match is the tightest
		if daysRemaining <= t && !r.Fired(t) {
			crossed, found = t, true
		}
	}
	return crossed, found
}

// MarkThrough records every threshold at or above daysRemaining as fired,
// so a skipped marker (e.g. the 7-day mark on a request first seen at 2
// days out) does not fire late. Idempotent.
func (r *Record) MarkThrough(daysRemaining int) {
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	for _, t := range Thresholds {
		if daysRemaining <= t && !r.Fired(t) {
			r.ThresholdsFired = append(r.ThresholdsFired, t)
		}
	}
}
