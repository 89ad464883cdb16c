// Package sla classifies governance obligations against their deadlines.
// Everything here is a pure function of timestamps: stateless, callable from
// any goroutine without coordination.
package sla

import (
	"time"

	"careline/internal/config"
)

type Status string

const (
	StatusNotApplicable Status = "not_applicable"
	StatusDue           Status = "due"
	StatusMet           Status = "met"
	StatusBreached      Status = "breached"
)

// Obligation is the classification of one deadline. Deadline is nil when the
// obligation is not applicable.
type Obligation struct {
	Status   Status     `json:"status" enum:"not_applicable,due,met,breached"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Calculator holds the org's SLA options. The zero value is unusable; build
// one with New.
type Calculator struct {
	AcceptanceWindow   time.Duration
	NotificationWindow time.Duration
	OutreachWindow     time.Duration
	DayEndHour         int
	DayEndMinute       int
	Loc                *time.Location
}

func New(cfg *config.Config) Calculator {
	h, m, _ := config.ParseClock(cfg.SLA.BusinessDayEnd)
	return Calculator{
		AcceptanceWindow:   time.Duration(cfg.SLA.AcceptanceHours) * time.Hour,
		NotificationWindow: time.Duration(cfg.SLA.NotificationHours) * time.Hour,
		OutreachWindow:     time.Duration(cfg.SLA.OutreachHours) * time.Hour,
		DayEndHour:         h,
		DayEndMinute:       m,
		Loc:                cfg.Location(),
	}
}

// Acceptance classifies the RN's obligation to accept. Wall-clock window
// from assignment; met once ACCEPTED exists regardless of timing.
func (c Calculator) Acceptance(assignedAt, acceptedAt *time.Time, now time.Time) Obligation {
	if assignedAt == nil {
		return Obligation{Status: StatusNotApplicable}
	}
	deadline := assignedAt.Add(c.AcceptanceWindow)
	if acceptedAt != nil {
		return Obligation{Status: StatusMet, Deadline: &deadline}
	}
	return classify(deadline, now)
}

// Notification classifies the obligation to notify the patient after
// acceptance; met once ACK_SENT exists.
func (c Calculator) Notification(acceptedAt, ackSentAt *time.Time, now time.Time) Obligation {
	if acceptedAt == nil {
		return Obligation{Status: StatusNotApplicable}
	}
	deadline := c.RollingDeadline(*acceptedAt, c.NotificationWindow)
	if ackSentAt != nil {
		return Obligation{Status: StatusMet, Deadline: &deadline}
	}
	return classify(deadline, now)
}

// Outreach classifies the post-acceptance contact obligation. Unlike the
// others it is met only by an attempt logged at or before the deadline.
func (c Calculator) Outreach(anchor, attemptedAt *time.Time, now time.Time) Obligation {
	if anchor == nil {
		return Obligation{Status: StatusNotApplicable}
	}
	deadline := c.RollingDeadline(*anchor, c.OutreachWindow)
	if attemptedAt != nil && !attemptedAt.After(deadline) {
		return Obligation{Status: StatusMet, Deadline: &deadline}
	}
	return classify(deadline, now)
}

func classify(deadline, now time.Time) Obligation {
	if now.After(deadline) {
		return Obligation{Status: StatusBreached, Deadline: &deadline}
	}
	return Obligation{Status: StatusDue, Deadline: &deadline}
}

// RollingDeadline computes anchor+window, capped at the business-day end in
// the org time zone. A window landing past that day's end, or an anchor
// already outside business days or hours, rolls to the end of the next
// business day, skipping weekends. Friday 16:00 with a 4h window therefore
// rolls to Monday 17:00, never Saturday.
func (c Calculator) RollingDeadline(anchor time.Time, window time.Duration) time.Time {
	local := anchor.In(c.Loc)
	candidate := local.Add(window)
	eob := c.dayEnd(local)
	if !isBusinessDay(local) || !local.Before(eob) || candidate.After(eob) {
		return c.dayEnd(nextBusinessDay(local))
	}
	return candidate
}

func (c Calculator) dayEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.DayEndHour, c.DayEndMinute, 0, 0, c.Loc)
}

func isBusinessDay(t time.Time) bool {
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
}

func nextBusinessDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for !isBusinessDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}
