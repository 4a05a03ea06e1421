package domain

import (
	"fmt"
	"time"
)

type RecurrencePattern string

const (
	RecurHourly  RecurrencePattern = "hourly"
	RecurDaily   RecurrencePattern = "daily"
	RecurWeekly  RecurrencePattern = "weekly"
	RecurMonthly RecurrencePattern = "monthly"
)

func ParseRecurrence(s string) (RecurrencePattern, error) {
	switch p := RecurrencePattern(s); p {
	case RecurHourly, RecurDaily, RecurWeekly, RecurMonthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown recurrence pattern %q", s)
}

// Advance returns t moved forward by one recurrence period.
func (p RecurrencePattern) Advance(t time.Time) time.Time {
	switch p {
	case RecurHourly:
		return t.Add(time.Hour)
	case RecurDaily:
		return t.AddDate(0, 0, 1)
	case RecurWeekly:
		return t.AddDate(0, 0, 7)
	case RecurMonthly:
		return addMonths(t, 1)
	}
	return t
}

// addMonths moves t by n calendar months, clamping the day to the end of
// shorter months instead of spilling into the next one.
func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	last := time.Date(year, month+time.Month(n)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month+time.Month(n), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

type MigrationSchedule struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	NextExecutionAt   time.Time         `json:"next_execution_at"`
	RecurrencePattern RecurrencePattern `json:"recurrence_pattern"`
	SyncInterval      time.Duration     `json:"sync_interval"`
	LastExecutedAt    *time.Time        `json:"last_executed_at,omitempty"`
	ExecutionCount    int               `json:"execution_count"`
	LastJobID         string            `json:"last_job_id,omitempty"`
	Active            bool              `json:"active"`
	CreatedAt         time.Time         `json:"created_at"`
}

// NextAfter advances NextExecutionAt until it lies strictly after now, so a
// process that was down for several periods fires once instead of catching up.
func (s *MigrationSchedule) NextAfter(now time.Time) time.Time {
	if s.RecurrencePattern == RecurMonthly {
		return s.nextMonthly(now)
	}

	next := s.NextExecutionAt
	if next.IsZero() {
		next = s.ScheduledAt
	}
	for !next.After(now) {
		advanced := s.RecurrencePattern.Advance(next)
		if !advanced.After(next) {
			return now
		}
		next = advanced
	}
	return next
}

// nextMonthly counts whole months from ScheduledAt, so a schedule on the 31st
// runs on the last day of shorter months and returns to the 31st afterwards.
func (s *MigrationSchedule) nextMonthly(now time.Time) time.Time {
	for n := 0; ; n++ {
		if next := addMonths(s.ScheduledAt, n); next.After(now) {
			return next
		}
	}
}
