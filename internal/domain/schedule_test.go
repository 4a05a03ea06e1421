package domain

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRecurrence(t *testing.T) {
	Convey("Patterns should parse and advance", t, func() {
		_, err := ParseRecurrence("yearly")
		So(err, ShouldNotBeNil)

		p, err := ParseRecurrence("weekly")
		So(err, ShouldBeNil)

		start := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
		So(p.Advance(start).Equal(start.AddDate(0, 0, 7)), ShouldBeTrue)
		So(RecurHourly.Advance(start).Equal(start.Add(time.Hour)), ShouldBeTrue)
		So(RecurMonthly.Advance(start).Equal(time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)
		So(RecurMonthly.Advance(time.Date(2023, 12, 15, 9, 0, 0, 0, time.UTC)).Equal(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)
	})

	Convey("Given a monthly schedule on the 31st", t, func() {
		first := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
		s := &MigrationSchedule{ScheduledAt: first, NextExecutionAt: first, RecurrencePattern: RecurMonthly}

		Convey("Shorter months should run on their last day", func() {
			next := s.NextAfter(first)
			So(next.Equal(time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)

			s.NextExecutionAt = next
			next = s.NextAfter(next)
			So(next.Equal(time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)

			s.NextExecutionAt = next
			So(s.NextAfter(next).Equal(time.Date(2024, 4, 30, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)
		})

		Convey("Missed runs should collapse into one", func() {
			now := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
			So(s.NextAfter(now).Equal(time.Date(2024, 6, 30, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)
		})

		Convey("The first run should be kept while it is still ahead", func() {
			So(s.NextAfter(first.Add(-time.Hour)).Equal(first), ShouldBeTrue)
		})
	})

	Convey("Given a daily schedule", t, func() {
		first := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		s := &MigrationSchedule{ScheduledAt: first, NextExecutionAt: first, RecurrencePattern: RecurDaily}

		Convey("The next run should be the first slot after now", func() {
			So(s.NextAfter(first).Equal(first.AddDate(0, 0, 1)), ShouldBeTrue)
			So(s.NextAfter(first.Add(-time.Minute)).Equal(first), ShouldBeTrue)
		})

		Convey("Missed runs should collapse into one", func() {
			now := first.AddDate(0, 0, 5).Add(time.Hour)
			So(s.NextAfter(now).Equal(first.AddDate(0, 0, 6)), ShouldBeTrue)
		})

		Convey("An unknown pattern should not loop forever", func() {
			s.RecurrencePattern = "never"
			now := first.Add(time.Hour)
			So(s.NextAfter(now).Equal(now), ShouldBeTrue)
		})
	})
}
