package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/ferry/internal/domain"
)

func TestPrintReport(t *testing.T) {
	Convey("Given a saved migration report", t, func() {
		report := &domain.MigrationReport{
			JobID:           "job-1",
			Status:          domain.ProgressFailed,
			OverallProgress: 18.18,
			CompletedSteps:  2,
			FailedSteps:     1,
			Errors:          []string{"backup_creation: disk full"},
			GeneratedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		var out bytes.Buffer

		Convey("Without rendered text the report is printed as JSON", func() {
			So(printReport(&out, report), ShouldBeNil)

			var printed domain.MigrationReport
			So(json.Unmarshal(out.Bytes(), &printed), ShouldBeNil)
			So(printed.JobID, ShouldEqual, "job-1")
			So(printed.Status, ShouldEqual, domain.ProgressFailed)
			So(printed.Errors, ShouldResemble, []string{"backup_creation: disk full"})
		})

		Convey("Rendered text is printed as is", func() {
			report.Rendered = "job-1: failed at backup_creation"
			So(printReport(&out, report), ShouldBeNil)
			So(out.String(), ShouldEqual, "job-1: failed at backup_creation\n")
		})
	})
}
