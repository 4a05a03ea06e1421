package domain

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSortDeltas(t *testing.T) {
	Convey("Given unordered deltas", t, func() {
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		deltas := []DataDelta{
			{EntityType: "queues", EntityID: "q1", Priority: 3, ChangedAt: base},
			{EntityType: "users", EntityID: "u2", Priority: 1, ChangedAt: base.Add(time.Minute)},
			{EntityType: "users", EntityID: "u1", Priority: 1, ChangedAt: base.Add(time.Minute)},
			{EntityType: "skills", EntityID: "s1", Priority: 1, ChangedAt: base},
		}

		sorted := SortDeltas(deltas)

		Convey("They should be ordered by priority, then time, then identity", func() {
			var ids []string
			for _, d := range sorted {
				ids = append(ids, d.EntityID)
			}
			So(ids, ShouldResemble, []string{"s1", "u1", "u2", "q1"})
		})

		Convey("The input should be left untouched", func() {
			So(deltas[0].EntityID, ShouldEqual, "q1")
		})
	})
}
