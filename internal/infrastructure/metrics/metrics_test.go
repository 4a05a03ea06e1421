package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetrics(t *testing.T) {
	Convey("Given Metrics", t, func() {
		m := New()

		Convey("Counters should track recorded events", func() {
			m.ItemProcessed(true)
			m.ItemProcessed(true)
			m.ItemProcessed(false)
			m.Stalled()

			So(testutil.ToFloat64(m.itemsProcessed.WithLabelValues("success")), ShouldEqual, 2)
			So(testutil.ToFloat64(m.itemsProcessed.WithLabelValues("failure")), ShouldEqual, 1)
			So(testutil.ToFloat64(m.stalls), ShouldEqual, 1)
		})

		Convey("Worker gauge should go up and down", func() {
			m.WorkerStarted("batch")
			m.WorkerStarted("batch")
			m.WorkerStopped("batch")
			So(testutil.ToFloat64(m.activeJobs.WithLabelValues("batch")), ShouldEqual, 1)
		})

		Convey("A nil Metrics should be a no-op", func() {
			var nilMetrics *Metrics
			So(func() {
				nilMetrics.ItemProcessed(true)
				nilMetrics.DeltaApplied("CREATE", false)
				nilMetrics.JobFinished("batch", "completed")
				nilMetrics.SyncCycle(true)
				nilMetrics.Stalled()
				nilMetrics.WorkerStarted("incremental")
				nilMetrics.WorkerStopped("incremental")
			}, ShouldNotPanic)
		})

		Convey("The server should expose /metrics and /healthz", func() {
			m.JobFinished("batch", "completed")
			srv := NewServer(":0", m)

			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
			body, _ := io.ReadAll(rec.Body)
			So(rec.Code, ShouldEqual, 200)
			So(string(body), ShouldContainSubstring, `ferry_jobs_finished_total{kind="batch",status="completed"} 1`)

			rec = httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
			So(rec.Code, ShouldEqual, 200)
		})
	})
}
