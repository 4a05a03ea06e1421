package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

func TestScheduler(t *testing.T) {
	Convey("Given a Scheduler", t, func() {
		log := zap.NewNop().Sugar()

		Convey("New function", func() {
			scheduler := New(log)

			Convey("It should create a new scheduler successfully", func() {
				So(scheduler, ShouldNotBeNil)
				So(scheduler.cron, ShouldNotBeNil)
			})
		})

		Convey("AddJob function", func() {
			scheduler := New(log)

			Convey("When adding a job with a valid cron spec", func() {
				tempDir, err := os.MkdirTemp("", "scheduler_test")
				So(err, ShouldBeNil)
				defer os.RemoveAll(tempDir)

				logFile := filepath.Join(tempDir, "job.log")
				job := func(ctx context.Context) error {
					return os.WriteFile(logFile, []byte("executed"), 0644)
				}

				err = scheduler.AddJob("write", "* * * * * *", job)

				Convey("It should add the job successfully", func() {
					So(err, ShouldBeNil)

					scheduler.Start()
					time.Sleep(2 * time.Second)
					scheduler.Stop()

					content, err := os.ReadFile(logFile)
					So(err, ShouldBeNil)
					So(string(content), ShouldEqual, "executed")
				})
			})

			Convey("When adding a job with an invalid cron spec", func() {
				err := scheduler.AddJob("bad", "invalid spec", func(ctx context.Context) error { return nil })

				Convey("It should return an error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "expected exactly 6 fields")
				})
			})

			Convey("When a job returns an error", func() {
				var runs int32
				err := scheduler.AddJob("failing", "* * * * * *", func(ctx context.Context) error {
					atomic.AddInt32(&runs, 1)
					return errors.New("boom")
				})
				So(err, ShouldBeNil)

				Convey("It should keep firing", func() {
					scheduler.Start()
					time.Sleep(2500 * time.Millisecond)
					scheduler.Stop()
					So(atomic.LoadInt32(&runs), ShouldBeGreaterThanOrEqualTo, 2)
				})
			})
		})

		Convey("Overlapping runs", func() {
			scheduler := New(log)
			var active, maxActive, runs int32

			err := scheduler.AddJob("slow", "* * * * * *", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				defer atomic.AddInt32(&active, -1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				atomic.AddInt32(&runs, 1)
				select {
				case <-ctx.Done():
				case <-time.After(2500 * time.Millisecond):
				}
				return nil
			})
			So(err, ShouldBeNil)

			Convey("It should never run the same job twice at once", func() {
				scheduler.Start()
				time.Sleep(3500 * time.Millisecond)
				scheduler.Stop()

				So(atomic.LoadInt32(&runs), ShouldBeGreaterThanOrEqualTo, 1)
				So(atomic.LoadInt32(&maxActive), ShouldEqual, 1)
			})
		})

		Convey("Stop method", func() {
			scheduler := New(log)
			cancelled := make(chan struct{})

			err := scheduler.AddJob("blocking", "* * * * * *", func(ctx context.Context) error {
				<-ctx.Done()
				select {
				case <-cancelled:
				default:
					close(cancelled)
				}
				return ctx.Err()
			})
			So(err, ShouldBeNil)

			Convey("It should cancel the context of running jobs", func() {
				scheduler.Start()
				time.Sleep(1500 * time.Millisecond)
				So(func() { scheduler.Stop() }, ShouldNotPanic)

				select {
				case <-cancelled:
				case <-time.After(time.Second):
					t.Fatal("job context was not cancelled")
				}
			})
		})
	})
}
