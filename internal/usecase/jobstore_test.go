package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/ferry/internal/domain"
)

func TestJobStore(t *testing.T) {
	Convey("Given a JobStore", t, func() {
		store := NewJobStore()
		defer store.Shutdown(context.Background())

		Convey("Reads should return copies", func() {
			store.PutBatch(&domain.BatchJob{ID: "b1", Pending: makeItems(2)})

			job, ok := store.Batch("b1")
			So(ok, ShouldBeTrue)
			job.Pending[0].ID = "changed"
			job.Status = domain.BatchFailed

			again, _ := store.Batch("b1")
			So(again.Pending[0].ID, ShouldEqual, "item-01")
			So(again.Status, ShouldEqual, domain.BatchStatus(""))
		})

		Convey("A failed update should leave the job untouched", func() {
			store.PutIncremental(&domain.IncrementalJob{ID: "i1", Status: domain.IncrementalRunning})

			_, err := store.UpdateIncremental("i1", func(j *domain.IncrementalJob) error {
				j.Status = domain.IncrementalFailed
				return errBoom
			})
			So(err, ShouldEqual, errBoom)

			job, _ := store.Incremental("i1")
			So(job.Status, ShouldEqual, domain.IncrementalRunning)

			_, err = store.UpdateIncremental("missing", func(*domain.IncrementalJob) error { return nil })
			So(errors.Is(err, ErrJobNotFound), ShouldBeTrue)
		})

		Convey("Only one worker per job should run", func() {
			release := make(chan struct{})
			So(store.Go("j1", func(ctx context.Context, _ <-chan struct{}) { <-release }), ShouldBeNil)
			So(store.Go("j1", func(context.Context, <-chan struct{}) {}), ShouldEqual, ErrWorkerRunning)
			So(store.Running("j1"), ShouldBeTrue)

			close(release)
			So(store.Wait(context.Background(), "j1"), ShouldBeNil)
			So(store.Running("j1"), ShouldBeFalse)
		})

		Convey("Signal should wake a sleeping worker", func() {
			woke := make(chan struct{})
			So(store.Go("j1", func(ctx context.Context, wake <-chan struct{}) {
				<-wake
				close(woke)
			}), ShouldBeNil)

			store.Signal("j1")
			select {
			case <-woke:
			case <-time.After(time.Second):
				t.Fatal("worker was not woken")
			}
		})

		Convey("Shutdown should cancel workers and refuse new ones", func() {
			So(store.Go("j1", func(ctx context.Context, _ <-chan struct{}) { <-ctx.Done() }), ShouldBeNil)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			So(store.Shutdown(ctx), ShouldBeNil)
			So(store.Running("j1"), ShouldBeFalse)
			So(store.Go("j2", func(context.Context, <-chan struct{}) {}), ShouldEqual, ErrShuttingDown)
		})

		Convey("Shutdown should give up when its context ends", func() {
			release := make(chan struct{})
			defer close(release)
			So(store.Go("j1", func(context.Context, <-chan struct{}) { <-release }), ShouldBeNil)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			So(store.Shutdown(ctx), ShouldEqual, context.DeadlineExceeded)
		})
	})
}
