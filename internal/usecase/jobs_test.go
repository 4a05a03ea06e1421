package usecase

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/ferry/internal/domain"
)

func TestJobs(t *testing.T) {
	Convey("Given both engines behind Jobs", t, func() {
		f, cleanup := newFixture()
		defer cleanup()

		processor := newCountingProcessor()
		processor.hook = func(n int, item domain.BatchItem) error {
			time.Sleep(2 * time.Millisecond)
			return nil
		}
		batch := NewBatchMigration(f.store, f.repo, processor, f.monitor, nil, f.logger)

		detector := &scriptedDetector{script: func(call int) ([]domain.DataDelta, error) {
			if call == 2 {
				return nil, errBoom
			}
			return nil, nil
		}}
		opts := IncrementalOptions{CycleBackoff: time.Millisecond, MaxCycleRetries: 0}
		failures := make(chan error, 4)
		incremental := NewIncrementalMigration(f.store, f.repo, detector, &recordingApplier{}, f.monitor, opts, nil, f.logger).
			OnFailure(func(jobID string, cause error) { failures <- cause })

		jobs := NewJobs(batch, incremental)
		ctx, cancel := waitCtx()
		defer cancel()

		Convey("Unknown ids should not be found", func() {
			_, _, err := jobs.Lookup("nope")
			So(errors.Is(err, ErrJobNotFound), ShouldBeTrue)
			So(errors.Is(jobs.Pause("nope"), ErrJobNotFound), ShouldBeTrue)
		})

		Convey("Halting a running batch should cancel it and wait", func() {
			id, err := batch.StartBatch(ctx, makeItems(200), 10, false)
			So(err, ShouldBeNil)

			b, i, err := jobs.Lookup(id)
			So(err, ShouldBeNil)
			So(b, ShouldNotBeNil)
			So(i, ShouldBeNil)

			So(jobs.Halt(ctx, id), ShouldBeNil)
			job, _ := batch.GetBatch(id)
			So(job.Status, ShouldEqual, domain.BatchCancelled)
			So(len(job.Processed), ShouldBeLessThan, 200)

			_, err = jobs.Retry(ctx, id)
			So(errors.Is(err, ErrInvalidTransition), ShouldBeTrue)
		})

		Convey("Pause and Resume should reach the batch engine", func() {
			id, err := batch.StartBatch(ctx, makeItems(100), 10, false)
			So(err, ShouldBeNil)
			So(jobs.Pause(id), ShouldBeNil)
			So(batch.Wait(ctx, id), ShouldBeNil)

			So(jobs.Resume(ctx, id), ShouldBeNil)
			So(batch.Wait(ctx, id), ShouldBeNil)
			job, _ := batch.GetBatch(id)
			So(job.Status, ShouldEqual, domain.BatchCompleted)
		})

		Convey("A failed incremental job should be retried as a new job", func() {
			id, err := incremental.StartIncremental(ctx, 5*time.Millisecond, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			So(err, ShouldBeNil)
			So(waitFor(func() bool {
				j, _ := incremental.GetIncremental(id)
				return j.Status == domain.IncrementalFailed
			}), ShouldBeTrue)

			select {
			case cause := <-failures:
				So(errors.Is(cause, errBoom), ShouldBeTrue)
			case <-time.After(time.Second):
				t.Fatal("failure handler was not called")
			}

			failed, _ := incremental.GetIncremental(id)
			newID, err := jobs.Retry(ctx, id)
			So(err, ShouldBeNil)
			So(newID, ShouldNotEqual, id)

			replacement, err := incremental.GetIncremental(newID)
			So(err, ShouldBeNil)
			So(replacement.LastSyncTimestamp.Equal(failed.LastSyncTimestamp), ShouldBeTrue)

			So(jobs.Cancel(ctx, newID), ShouldBeNil)
			replacement, _ = incremental.GetIncremental(newID)
			So(replacement.Status, ShouldEqual, domain.IncrementalStopped)
		})
	})
}
