package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/ferry/internal/domain"
)

type countingProcessor struct {
	mu    sync.Mutex
	seen  map[string]int
	order []string
	hook  func(n int, item domain.BatchItem) error
}

func newCountingProcessor() *countingProcessor {
	return &countingProcessor{seen: make(map[string]int)}
}

func (p *countingProcessor) ProcessItem(ctx context.Context, item domain.BatchItem) error {
	p.mu.Lock()
	p.seen[item.ID]++
	p.order = append(p.order, item.ID)
	n := len(p.order)
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		return hook(n, item)
	}
	return nil
}

func (p *countingProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func TestBatchMigration(t *testing.T) {
	Convey("Given a batch engine", t, func() {
		f, cleanup := newFixture()
		defer cleanup()

		processor := newCountingProcessor()
		engine := NewBatchMigration(f.store, f.repo, processor, f.monitor, nil, f.logger)
		ctx, cancel := waitCtx()
		defer cancel()

		Convey("25 items with batch size 10 should run 3 batches to completion", func() {
			id, err := engine.StartBatch(ctx, makeItems(25), 10, false)
			So(err, ShouldBeNil)
			So(engine.Wait(ctx, id), ShouldBeNil)

			job, err := engine.GetBatch(id)
			So(err, ShouldBeNil)
			So(job.Status, ShouldEqual, domain.BatchCompleted)
			So(job.TotalBatches, ShouldEqual, 3)
			So(job.CurrentBatch, ShouldEqual, 3)
			So(len(job.Processed), ShouldEqual, 25)
			So(len(job.Pending), ShouldEqual, 0)
			So(job.CompletedAt, ShouldNotBeNil)

			Convey("Items should be processed once, in order", func() {
				So(processor.order[0], ShouldEqual, "item-01")
				So(processor.order[24], ShouldEqual, "item-25")
				for _, n := range processor.seen {
					So(n, ShouldEqual, 1)
				}
			})

			Convey("The final state should be on disk", func() {
				persisted, err := f.repo.LoadBatchJob(id)
				So(err, ShouldBeNil)
				So(persisted.Status, ShouldEqual, domain.BatchCompleted)
				So(len(persisted.Processed), ShouldEqual, 25)
			})

			Convey("Progress should be complete", func() {
				progress, err := f.monitor.GetProgress(id)
				So(err, ShouldBeNil)
				So(progress.Status, ShouldEqual, domain.ProgressCompleted)
				So(progress.OverallProgress, ShouldEqual, 100)
			})

			Convey("A completion notification should be sent", func() {
				So(len(f.notifier.all()), ShouldEqual, 1)
				So(f.notifier.all()[0], ShouldContainSubstring, "completed")
			})
		})

		Convey("Pausing during the first batch and resuming should not reprocess items", func() {
			processor.hook = func(n int, item domain.BatchItem) error {
				if n == 5 {
					jobs := f.store.Batches()
					_ = engine.PauseBatch(jobs[0].ID)
				}
				return nil
			}

			id, err := engine.StartBatch(ctx, makeItems(25), 10, false)
			So(err, ShouldBeNil)
			So(engine.Wait(ctx, id), ShouldBeNil)

			paused, err := engine.GetBatch(id)
			So(err, ShouldBeNil)
			So(paused.Status, ShouldEqual, domain.BatchPaused)
			So(paused.CurrentBatch, ShouldEqual, 1)
			So(len(paused.Processed), ShouldEqual, 10)
			So(len(paused.Pending), ShouldEqual, 15)

			onDisk, err := f.repo.LoadBatchJob(id)
			So(err, ShouldBeNil)
			So(onDisk.Status, ShouldEqual, domain.BatchPaused)

			processor.hook = nil
			So(engine.ResumeBatch(ctx, id), ShouldBeNil)
			So(engine.Wait(ctx, id), ShouldBeNil)

			job, err := engine.GetBatch(id)
			So(err, ShouldBeNil)
			So(job.Status, ShouldEqual, domain.BatchCompleted)
			So(len(job.Processed), ShouldEqual, 25)
			So(job.CurrentBatch, ShouldEqual, 3)
			So(processor.calls(), ShouldEqual, 25)
			for _, n := range processor.seen {
				So(n, ShouldEqual, 1)
			}
		})

		Convey("Per-item failures should not abort the job", func() {
			processor.hook = func(n int, item domain.BatchItem) error {
				if item.ID == "item-03" || item.ID == "item-17" {
					return errBoom
				}
				return nil
			}

			id, err := engine.StartBatch(ctx, makeItems(25), 10, false)
			So(err, ShouldBeNil)
			So(engine.Wait(ctx, id), ShouldBeNil)

			job, err := engine.GetBatch(id)
			So(err, ShouldBeNil)
			So(job.Status, ShouldEqual, domain.BatchCompletedWithErrors)
			So(len(job.Failed), ShouldEqual, 2)
			So(job.Failed[0].Error, ShouldEqual, "boom")
			So(job.Failed[0].Status, ShouldEqual, domain.ItemFailed)
			So(len(job.Processed)+len(job.Failed), ShouldEqual, job.TotalItems)
		})

		Convey("Cancelling should stop at the next item and be terminal", func() {
			release := make(chan struct{})
			processor.hook = func(n int, item domain.BatchItem) error {
				if n == 1 {
					<-release
				}
				return nil
			}

			id, err := engine.StartBatch(ctx, makeItems(25), 10, false)
			So(err, ShouldBeNil)
			So(waitFor(func() bool { return processor.calls() == 1 }), ShouldBeTrue)

			So(engine.CancelBatch(id), ShouldBeNil)
			close(release)
			So(engine.Wait(ctx, id), ShouldBeNil)

			job, err := engine.GetBatch(id)
			So(err, ShouldBeNil)
			So(job.Status, ShouldEqual, domain.BatchCancelled)
			So(job.ProcessedCount(), ShouldEqual, 1)
			So(processor.calls(), ShouldEqual, 1)

			onDisk, err := f.repo.LoadBatchJob(id)
			So(err, ShouldBeNil)
			So(onDisk.Status, ShouldEqual, domain.BatchCancelled)

			Convey("A cancelled job cannot be resumed", func() {
				So(errors.Is(engine.ResumeBatch(ctx, id), ErrInvalidTransition), ShouldBeTrue)
			})
		})

		Convey("Shutdown should park the job as paused", func() {
			processor.hook = func(n int, item domain.BatchItem) error {
				if n == 3 {
					go f.store.Shutdown(context.Background())
				}
				if n >= 3 {
					<-ctxDone(f.store)
					return context.Canceled
				}
				return nil
			}

			id, err := engine.StartBatch(ctx, makeItems(25), 10, false)
			So(err, ShouldBeNil)
			So(engine.Wait(ctx, id), ShouldBeNil)

			onDisk, err := f.repo.LoadBatchJob(id)
			So(err, ShouldBeNil)
			So(onDisk.Status, ShouldEqual, domain.BatchPaused)
			So(len(onDisk.Processed), ShouldEqual, 2)
			So(len(onDisk.Failed), ShouldEqual, 0)
			So(len(onDisk.Pending), ShouldEqual, 23)

			Convey("A new process should resume it from disk", func() {
				store := NewJobStore()
				defer store.Shutdown(context.Background())
				resumed := newCountingProcessor()
				next := NewBatchMigration(store, f.repo, resumed, f.monitor, nil, f.logger)

				So(next.ResumeBatch(ctx, id), ShouldBeNil)
				So(next.Wait(ctx, id), ShouldBeNil)

				job, err := next.GetBatch(id)
				So(err, ShouldBeNil)
				So(job.Status, ShouldEqual, domain.BatchCompleted)
				So(len(job.Processed), ShouldEqual, 25)
				So(resumed.calls(), ShouldEqual, 23)
				So(job.CurrentBatch, ShouldEqual, 3)
			})
		})

		Convey("Lookups", func() {
			Convey("An unknown id should return ErrJobNotFound", func() {
				_, err := engine.GetBatch("missing")
				So(errors.Is(err, ErrJobNotFound), ShouldBeTrue)
				So(errors.Is(engine.PauseBatch("missing"), ErrJobNotFound), ShouldBeTrue)
			})

			Convey("A job known only from disk can be paused and then cancelled", func() {
				So(f.repo.SaveBatchJob(&domain.BatchJob{
					ID:           "disk-1",
					Status:       domain.BatchRunning,
					BatchSize:    10,
					TotalItems:   3,
					TotalBatches: 1,
					Pending:      makeItems(3),
				}), ShouldBeNil)

				So(engine.PauseBatch("disk-1"), ShouldBeNil)
				onDisk, err := f.repo.LoadBatchJob("disk-1")
				So(err, ShouldBeNil)
				So(onDisk.Status, ShouldEqual, domain.BatchPaused)
				So(len(onDisk.Pending), ShouldEqual, 3)

				So(engine.CancelBatch("disk-1"), ShouldBeNil)
				onDisk, err = f.repo.LoadBatchJob("disk-1")
				So(err, ShouldBeNil)
				So(onDisk.Status, ShouldEqual, domain.BatchCancelled)
			})

			Convey("ListBatches should include persisted jobs", func() {
				So(f.repo.SaveBatchJob(&domain.BatchJob{ID: "old", Status: domain.BatchCompleted}), ShouldBeNil)
				id, err := engine.StartBatch(ctx, makeItems(3), 10, false)
				So(err, ShouldBeNil)
				So(engine.Wait(ctx, id), ShouldBeNil)

				jobs, err := engine.ListBatches()
				So(err, ShouldBeNil)
				So(len(jobs), ShouldEqual, 2)
			})

			Convey("A non-positive batch size should be rejected", func() {
				_, err := engine.StartBatch(ctx, makeItems(3), 0, false)
				So(err, ShouldNotBeNil)
			})
		})
	})
}

// ctxDone exposes the store's root context for tests that simulate shutdown.
func ctxDone(s *JobStore) <-chan struct{} {
	return s.ctx.Done()
}
