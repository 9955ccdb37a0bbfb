package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jobscout/pipeline-engine/pkg/model"
	"github.com/jobscout/pipeline-engine/pkg/queue"
)

// ginkgoHelper adapts Ginkgo's GinkgoTInterface down to the single method
// newTestHarnessWithProcesses needs.
type ginkgoHelper struct{}

func (ginkgoHelper) Helper() { GinkgoHelper() }

func newGinkgoHarness(collectProc, matchProc queue.Process) *testHarness {
	return newTestHarnessWithProcesses(ginkgoHelper{}, func(fn func()) { DeferCleanup(fn) }, collectProc, matchProc)
}

var errDeliberateMatchFailure = errors.New("deliberate match failure")

var _ = Describe("Driver.Run end-to-end scenarios", func() {
	Describe("request-cache coalescing across subscriptions", func() {
		It("issues one collection call per source even when two subscriptions share a title", func() {
			var calls int32
			countingCollect := func(c context.Context, payload []byte) ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				return echoCollectionProcess(c, payload)
			}
			h := newGinkgoHarness(countingCollect, fixedScoreMatchProcess(80))
			ctx := context.Background()

			subA := &model.Subscription{ID: "sub-a", Titles: []string{"Backend Engineer"}, MinScore: 50}
			subB := &model.Subscription{ID: "sub-b", Titles: []string{"Backend Engineer"}, MinScore: 50}

			runA, err := h.tracker.Start(ctx, subA.ID, model.TriggerScheduled)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.driver.Run(ctx, subA, runA)).To(Succeed())

			runB, err := h.tracker.Start(ctx, subB.ID, model.TriggerScheduled)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.driver.Run(ctx, subB, runB)).To(Succeed())

			Expect(atomic.LoadInt32(&calls)).To(BeNumerically("==", 2),
				"one underlying collection call per source (linkedin, indeed), shared across both subscriptions through the request cache")
			Expect(h.sink.Sent).To(HaveLen(4), "each subscription still gets its own notification despite the shared collection call")
		})
	})

	Describe("partial matching failures", func() {
		It("skips a failed match job but still notifies for the one that succeeds", func() {
			// The linkedin job fails on every attempt, so the queue's retries
			// cannot rescue it; the indeed job succeeds.
			flakyMatch := func(c context.Context, payload []byte) ([]byte, error) {
				if strings.Contains(string(payload), "Acme linkedin") {
					return nil, errDeliberateMatchFailure
				}
				return fixedScoreMatchProcess(90)(c, payload)
			}
			h := newGinkgoHarness(echoCollectionProcess, flakyMatch)
			ctx := context.Background()

			sub := &model.Subscription{ID: "sub-flaky", Titles: []string{"Backend Engineer"}, MinScore: 50}
			run, err := h.tracker.Start(ctx, sub.ID, model.TriggerScheduled)
			Expect(err).NotTo(HaveOccurred())

			Expect(h.driver.Run(ctx, sub, run)).To(Succeed())
			Expect(h.sink.Sent).To(HaveLen(1), "one of the two source matches failed and was skipped, the other still notified")
		})
	})

	Describe("cancellation mid-run", func() {
		It("stops during collection once a collection job has marked the run cancelled", func() {
			var (
				h     *testHarness
				runID string
			)
			// Cancellation is marked from inside the first collection job, so
			// the cancel flag only becomes visible after one query has run —
			// exercising collect's per-query cancellation poll before the next
			// source rather than the pre-collection one TestDriverRunStopsAtCancelledBoundary covers.
			cancelDuringCollect := func(c context.Context, payload []byte) ([]byte, error) {
				out, err := echoCollectionProcess(c, payload)
				if h != nil {
					h.driver.CancelReg.MarkCancelled(c, runID)
				}
				return out, err
			}
			h = newGinkgoHarness(cancelDuringCollect, fixedScoreMatchProcess(90))
			ctx := context.Background()

			sub := &model.Subscription{ID: "sub-cancel", Titles: []string{"Backend Engineer"}, MinScore: 50}
			run, err := h.tracker.Start(ctx, sub.ID, model.TriggerScheduled)
			Expect(err).NotTo(HaveOccurred())
			runID = run.ID

			err = h.driver.Run(ctx, sub, run)
			Expect(err).To(HaveOccurred(), "a run cancelled mid-flight should stop at the next stage boundary rather than completing")
			Expect(h.sink.Sent).To(BeEmpty(), "no notification should be sent once a run is stopped for cancellation")
		})
	})
})
