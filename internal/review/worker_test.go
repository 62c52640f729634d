package review

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Worker", func() {
	var (
		mu      sync.Mutex
		handled []Job
		release chan struct{}
		worker  *Worker
	)

	handledJobs := func() []Job {
		mu.Lock()
		defer mu.Unlock()
		return append([]Job(nil), handled...)
	}

	BeforeEach(func() {
		handled = nil
		release = make(chan struct{})
		worker = NewWorker(2, 2, func(ctx context.Context, job Job) {
			<-release
			Expect(ctx.Err()).NotTo(HaveOccurred())
			mu.Lock()
			handled = append(handled, job)
			mu.Unlock()
		})
	})

	It("should refuse jobs beyond the queue capacity", func() {
		Expect(worker.Submit(Job{ID: "a"})).To(Succeed())
		Expect(worker.Submit(Job{ID: "b"})).To(Succeed())
		Expect(worker.Submit(Job{ID: "c"})).To(MatchError(ErrQueueFull))
	})

	It("should stop waiting for room when the context ends", func() {
		Expect(worker.Submit(Job{ID: "a"})).To(Succeed())
		Expect(worker.Submit(Job{ID: "b"})).To(Succeed())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		Expect(worker.Enqueue(ctx, Job{ID: "c"})).To(MatchError(context.DeadlineExceeded))
	})

	It("should queue a job only once while it is pending", func() {
		job := Job{ID: "a", Attempt: 1}
		Expect(worker.Submit(job)).To(Succeed())
		Expect(worker.Submit(job)).To(Succeed())
		Expect(worker.Enqueue(context.Background(), job)).To(Succeed())
		Expect(worker.jobs).To(HaveLen(1))

		Expect(worker.Submit(Job{ID: "a", Attempt: 2})).To(Succeed())
		Expect(worker.jobs).To(HaveLen(2))
	})

	It("should accept a job again once it has run", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			worker.Run(ctx)
		}()

		job := Job{ID: "a", Attempt: 1}
		Expect(worker.Submit(job)).To(Succeed())
		Eventually(func() int { return len(worker.jobs) }).Should(BeZero())

		Expect(worker.Submit(job)).To(Succeed())
		Expect(worker.jobs).To(BeEmpty())
		Expect(worker.Pending(job)).To(BeTrue())

		close(release)
		Eventually(func() bool { return worker.Pending(job) }).Should(BeFalse())
		Expect(worker.Submit(job)).To(Succeed())
		Eventually(handledJobs).Should(Equal([]Job{job, job}))

		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("should release a job whose enqueue gave up", func() {
		Expect(worker.Submit(Job{ID: "a"})).To(Succeed())
		Expect(worker.Submit(Job{ID: "b"})).To(Succeed())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		Expect(worker.Enqueue(ctx, Job{ID: "c"})).To(MatchError(context.DeadlineExceeded))
		Expect(worker.Pending(Job{ID: "c"})).To(BeFalse())
	})

	It("should finish started jobs after cancellation", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			worker.Run(ctx)
		}()

		Expect(worker.Submit(Job{ID: "a", Attempt: 1})).To(Succeed())
		Eventually(func() int { return len(worker.jobs) }).Should(BeZero())

		cancel()
		Consistently(done, 50*time.Millisecond).ShouldNot(BeClosed())

		close(release)
		Eventually(done).Should(BeClosed())
		Expect(handledJobs()).To(Equal([]Job{{ID: "a", Attempt: 1}}))
	})
})
