package scanning

import (
	"context"
	"errors"
	"image"
	"image/color"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type slowEngine struct {
	delay  time.Duration
	result *RawResult
	err    error
}

func (s *slowEngine) Name() string { return "slow" }

func (s *slowEngine) Recognize(ctx context.Context, img Image) (*RawResult, error) {
	select {
	case <-time.After(s.delay):
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowEngine) Close() error { return nil }

// blockingEngine ignores ctx and returns only once release is closed
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (b *blockingEngine) Name() string { return "blocking" }

func (b *blockingEngine) Recognize(_ context.Context, _ Image) (*RawResult, error) {
	b.started <- struct{}{}
	<-b.release
	return &RawResult{RawText: "ok"}, nil
}

func (b *blockingEngine) Close() error { return nil }

var _ = Describe("WithLimits", func() {
	var (
		inner  *slowEngine
		result *RawResult
		err    error
	)

	BeforeEach(func() {
		inner = &slowEngine{result: &RawResult{RawText: "ok"}}
	})

	JustBeforeEach(func() {
		result, err = WithLimits(inner, 1, 50*time.Millisecond).Recognize(context.Background(), Image{})
	})

	When("the engine answers in time", func() {
		BeforeEach(func() {
			inner.delay = time.Millisecond
		})

		It("should pass the result through", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RawText).To(Equal("ok"))
		})
	})

	When("the engine is too slow", func() {
		BeforeEach(func() {
			inner.delay = time.Second
		})

		It("returns ErrTimeout", func() {
			Expect(err).To(MatchError(ErrTimeout))
		})

		It("names the engine in the error", func() {
			var engErr *EngineError
			Expect(errors.As(err, &engErr)).To(BeTrue())
			Expect(engErr.Engine).To(Equal("slow"))
		})
	})

	When("the engine fails", func() {
		BeforeEach(func() {
			inner.delay = time.Millisecond
			inner.err = errors.New("boom")
		})

		It("returns the engine error", func() {
			Expect(err).To(MatchError("boom"))
		})
	})

	When("a timed out call is still running", func() {
		It("should hold its slot until the engine returns", func() {
			blocking := newBlockingEngine()
			limited := WithLimits(blocking, 1, 20*time.Millisecond)

			_, err := limited.Recognize(context.Background(), Image{})
			Expect(err).To(MatchError(ErrTimeout))
			Expect(blocking.started).To(Receive())

			second := make(chan error, 1)
			go func() {
				_, err := limited.Recognize(context.Background(), Image{})
				second <- err
			}()
			Consistently(blocking.started, 100*time.Millisecond).ShouldNot(Receive())

			close(blocking.release)
			Eventually(second).Should(Receive(BeNil()))
			Expect(blocking.started).To(Receive())
		})
	})

	When("the caller gives up waiting for a slot", func() {
		It("returns the context error without calling the engine", func() {
			blocking := newBlockingEngine()
			defer close(blocking.release)
			limited := WithLimits(blocking, 1, 0)

			go limited.Recognize(context.Background(), Image{})
			Eventually(blocking.started).Should(Receive())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := limited.Recognize(ctx, Image{})
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(blocking.started).NotTo(Receive())
		})
	})
})

var _ = Describe("DecodeImage", func() {
	When("the bytes are a PNG", func() {
		It("should decode the image", func() {
			src := image.NewGray(image.Rect(0, 0, 8, 4))
			src.Set(1, 1, color.White)
			data, err := EncodePNG(src)
			Expect(err).NotTo(HaveOccurred())

			img, err := DecodeImage(data, "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(8))
			Expect(img.Bounds().Dy()).To(Equal(4))
		})
	})

	When("the bytes are garbage", func() {
		It("returns ErrDecode", func() {
			_, err := DecodeImage([]byte("definitely not an image"), "image/jpeg")
			Expect(err).To(MatchError(ErrDecode))
		})
	})

	When("the file is empty", func() {
		It("returns ErrDecode", func() {
			_, err := DecodeImage(nil, "image/png")
			Expect(err).To(MatchError(ErrDecode))
		})
	})
})

var _ = Describe("PrepareImage", func() {
	It("should pass PNG data through untouched", func() {
		data, err := EncodePNG(image.NewGray(image.Rect(0, 0, 2, 2)))
		Expect(err).NotTo(HaveOccurred())
		out, err := PrepareImage(data, "image/png; charset=binary")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(data))
	})

	It("should detect HEIC by magic bytes", func() {
		data := []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00")
		Expect(isHEICFormat(data)).To(BeTrue())
	})
})

var _ = Describe("processorLocation", func() {
	It("should read the location segment", func() {
		loc, err := processorLocation("projects/p/locations/eu/processors/abc")
		Expect(err).NotTo(HaveOccurred())
		Expect(loc).To(Equal("eu"))
	})

	It("should reject malformed names", func() {
		_, err := processorLocation("abc")
		Expect(err).To(HaveOccurred())
	})
})
