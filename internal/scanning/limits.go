package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

type limitedEngine struct {
	Engine
	slots   *semaphore.Weighted
	timeout time.Duration
}

// WithLimits runs at most concurrency Recognize calls on engine at once and
// bounds each with timeout; a call that runs past it fails with ErrTimeout. A
// timed out call keeps its slot until the engine actually returns, so
// engines that ignore ctx still count against the limit. Time spent waiting
// for a slot does not count toward the timeout. A timeout <= 0 means none.
func WithLimits(engine Engine, concurrency int, timeout time.Duration) Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &limitedEngine{
		Engine:  engine,
		slots:   semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
	}
}

func (l *limitedEngine) Recognize(ctx context.Context, img Image) (*RawResult, error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for engine: %w", err)
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if l.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		res *RawResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer l.slots.Release(1)
		res, err := l.Engine.Recognize(callCtx, img)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, wrapErr(l.Name(), "recognize", ErrTimeout)
		}
		return out.res, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, wrapErr(l.Name(), "recognize", ErrTimeout)
		}
		return nil, callCtx.Err()
	}
}
