// Package concurrency runs independent operations with a bound on how many
// are in flight and, optionally, on how fast new ones start.
package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultConcurrency is the in-flight limit used when none is configured
const DefaultConcurrency = 8

// Controller bounds parallelism and start rate of operations.
// A Controller may be shared by several concurrent Map calls; the bounds
// apply across all of them.
type Controller struct {
	concurrency int
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
}

// Option is a functional option for configuring Controller
type Option func(*Controller)

// WithRateLimit allows at most n operation starts per window.
// A non-positive n or window disables rate limiting.
func WithRateLimit(n int, window time.Duration) Option {
	return func(c *Controller) {
		if n <= 0 || window <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
	}
}

// New creates a controller allowing concurrency operations in flight.
// A non-positive concurrency falls back to DefaultConcurrency.
func New(concurrency int, opts ...Option) *Controller {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	c := &Controller{
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Concurrency returns the in-flight limit
func (c *Controller) Concurrency() int {
	return c.concurrency
}

// acquire waits for a free slot and, when rate limited, a start token.
func (c *Controller) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.sem.Release(1)
			return err
		}
	}
	return nil
}

func (c *Controller) release() {
	c.sem.Release(1)
}

// Do runs fn under the controller's bounds.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return fn(ctx)
}

// Result is the outcome of one item
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// ProgressFunc is called once per completed item, successful or not.
// completed increases by one on every call.
type ProgressFunc[R any] func(completed, total int, result Result[R])

// Map applies fn to every item and returns the results in item order.
//
// Every item is attempted exactly once and a failing item never cancels its
// siblings. If ctx is done before an item can start, that item's result
// carries the context error. onProgress may be nil; calls to it are
// serialised.
func Map[T, R any](ctx context.Context, c *Controller, items []T, fn func(ctx context.Context, item T) (R, error), onProgress ProgressFunc[R]) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	var (
		wg         sync.WaitGroup
		progressMu sync.Mutex
		completed  int
	)

	report := func(res Result[R]) {
		progressMu.Lock()
		defer progressMu.Unlock()
		completed++
		if onProgress != nil {
			onProgress(completed, len(items), res)
		}
	}

	for i, item := range items {
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()

			res := Result[R]{Index: i}
			if err := c.acquire(ctx); err != nil {
				res.Err = err
			} else {
				res.Value, res.Err = fn(ctx, item)
				c.release()
			}
			results[i] = res
			report(res)
		}(i, item)
	}

	wg.Wait()
	return results
}

// Values splits results into successful values and per-index errors.
func Values[R any](results []Result[R]) ([]R, map[int]error) {
	values := make([]R, 0, len(results))
	var errs map[int]error
	for _, res := range results {
		if res.Err != nil {
			if errs == nil {
				errs = make(map[int]error)
			}
			errs[res.Index] = res.Err
			continue
		}
		values = append(values, res.Value)
	}
	return values, errs
}
