// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package osrm

import (
	"context"
	"sync"

	"github.com/diffeo/osrm-batch-routing/routing"
)

// DefaultConcurrency is the K-window size when the caller does not
// choose one.
const DefaultConcurrency = 50

// CalculateBatch drives a slice of requests to completion and returns
// their results in submission order.
//
// Requests fly in windows of at most concurrency in-flight calls.
// Within a window every request is fired without waiting for its
// peers, and the window completes only once all of them have settled;
// one request's failure never aborts the others.  The next window
// does not start before the previous one has fully drained, which
// also bounds how much the caller can have outstanding against the
// daemon.
//
// Cancellation is observed between windows and inside every inflight
// request; once the context is done, remaining requests settle as
// cancelled without touching the network.
func (c *Client) CalculateBatch(ctx context.Context, reqs []Request, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := make([]Result, len(reqs))

	for start := 0; start < len(reqs); start += concurrency {
		end := start + concurrency
		if end > len(reqs) {
			end = len(reqs)
		}

		if ctx.Err() != nil {
			for i := start; i < len(reqs); i++ {
				results[i] = Result{Err: routing.ReasonCancelled}
			}
			return results
		}

		wg := sync.WaitGroup{}
		wg.Add(end - start)
		for i := start; i < end; i++ {
			go func(i int) {
				defer wg.Done()
				results[i] = c.Calculate(ctx, reqs[i])
			}(i)
		}
		wg.Wait()
	}
	return results
}
