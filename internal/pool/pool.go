// Package pool provides a bounded-concurrency executor for fan-out fetches.
// It is payload-agnostic: the same primitive runs kline, funding, and
// open-interest batches.
package pool

import (
	"context"
	"sync"
)

// Task produces one value or fails. Each task is invoked at most once.
type Task[T any] func(ctx context.Context) (T, error)

// Result captures a task outcome. Exactly one of Value/Err is meaningful;
// failures never abort sibling tasks.
type Result[T any] struct {
	Value T
	Err   error
}

// RunAll runs every task with at most limit in flight concurrently and
// returns one result per task. Results arrive in completion order, not
// submission order; callers correlate by a key embedded in T.
func RunAll[T any](ctx context.Context, tasks []Task[T], limit int) []Result[T] {
	if limit <= 0 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	out := make(chan Result[T], len(tasks))

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task[T]) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			value, err := task(ctx)
			out <- Result[T]{Value: value, Err: err}
		}(task)
	}

	wg.Wait()
	close(out)

	results := make([]Result[T], 0, len(tasks))
	for r := range out {
		results = append(results, r)
	}
	return results
}
