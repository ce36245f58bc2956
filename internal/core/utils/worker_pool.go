package utils

import "sync"

// CompletedTask is the outcome for the input at Index.
type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

type indexedInput[T any] struct {
	index int
	value T
}

// RunInPool applies worker to every input on at most maxWorkers goroutines.
// Results arrive in completion order and the channel is closed once all inputs
// are done.
func RunInPool[In any, Out any](inputs []In, worker func(In) (Out, error), maxWorkers int) <-chan CompletedTask[Out] {
	queue := make(chan indexedInput[In], len(inputs))
	for i, in := range inputs {
		queue <- indexedInput[In]{index: i, value: in}
	}
	close(queue)

	completed := make(chan CompletedTask[Out], len(inputs))
	workers := min(len(inputs), max(maxWorkers, 1))

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next.value)
					completed <- CompletedTask[Out]{Index: next.index, Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()

	return completed
}

// MapInPool is RunInPool with the results and errors gathered back into input
// order.
func MapInPool[In any, Out any](inputs []In, worker func(In) (Out, error), maxWorkers int) ([]Out, []error) {
	results := make([]Out, len(inputs))
	errs := make([]error, len(inputs))

	for task := range RunInPool(inputs, worker, maxWorkers) {
		results[task.Index] = task.Result
		errs[task.Index] = task.Error
	}

	return results, errs
}
