package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs a fixed number of workers that pull tasks from a shared
// ingress channel. Run returns once every worker has exited, which happens
// when ingress is closed and drained or ctx is cancelled.
type WorkerPool[T any] struct {
	ingressChan chan T

	wg sync.WaitGroup

	maxWorker int
	busy      atomic.Int32
	handled   atomic.Int64
}

func NewWorkerPool[T any](maxWorkers, queueSize int) *WorkerPool[T] {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU() * 2
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool[T]{
		ingressChan: make(chan T, queueSize),
		maxWorker:   maxWorkers,
	}
}

func (wp *WorkerPool[T]) Size() int {
	return wp.maxWorker
}

func (wp *WorkerPool[T]) Run(ctx context.Context, handler func(context.Context, T)) {
	for i := 0; i < wp.maxWorker; i++ {
		wp.startWorker(ctx, handler)
	}
	wp.wg.Wait()
}

func (wp *WorkerPool[T]) startWorker(ctx context.Context, handler func(context.Context, T)) {
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case task, ok := <-wp.ingressChan:
				if !ok {
					return
				}
				wp.busy.Add(1)
				handler(ctx, task)
				wp.busy.Add(-1)
				wp.handled.Add(1)
			}
		}
	}()
}

func (wp *WorkerPool[T]) Ingress() chan<- T {
	return wp.ingressChan
}

func (wp *WorkerPool[T]) CloseIngress() {
	close(wp.ingressChan)
}

// Busy reports how many workers are inside the handler right now.
func (wp *WorkerPool[T]) Busy() int {
	return int(wp.busy.Load())
}

func (wp *WorkerPool[T]) Handled() int64 {
	return wp.handled.Load()
}
