// Package worker runs detached background tasks on a small pool so that
// cache write-backs never block or outlive-cancel with the request that
// spawned them.
package worker

import (
	"context"
	"log"
	"sync"
)

// Task is a unit of background work. The context passed in belongs to the
// queue, not to any request.
type Task func(ctx context.Context)

// Queue is a bounded task queue consumed by a fixed pool of workers.
type Queue struct {
	tasks   chan Task
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{tasks: make(chan Task, size)}
}

// Start launches workers that run tasks until Stop is called. Tasks run
// with ctx, detached from any request lifetime.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for task := range q.tasks {
				task(ctx)
			}
		}()
	}
}

// Enqueue submits a task without blocking. It reports false when the queue
// is saturated or already stopped; the task is dropped in that case.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop rejects further tasks and waits for queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	log.Printf("worker: queue drained")
}
