package job

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when work is submitted to a closed pool.
var ErrPoolClosed = errors.New("job: worker pool closed")

// workerPool runs submitted closures on a fixed set of goroutines.
// Dataset processing is accelerator-bound, so the pool stays small
// (default one worker) and submissions queue behind it.
type workerPool struct {
	workCh   chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	submitMu sync.RWMutex
}

// newWorkerPool creates a pool with numWorkers goroutines. A
// non-positive count falls back to GOMAXPROCS.
func newWorkerPool(numWorkers int) *workerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	wp := &workerPool{
		workCh: make(chan func(), numWorkers*2),
		stopCh: make(chan struct{}),
	}

	wp.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopCh:
			// Drain remaining work before exiting.
			for {
				select {
				case task, ok := <-wp.workCh:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		case task, ok := <-wp.workCh:
			if !ok {
				return
			}
			task()
		}
	}
}

// submit enqueues a task, blocking when the queue is full.
func (wp *workerPool) submit(task func()) error {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()

	if wp.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case wp.workCh <- task:
		return nil
	case <-wp.stopCh:
		return ErrPoolClosed
	}
}

// close shuts the pool down gracefully, waiting for in-flight work.
func (wp *workerPool) close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}

	wp.submitMu.Lock()
	close(wp.stopCh)
	close(wp.workCh)
	wp.submitMu.Unlock()

	wp.wg.Wait()
}
