package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// errPoolStopped is returned by Submit after Stop.
var errPoolStopped = errors.New("pipeline: worker pool stopped")

// RecordHandler processes one record. It runs on a pool worker.
type RecordHandler func(ctx context.Context, rec *models.RawRecord)

// WorkerPool runs a fixed number of goroutines pulling records from one
// bounded channel. A panic in the handler is recovered per record so one
// bad unit never takes a worker down.
type WorkerPool struct {
	numWorkers int
	handler    RecordHandler
	inputChan  chan models.RawRecord
	onPanic    func(rec *models.RawRecord, v any)

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// WorkerPoolConfig holds configuration for the worker pool.
type WorkerPoolConfig struct {
	// NumWorkers is the number of worker goroutines.
	// Defaults to runtime.NumCPU() if not set.
	NumWorkers int

	// QueueSize is the size of the input channel buffer.
	// Defaults to NumWorkers * 64 if not set.
	QueueSize int
}

// NewWorkerPool creates a new worker pool with the given configuration.
func NewWorkerPool(cfg *WorkerPoolConfig, handler RecordHandler) *WorkerPool {
	if cfg == nil {
		cfg = &WorkerPoolConfig{}
	}

	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = numWorkers * 64
	}

	return &WorkerPool{
		numWorkers: numWorkers,
		handler:    handler,
		inputChan:  make(chan models.RawRecord, queueSize),
	}
}

// OnPanic registers a callback for recovered handler panics. It must be set
// before Start.
func (wp *WorkerPool) OnPanic(fn func(rec *models.RawRecord, v any)) {
	wp.onPanic = fn
}

// Start launches the workers. Handlers receive a context derived from ctx.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the input, lets the workers drain what was already queued and
// waits for them to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.inputChan)
	wp.mu.Unlock()

	wp.wg.Wait()

	wp.mu.Lock()
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.mu.Unlock()
}

// Submit queues rec, blocking while the queue is full. It returns ctx's
// error if ctx ends first.
func (wp *WorkerPool) Submit(ctx context.Context, rec models.RawRecord) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return errPoolStopped
	}

	select {
	case wp.inputChan <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues rec without blocking. It returns false when the queue is
// full or the pool is stopped; the caller owns the drop count.
func (wp *WorkerPool) TrySubmit(rec models.RawRecord) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}

	select {
	case wp.inputChan <- rec:
		return true
	default:
		return false
	}
}

// worker is the main loop for a worker goroutine.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.mu.RLock()
	ctx := wp.ctx
	wp.mu.RUnlock()

	for rec := range wp.inputChan {
		wp.process(ctx, id, &rec)
	}
}

func (wp *WorkerPool) process(ctx context.Context, id int, rec *models.RawRecord) {
	defer func() {
		if v := recover(); v != nil {
			logging.PipelineLogger().Error("recovered panic while processing record",
				"worker", id,
				"panic", fmt.Sprint(v),
				logging.Record(rec),
				"stack", string(debug.Stack()),
			)
			if wp.onPanic != nil {
				wp.onPanic(rec, v)
			}
		}
	}()

	wp.handler(ctx, rec)
}
