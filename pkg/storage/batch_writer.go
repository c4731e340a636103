package storage

import (
	"sync"
	"time"
)

// BatchWriter batches result writes and flushes them when the batch is
// full or maxWait passed since the first queued result. Test events arrive
// in bursts; one transaction per burst keeps the writer off the hot path.
//
// Usage:
//
//	writer := store.NewBatchWriter(100, 100*time.Millisecond)
//	defer writer.Close()
//	writer.Add(result)
//
// Timer flush errors are handed to the error callback, if any.
type BatchWriter struct {
	store   *Store
	batch   []*TestResult
	maxSize int
	maxWait time.Duration
	onError func(error)
	flushed int
	closed  bool
	mu      sync.Mutex
	timer   *time.Timer
}

// NewBatchWriter creates a batch writer flushing at maxSize results or
// after maxWait.
func (s *Store) NewBatchWriter(maxSize int, maxWait time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 100 // default batch size
	}
	if maxWait <= 0 {
		maxWait = 100 * time.Millisecond // default flush interval
	}
	return &BatchWriter{
		store:   s,
		batch:   make([]*TestResult, 0, maxSize),
		maxSize: maxSize,
		maxWait: maxWait,
	}
}

// OnError sets the callback receiving errors of timer-driven flushes.
func (bw *BatchWriter) OnError(fn func(error)) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.onError = fn
}

// Add queues a result. A full batch is flushed before Add returns.
func (bw *BatchWriter) Add(r *TestResult) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrStoreClosed
	}

	bw.batch = append(bw.batch, r)

	// Flush immediately if batch is full
	if len(bw.batch) >= bw.maxSize {
		return bw.flushLocked()
	}

	// Start timer on first result
	if len(bw.batch) == 1 {
		bw.startTimer()
	}

	return nil
}

// Flush writes the queued results now.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close flushes what is queued and rejects further results.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return nil
	}
	bw.closed = true
	return bw.flushLocked()
}

// flushLocked flushes the batch while holding the lock.
// Must be called with lock held.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.batch) == 0 {
		return nil
	}

	// Stop any running timer
	if bw.timer != nil {
		bw.timer.Stop()
		bw.timer = nil
	}

	batch := bw.batch
	bw.batch = make([]*TestResult, 0, bw.maxSize)

	if err := bw.store.SaveResults(batch); err != nil {
		return err
	}
	bw.flushed += len(batch)
	return nil
}

// startTimer starts the flush timer.
// Must be called with lock held.
func (bw *BatchWriter) startTimer() {
	if bw.timer != nil {
		bw.timer.Stop()
	}

	bw.timer = time.AfterFunc(bw.maxWait, func() {
		bw.mu.Lock()
		defer bw.mu.Unlock()
		if err := bw.flushLocked(); err != nil && bw.onError != nil {
			bw.onError(err)
		}
	})
}

// BatchSize returns the current number of queued results.
func (bw *BatchWriter) BatchSize() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.batch)
}

// Flushed returns the number of results written so far.
func (bw *BatchWriter) Flushed() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushed
}
