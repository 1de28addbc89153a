package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/keyur7523/promptLab/pkg/exchange"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
)

const writeTimeout = 5 * time.Second

// Writer drains an in-memory queue into a Store so finalization never
// blocks on the database. When the queue is full the write degrades to a
// synchronous one rather than dropping the record.
type Writer struct {
	store Store
	queue chan writeJob
	wg    sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

type writeJob struct {
	exchange *exchange.Exchange
	feedback *exchange.FeedbackRecord
}

// NewWriter starts a writer with the given queue capacity.
func NewWriter(store Store, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		store:  store,
		queue:  make(chan writeJob, queueSize),
		closed: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

func (w *Writer) drain() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.queue:
			w.write(job)
		case <-w.closed:
			// Flush whatever is still queued, then exit.
			for {
				select {
				case job := <-w.queue:
					w.write(job)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch {
	case job.exchange != nil:
		if err := w.store.SaveExchange(ctx, job.exchange); err != nil {
			logging.Errorf("Persisting exchange %s failed: %v", job.exchange.ID, err)
		}
	case job.feedback != nil:
		if err := w.store.SaveFeedback(ctx, job.feedback); err != nil {
			logging.Errorf("Persisting feedback for exchange %s failed: %v", job.feedback.ExchangeID, err)
		}
	}
}

// EnqueueExchange schedules an exchange write. Safe to call from the
// stream finalization path.
func (w *Writer) EnqueueExchange(e *exchange.Exchange) {
	w.enqueue(writeJob{exchange: e})
}

// EnqueueFeedback schedules a feedback write.
func (w *Writer) EnqueueFeedback(f *exchange.FeedbackRecord) {
	w.enqueue(writeJob{feedback: f})
}

func (w *Writer) enqueue(job writeJob) {
	select {
	case <-w.closed:
		// Shutdown already drained the queue; write inline.
		w.write(job)
		return
	default:
	}
	select {
	case w.queue <- job:
	default:
		logging.Warnf("Persistence queue full, writing synchronously")
		w.write(job)
	}
}

// Close stops accepting new jobs, flushes the queue, and waits for the
// drain goroutine.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
	w.wg.Wait()
}
