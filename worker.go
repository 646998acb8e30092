package callmetrics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WorkerOptions tunes the persistence worker
type WorkerOptions struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`     // wake-up interval while idle
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`     // deadline of a single upsert attempt
	MaxRetries      int           `mapstructure:"max_retries"`       // retries after the first failed attempt
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`     // delay before the first retry, doubled after each
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"` // cap on the retry delay
}

// Worker is the single writer of the durable store. It drains the queue and
// upserts each snapshot; a failed upsert is retried a bounded number of times
// and then dropped, so the loop itself never stops on storage errors.
type Worker struct {
	queue  *Queue
	store  Store
	opts   WorkerOptions
	logger *zap.Logger

	persisted atomic.Int64
	retried   atomic.Int64
	faults    atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stop    sync.Once
}

// NewWorker creates a worker draining queue into store. Call Start to run it.
func NewWorker(queue *Queue, store Store, opts WorkerOptions, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.PollInterval = pickDuration(opts.PollInterval, defaultPollInterval)
	opts.WriteTimeout = pickDuration(opts.WriteTimeout, defaultWriteTimeout)
	opts.RetryBackoff = pickDuration(opts.RetryBackoff, defaultRetryBackoff)
	opts.MaxRetryBackoff = pickDuration(opts.MaxRetryBackoff, defaultMaxRetryBackoff)
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:  queue,
		store:  store,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutine. Only the first call has an effect.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case s := <-w.queue.receive():
				w.handle(s)
			case <-ticker.C:
				if depth := w.queue.Depth(); depth > 0 {
					w.logger.Debug("persistence backlog", zap.Int("depth", depth))
				}
			case <-w.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it to exit. Snapshots still queued are
// abandoned; drain the queue first to persist them.
func (w *Worker) Stop() {
	w.stop.Do(func() {
		w.cancel()
		w.wg.Wait()
		if depth := w.queue.Depth(); depth > 0 {
			w.logger.Warn("persistence worker stopped with queued snapshots",
				zap.Int("abandoned", depth))
		}
	})
}

func (w *Worker) handle(s Snapshot) {
	defer w.queue.done()

	backoff := w.opts.RetryBackoff
	var err error
	for attempt := 0; attempt <= w.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			w.retried.Add(1)
			if !w.sleep(backoff) {
				break
			}
			backoff *= 2
			if backoff > w.opts.MaxRetryBackoff {
				backoff = w.opts.MaxRetryBackoff
			}
		}

		if err = w.upsert(s); err == nil {
			w.persisted.Add(1)
			return
		}
		w.logger.Warn("snapshot upsert failed",
			zap.String("function", s.Function),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	w.faults.Add(1)
	w.logger.Error("dropping snapshot after failed upserts",
		zap.String("function", s.Function),
		zap.Int64("calls", s.Calls),
		zap.Error(err))
}

// upsert runs one attempt, converting a store panic into an error.
func (w *Worker) upsert(s Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()
	return w.store.Upsert(ctx, s)
}

// sleep waits for d, returning false if the worker was stopped meanwhile.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// WorkerStats is a point-in-time view of worker accounting
type WorkerStats struct {
	Persisted int64
	Retried   int64
	Faults    int64
}

// Stats returns the current worker accounting
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Persisted: w.persisted.Load(),
		Retried:   w.retried.Load(),
		Faults:    w.faults.Load(),
	}
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
