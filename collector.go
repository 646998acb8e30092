package callmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Stats is the query view of one function's metrics
type Stats struct {
	Function    string  `json:"function" yaml:"function"`
	Calls       int64   `json:"calls" yaml:"calls"`
	AverageTime float64 `json:"average_time" yaml:"average_time"`
	Errors      int64   `json:"errors" yaml:"errors"`
}

// Collector owns the aggregate table, the persistence queue and its single
// worker, and the durable store. Construct one per process with New and
// release it with Shutdown.
type Collector struct {
	config   Config
	logger   *zap.Logger
	table    *Table
	queue    *Queue
	worker   *Worker
	store    Store
	hook     CallHook
	exporter *Exporter
	metrics  *pipelineMetrics
	degraded bool

	registered *PrometheusCollector

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the durable store, seeds the aggregate table from it and starts
// the persistence worker. A store that cannot be opened or loaded is fatal
// unless cfg.Store.AllowDegraded is set.
func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, snaps, degraded, err := openAndLoad(cfg, logger)
	if err != nil {
		return nil, err
	}

	hook := cfg.Hook
	if hook == nil && cfg.Statsd.Address != "" {
		statsdHook, err := NewAsyncStatsdCallHook(cfg.Statsd)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		hook = statsdHook
	}
	if hook == nil {
		hook = NewNoopCallHook()
	}

	c := &Collector{
		config:   cfg,
		logger:   logger,
		table:    NewTable(logger),
		queue:    NewQueue(cfg.Queue.Size, cfg.Queue.EnqueueTimeout),
		store:    store,
		hook:     hook,
		degraded: degraded,
	}
	c.table.Seed(snaps)
	c.worker = NewWorker(c.queue, store, cfg.Worker, logger)
	c.metrics = newPipelineMetrics(c)

	if cfg.Export.RemoteWriteURL != "" {
		exp, err := NewExporter(cfg.Export, logger, c.table, c.metrics)
		if err != nil {
			_ = hook.Close()
			_ = store.Close()
			return nil, err
		}
		c.exporter = exp
	}

	// Registration is the last step that can fail, so nothing is left
	// registered when New returns an error.
	if cfg.Registerer != nil {
		pc := NewPrometheusCollector(c)
		if err := cfg.Registerer.Register(pc); err != nil {
			if c.exporter != nil {
				c.exporter.cancel()
			}
			_ = hook.Close()
			_ = store.Close()
			return nil, fmt.Errorf("register prometheus collector: %w", err)
		}
		c.registered = pc
	}

	c.worker.Start()
	if c.exporter != nil {
		c.exporter.Start()
	}

	logger.Info("call metrics collector initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("seeded", len(snaps)),
		zap.Bool("degraded", degraded))
	return c, nil
}

// openAndLoad opens the configured store and reads every row. In degraded
// mode a failure falls back to an empty in-memory store.
func openAndLoad(cfg Config, logger *zap.Logger) (Store, []Snapshot, bool, error) {
	store, snaps, err := tryOpenAndLoad(cfg, logger)
	if err == nil {
		return store, snaps, false, nil
	}
	if !cfg.Store.AllowDegraded {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrStoreInit, err)
	}

	logger.Warn("durable store unavailable, running in memory only",
		zap.String("driver", cfg.Store.Driver),
		zap.String("path", cfg.Store.Path),
		zap.Error(err))
	return NewMemoryStore(), nil, true, nil
}

func tryOpenAndLoad(cfg Config, logger *zap.Logger) (Store, []Snapshot, error) {
	store, err := OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pickDuration(cfg.Worker.WriteTimeout, defaultWriteTimeout))
	defer cancel()

	snaps, err := store.Load(ctx)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, snaps, nil
}

// GetMetrics returns the statistics of name. A function that was never
// observed yields an error wrapping ErrNoMetrics.
func (c *Collector) GetMetrics(name string) (Stats, error) {
	r, ok := c.table.Read(name)
	if !ok {
		return Stats{}, fmt.Errorf("%w for function: %s", ErrNoMetrics, name)
	}
	return Stats{
		Function:    name,
		Calls:       r.Calls,
		AverageTime: r.AverageTime(),
		Errors:      r.Errors,
	}, nil
}

// Describe renders the statistics of name as a single line of text
func (c *Collector) Describe(name string) string {
	s, err := c.GetMetrics(name)
	if err != nil {
		return fmt.Sprintf("No metrics available for function: %s", name)
	}
	return fmt.Sprintf("Function: %s, Number of calls: %d, Average execution time: %.6fs, Number of errors: %d",
		s.Function, s.Calls, s.AverageTime, s.Errors)
}

// All returns the statistics of every observed function, sorted by name
func (c *Collector) All() []Stats {
	snaps := c.table.Snapshots()
	stats := make([]Stats, 0, len(snaps))
	for _, s := range snaps {
		stats = append(stats, Stats{
			Function:    s.Function,
			Calls:       s.Calls,
			AverageTime: s.AverageTime(),
			Errors:      s.Errors,
		})
	}
	return stats
}

// Reset clears the metrics of name and persists the zeroed row
func (c *Collector) Reset(name string) error {
	if c.queue.Closed() {
		return ErrClosed
	}
	var enqueueErr error
	_, ok := c.table.reset(name, func(snap Snapshot) {
		enqueueErr = c.queue.Enqueue(snap)
	})
	if !ok {
		return fmt.Errorf("%w for function: %s", ErrNoMetrics, name)
	}
	return enqueueErr
}

// Degraded reports whether the collector runs without a durable store
func (c *Collector) Degraded() bool {
	return c.degraded
}

// Table exposes the aggregate table
func (c *Collector) Table() *Table {
	return c.table
}

// Flush blocks until every snapshot queued so far has been handled by the worker
func (c *Collector) Flush(ctx context.Context) error {
	return c.queue.Drain(ctx)
}

// Shutdown stops accepting snapshots, waits for the queue to drain (bounded
// by ctx and Config.DrainTimeout), stops the worker and closes the store.
// Calls after the first return the first call's result.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.queue.Close()

		drainTimeout := pickDuration(c.config.DrainTimeout, defaultDrainTimeout)
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()

		started := time.Now()
		var errs error
		if err := c.queue.Drain(drainCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("drain persistence queue: %w", err))
			c.logger.Error("persistence queue not drained",
				zap.Int64("pending", c.queue.Pending()),
				zap.Error(err))
		}

		c.worker.Stop()
		if c.exporter != nil {
			c.exporter.Stop()
		}
		if c.registered != nil {
			c.config.Registerer.Unregister(c.registered)
		}
		errs = multierr.Append(errs, c.hook.Close())
		if err := c.store.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close store: %w", err))
		}

		ws := c.worker.Stats()
		c.logger.Info("call metrics collector shut down",
			zap.Duration("drain", time.Since(started)),
			zap.Int64("persisted", ws.Persisted),
			zap.Int64("faults", ws.Faults),
			zap.Int64("dropped", c.queue.Stats().Dropped))
		c.shutdownErr = errs
	})
	return c.shutdownErr
}
