// Package callmetrics instruments function calls with execution metrics
// (call count, cumulative duration, error count) and persists them durably
// without blocking the instrumented call path.
//
// Design goals:
//   - Explicit collector instance, no process-wide state
//   - Per-function updates serialized under an entry lock
//   - A single background worker is the only writer of the durable store
//   - Every queued snapshot reaches the store before Shutdown returns
//
// Basic usage:
//
//	cfg := callmetrics.DefaultConfig()
//	cfg.Store.Path = "./data/metrics.db"
//	cfg.Logger = logger
//
//	c, err := callmetrics.New(cfg)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer c.Shutdown(context.Background())
//
//	fetch := callmetrics.Wrap(c, "fetch", fetchUser)
//	user := fetch() // zero value if fetchUser failed or panicked
//
//	stats, err := c.GetMetrics("fetch")
package callmetrics
