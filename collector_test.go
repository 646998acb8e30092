package callmetrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGetMetricsUnknownFunction(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t, testConfig(t))

	_, err := c.GetMetrics("g")
	require.ErrorIs(t, err, ErrNoMetrics)
	assert.EqualError(t, err, "no metrics available for function: g")
	assert.Equal(t, "No metrics available for function: g", c.Describe("g"))
	assert.Empty(t, c.All())
}

func TestDescribeAndAll(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t, testConfig(t))

	_ = Run(c, "b", func() error { return nil })
	_ = Run(c, "a", func() error { return errBoom })

	assert.True(t, strings.HasPrefix(c.Describe("a"), "Function: a, Number of calls: 1,"))
	assert.Contains(t, c.Describe("a"), "Number of errors: 1")

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Function)
	assert.Equal(t, "b", all[1].Function)
}

func TestRestartReseedsFromStore(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{DriverSQLite, DriverBadger} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			cfg.Store.Driver = driver
			if driver == DriverBadger {
				cfg.Store.Path = filepath.Join(t.TempDir(), "badger")
			}

			c, err := New(cfg)
			require.NoError(t, err)
			for i := 0; i < 7; i++ {
				_ = Run(c, "work", func() error {
					time.Sleep(time.Millisecond)
					if i%3 == 0 {
						return errBoom
					}
					return nil
				})
			}
			before, _ := c.Table().Read("work")
			require.NoError(t, c.Shutdown(context.Background()))

			restarted := newTestCollector(t, cfg)
			after, ok := restarted.Table().Read("work")
			require.True(t, ok)
			assert.Equal(t, before, after)
			assert.Equal(t, Record{Calls: 7, Errors: 3, TotalTime: before.TotalTime}, after)

			_ = Run(restarted, "work", func() error { return nil })
			stats, err := restarted.GetMetrics("work")
			require.NoError(t, err)
			assert.Equal(t, int64(8), stats.Calls)
		})
	}
}

func TestShutdownDrainsQueuedSnapshots(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Worker.PollInterval = time.Second
	c, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_ = Run(c, "burst", func() error { return nil })
	}
	require.NoError(t, c.Shutdown(context.Background()))

	store, err := NewSQLiteStore(cfg.Store.Path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	rows, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "burst", rows[0].Function)
	assert.Equal(t, int64(50), rows[0].Calls)
}

func TestShutdownIsIdempotentAndRefusesSnapshots(t *testing.T) {
	t.Parallel()
	c, err := New(testConfig(t))
	require.NoError(t, err)

	_ = Run(c, "f", func() error { return nil })
	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))

	// calls after shutdown still count in memory but are not persisted
	_ = Run(c, "f", func() error { return nil })
	stats, err := c.GetMetrics("f")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Calls)
	assert.Equal(t, int64(1), c.queue.Stats().Refused)

	assert.ErrorIs(t, c.Reset("f"), ErrClosed)
}

func TestResetPersistsZeroedRow(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	c := newTestCollector(t, cfg)

	_ = Run(c, "f", func() error { return nil })
	require.NoError(t, c.Reset("f"))
	assert.ErrorIs(t, c.Reset("missing"), ErrNoMetrics)
	require.NoError(t, c.Flush(context.Background()))

	stats, err := c.GetMetrics("f")
	require.NoError(t, err)
	assert.Zero(t, stats.Calls)

	r, ok := c.Table().Read("f")
	require.True(t, ok)
	assert.Equal(t, Record{}, r)
}

func TestStoreInitFailure(t *testing.T) {
	t.Parallel()
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := testConfig(t)
	cfg.Store.Path = filepath.Join(blocker, "metrics.db")

	_, err := New(cfg)
	require.ErrorIs(t, err, ErrStoreInit)

	cfg.Store.AllowDegraded = true
	c := newTestCollector(t, cfg)
	assert.True(t, c.Degraded())

	_ = Run(c, "f", func() error { return nil })
	stats, err := c.GetMetrics("f")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Calls)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"

	_, err := New(cfg)
	assert.ErrorContains(t, err, "unknown store driver")
}

type countingHook struct {
	NoopCallHook
	calls  chan string
	closed bool
}

func (h *countingHook) EmitCall(function string, elapsed time.Duration, failed bool) {
	h.calls <- function
}

func (h *countingHook) Close() error {
	h.closed = true
	return nil
}

func TestCollectorCallsHook(t *testing.T) {
	t.Parallel()
	hook := &countingHook{calls: make(chan string, 4)}
	cfg := testConfig(t)
	cfg.Hook = hook
	c, err := New(cfg)
	require.NoError(t, err)

	_ = Run(c, "hooked", func() error { return nil })
	assert.Equal(t, "hooked", <-hook.calls)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, hook.closed)
}

func TestCollectorRegistersPrometheusMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	cfg := testConfig(t)
	cfg.Registerer = reg
	c := newTestCollector(t, cfg)

	for i := 0; i < 3; i++ {
		_ = Run(c, "f", func() error {
			if i == 1 {
				return errBoom
			}
			return nil
		})
	}
	require.NoError(t, c.Flush(context.Background()))

	expected := `
# HELP callmetrics_function_calls_total Total number of instrumented calls per function
# TYPE callmetrics_function_calls_total counter
callmetrics_function_calls_total{function="f"} 3
# HELP callmetrics_function_errors_total Total number of failed instrumented calls per function
# TYPE callmetrics_function_errors_total counter
callmetrics_function_errors_total{function="f"} 1
# HELP callmetrics_snapshots_persisted_total Snapshots written to the durable store
# TYPE callmetrics_snapshots_persisted_total counter
callmetrics_snapshots_persisted_total 3
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"callmetrics_function_calls_total",
		"callmetrics_function_errors_total",
		"callmetrics_snapshots_persisted_total",
	)
	assert.NoError(t, err)

	// a second collector on the same registry collides
	cfg2 := testConfig(t)
	cfg2.Registerer = reg
	_, err = New(cfg2)
	assert.ErrorContains(t, err, "register prometheus collector")
}

func TestFailedNewLeavesRegistryClean(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()

	cfg := testConfig(t)
	cfg.Registerer = reg
	cfg.Export.RemoteWriteURL = "http://[::1"
	_, err := New(cfg)
	require.ErrorContains(t, err, "invalid remote write url")

	cfg.Export.RemoteWriteURL = ""
	c, err := New(cfg)
	require.NoError(t, err, "retry on the same registry must not hit a duplicate registration")

	require.NoError(t, c.Shutdown(context.Background()))
	c, err = New(cfg)
	require.NoError(t, err, "shutdown unregisters the collector")
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestConcurrentCallersPersistCurrentRecord(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{DriverSQLite, DriverBadger} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			cfg.Store.Driver = driver
			if driver == DriverBadger {
				cfg.Store.Path = filepath.Join(t.TempDir(), "badger")
			}

			c, err := New(cfg)
			require.NoError(t, err)

			const callers, perCaller = 32, 25
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					for j := 0; j < perCaller; j++ {
						_ = Run(c, "hot", func() error {
							if (i+j)%5 == 0 {
								return errBoom
							}
							return nil
						})
					}
				}(i)
			}
			close(start)
			wg.Wait()

			inMemory, ok := c.Table().Read("hot")
			require.True(t, ok)
			assert.Equal(t, int64(callers*perCaller), inMemory.Calls)
			require.NoError(t, c.Shutdown(context.Background()))

			store, err := OpenStore(cfg.Store, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer store.Close()
			rows, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []Snapshot{{Function: "hot", Record: inMemory}}, rows)
		})
	}
}

func TestFinishEnqueuesBeforeNextSnapshot(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t, testConfig(t))
	c.table.RecordCall("hot")
	c.table.RecordCall("hot")

	// Hold the entry lock of "hot" inside the first publish while a second
	// invocation finishes; its snapshot must land behind the first one.
	secondDone := make(chan struct{})
	c.table.finish("hot", time.Millisecond, false, func(first Snapshot) {
		go func() {
			defer close(secondDone)
			c.finish("hot", time.Millisecond, nil)
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.queue.Enqueue(first))
	})
	<-secondDone

	inMemory, _ := c.Table().Read("hot")
	require.NoError(t, c.Shutdown(context.Background()))

	store, err := NewSQLiteStore(c.config.Store.Path, nil)
	require.NoError(t, err)
	defer store.Close()
	rows, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Snapshot{{Function: "hot", Record: inMemory}}, rows)
}
