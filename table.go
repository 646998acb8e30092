package callmetrics

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is the cumulative metric triple kept for one function.
type Record struct {
	Calls     int64   // number of invocations started
	TotalTime float64 // cumulative elapsed time in seconds
	Errors    int64   // invocations that failed, never greater than Calls
}

// AverageTime returns TotalTime / Calls, or 0 when the function was never called.
func (r Record) AverageTime() float64 {
	if r.Calls <= 0 {
		return 0
	}
	return r.TotalTime / float64(r.Calls)
}

// Snapshot is a point-in-time copy of one function's Record, queued for persistence.
type Snapshot struct {
	Function string
	Record
}

// Table is the in-memory aggregate of per-function metrics.
// The map is guarded by a table-wide RWMutex; each entry carries its own
// mutex so that updates to one function never contend with another.
type Table struct {
	entries map[string]*entry
	logger  *zap.Logger
	mutex   sync.RWMutex
}

type entry struct {
	mutex  sync.Mutex
	record Record
}

// NewTable creates an empty aggregate table
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// lookup returns the entry for name, creating a zero-valued one on first use.
func (t *Table) lookup(name string) *entry {
	t.mutex.RLock()
	e, exists := t.entries[name]
	t.mutex.RUnlock()

	if !exists {
		t.mutex.Lock()
		if e, exists = t.entries[name]; !exists {
			e = &entry{}
			t.entries[name] = e
		}
		t.mutex.Unlock()
	}
	return e
}

// RecordCall increments the call counter of name
func (t *Table) RecordCall(name string) {
	e := t.lookup(name)
	e.mutex.Lock()
	e.record.Calls++
	e.mutex.Unlock()
}

// RecordError increments the error counter of name. Errors never exceed
// calls, so an error without a matching call is ignored and reported as false.
func (t *Table) RecordError(name string) bool {
	e := t.lookup(name)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.record.Errors >= e.record.Calls {
		return false
	}
	e.record.Errors++
	return true
}

// RecordTime adds elapsed to the cumulative time of name. Negative
// durations are ignored.
func (t *Table) RecordTime(name string, elapsed time.Duration) {
	if elapsed < 0 {
		return
	}
	e := t.lookup(name)
	e.mutex.Lock()
	e.record.TotalTime += elapsed.Seconds()
	e.mutex.Unlock()
}

// finish applies the end of one invocation (time and optional error) and
// returns the resulting snapshot, all under a single entry lock. publish,
// when set, receives the snapshot before the lock is released so snapshots
// of one function are handed on in the order they were taken.
func (t *Table) finish(name string, elapsed time.Duration, failed bool, publish func(Snapshot)) Snapshot {
	e := t.lookup(name)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if elapsed > 0 {
		e.record.TotalTime += elapsed.Seconds()
	}
	if failed && e.record.Errors < e.record.Calls {
		e.record.Errors++
	}
	snap := Snapshot{Function: name, Record: e.record}
	if publish != nil {
		publish(snap)
	}
	return snap
}

// Read returns the current record of name. The bool is false when the
// function has never been observed.
func (t *Table) Read(name string) (Record, bool) {
	t.mutex.RLock()
	e, exists := t.entries[name]
	t.mutex.RUnlock()

	if !exists {
		return Record{}, false
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.record, true
}

// Reset zeroes the record of name and returns the zeroed snapshot. It is the
// only operation that decreases TotalTime.
func (t *Table) Reset(name string) (Snapshot, bool) {
	return t.reset(name, nil)
}

// reset is Reset with the zeroed snapshot published under the entry lock
func (t *Table) reset(name string, publish func(Snapshot)) (Snapshot, bool) {
	t.mutex.RLock()
	e, exists := t.entries[name]
	t.mutex.RUnlock()

	if !exists {
		return Snapshot{}, false
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record = Record{}
	snap := Snapshot{Function: name}
	if publish != nil {
		publish(snap)
	}
	return snap, true
}

// Seed loads persisted snapshots into the table. Existing entries are overwritten.
func (t *Table) Seed(snaps []Snapshot) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, s := range snaps {
		if s.Errors > s.Calls {
			t.logger.Warn("persisted record has more errors than calls",
				zap.String("function", s.Function),
				zap.Int64("calls", s.Calls),
				zap.Int64("errors", s.Errors))
		}
		t.entries[s.Function] = &entry{record: s.Record}
	}
}

// Names returns the observed function names in sorted order
func (t *Table) Names() []string {
	t.mutex.RLock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	t.mutex.RUnlock()

	sort.Strings(names)
	return names
}

// Snapshots returns a consistent copy of every entry, sorted by function name.
func (t *Table) Snapshots() []Snapshot {
	names := t.Names()
	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if r, ok := t.Read(name); ok {
			snaps = append(snaps, Snapshot{Function: name, Record: r})
		}
	}
	return snaps
}

// Name implements MetricSource
func (t *Table) Name() string {
	return "functions"
}

// Collect implements MetricSource, flattening every entry into counter metrics.
func (t *Table) Collect() []Metric {
	now := time.Now()
	snaps := t.Snapshots()
	metrics := make([]Metric, 0, len(snaps)*3)

	for _, s := range snaps {
		labels := map[string]string{"function": s.Function}
		metrics = append(metrics,
			Metric{
				Name:       "function_calls_total",
				Value:      float64(s.Calls),
				Labels:     labels,
				MetricType: Counter,
				Timestamp:  now,
			},
			Metric{
				Name:       "function_duration_seconds_total",
				Value:      s.TotalTime,
				Labels:     labels,
				MetricType: Counter,
				Timestamp:  now,
			},
			Metric{
				Name:       "function_errors_total",
				Value:      float64(s.Errors),
				Labels:     labels,
				MetricType: Counter,
				Timestamp:  now,
			},
		)
	}

	return metrics
}
