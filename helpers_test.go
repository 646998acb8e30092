package callmetrics

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

// testConfig returns a fast configuration backed by a SQLite file in a temp dir.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "metrics.db")
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.RetryBackoff = time.Millisecond
	cfg.Worker.MaxRetryBackoff = 5 * time.Millisecond
	cfg.DrainTimeout = 5 * time.Second
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func newTestCollector(t *testing.T, cfg Config) *Collector {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

// recordingStore is a Store that can fail or panic on demand and records
// every successful upsert in order.
type recordingStore struct {
	mutex    sync.Mutex
	upserts  []Snapshot
	failures int // remaining upserts to fail
	failFor  string
	panicFor string
	closed   bool
}

func (s *recordingStore) Load(ctx context.Context) ([]Snapshot, error) {
	return nil, nil
}

func (s *recordingStore) Upsert(ctx context.Context, snap Snapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if snap.Function == s.panicFor {
		panic("store exploded")
	}
	if snap.Function == s.failFor {
		return errBoom
	}
	if s.failures > 0 {
		s.failures--
		return errBoom
	}
	s.upserts = append(s.upserts, snap)
	return nil
}

func (s *recordingStore) Close() error {
	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()
	return nil
}

func (s *recordingStore) snapshots() []Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Snapshot(nil), s.upserts...)
}
