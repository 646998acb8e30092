package callmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRemoteWriteServer(t *testing.T, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var writes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method == http.MethodPost && len(body) > 0 {
			writes.Add(1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &writes
}

func testExportConfig(url string) ExportConfig {
	cfg := DefaultConfig().Export
	cfg.RemoteWriteURL = url
	cfg.InstanceIP = "10.0.0.7"
	cfg.Interval = 10 * time.Millisecond
	cfg.CustomLabels = map[string]string{"team": "payments"}
	return cfg
}

func TestExporterConvertToTimeSeries(t *testing.T) {
	t.Parallel()
	exp, err := NewExporter(testExportConfig("http://127.0.0.1:9/api/v1/write"), zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Now()
	series := exp.convertToTimeSeries([]Metric{{
		Name:      "function_calls_total",
		Value:     3,
		Labels:    map[string]string{"function": "f"},
		Timestamp: now,
	}})
	require.Len(t, series, 1)

	labels := make(map[string]string)
	for _, l := range series[0].Labels {
		labels[l.Name] = l.Value
	}
	assert.Equal(t, map[string]string{
		"__name__":   "app_prod_function_calls_total",
		"_instance_": "10.0.0.7",
		"instance":   "10.0.0.7",
		"_target_":   "service",
		"team":       "payments",
		"function":   "f",
	}, labels)
	assert.Equal(t, promwrite.Sample{Time: now, Value: 3}, series[0].Sample)
}

func TestExporterWrite(t *testing.T) {
	t.Parallel()
	table := NewTable(nil)
	table.RecordCall("f")

	srv, writes := newRemoteWriteServer(t, http.StatusOK)
	exp, err := NewExporter(testExportConfig(srv.URL), zaptest.NewLogger(t), table)
	require.NoError(t, err)

	require.NoError(t, exp.Write(context.Background()))
	assert.Equal(t, int64(1), writes.Load())

	empty, err := NewExporter(testExportConfig(srv.URL), nil, NewTable(nil))
	require.NoError(t, err)
	require.NoError(t, empty.Write(context.Background()))
	assert.Equal(t, int64(1), writes.Load(), "nothing to send")
}

func TestExporterWriteFailure(t *testing.T) {
	t.Parallel()
	table := NewTable(nil)
	table.RecordCall("f")

	srv, _ := newRemoteWriteServer(t, http.StatusInternalServerError)
	exp, err := NewExporter(testExportConfig(srv.URL), zaptest.NewLogger(t), table)
	require.NoError(t, err)

	assert.ErrorContains(t, exp.Write(context.Background()), "writing time series failed")
}

func TestExporterPeriodicLoop(t *testing.T) {
	t.Parallel()
	table := NewTable(nil)
	table.RecordCall("f")

	srv, writes := newRemoteWriteServer(t, http.StatusOK)
	exp, err := NewExporter(testExportConfig(srv.URL), zaptest.NewLogger(t), table)
	require.NoError(t, err)

	exp.Start()
	assert.Eventually(t, func() bool { return writes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	exp.Stop()
	exp.Stop()
}

func TestNewExporterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewExporter(ExportConfig{ServiceName: "svc"}, nil)
	assert.ErrorContains(t, err, "remote write url")

	_, err = NewExporter(ExportConfig{RemoteWriteURL: "http://localhost/write"}, nil)
	assert.ErrorContains(t, err, "service name")
}

func TestCollectorExportsPipelineAndFunctions(t *testing.T) {
	t.Parallel()
	srv, writes := newRemoteWriteServer(t, http.StatusOK)

	cfg := testConfig(t)
	cfg.Export = testExportConfig(srv.URL)
	c := newTestCollector(t, cfg)

	_ = Run(c, "exported", func() error { return nil })
	assert.Eventually(t, func() bool { return writes.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	names := make(map[string]bool)
	for _, m := range c.metrics.Collect() {
		names[m.Name] = true
	}
	assert.True(t, names["queue_depth"])
	assert.True(t, names["store_write_faults_total"])
}
