package callmetrics

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
)

// CallHook is notified at the end of every instrumented invocation, after
// the aggregate table has been updated. Implementations must not block.
type CallHook interface {
	// EmitCall reports one finished invocation of function.
	EmitCall(function string, elapsed time.Duration, failed bool)

	// Close releases any resources held by the hook.
	Close() error
}

// NoopCallHook implements CallHook but noops on all emissions.
type NoopCallHook struct{}

// NewNoopCallHook creates a noop implementation of CallHook.
func NewNoopCallHook() CallHook {
	return &NoopCallHook{}
}

// EmitCall noops.
func (h *NoopCallHook) EmitCall(function string, elapsed time.Duration, failed bool) {}

// Close noops.
func (h *NoopCallHook) Close() error { return nil }

// statsdHookBuffer bounds the calls waiting to be sent; beyond it calls are dropped
const statsdHookBuffer = 1024

type statsdCall struct {
	function string
	elapsed  time.Duration
	failed   bool
}

// AsyncStatsdCallHook is an implementation of CallHook that outputs metrics
// asynchronously to statsd from a single sender goroutine.
type AsyncStatsdCallHook struct {
	client      statsd.Statter
	sampleRate  float32
	defaultTags map[string]string

	calls   chan statsdCall
	done    chan struct{}
	dropped atomic.Int64

	mutex     sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewAsyncStatsdCallHook creates a statsd hook for the configured address,
// prefix and sample rate.
func NewAsyncStatsdCallHook(cfg StatsdConfig) (*AsyncStatsdCallHook, error) {
	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: cfg.Address,
		Prefix:  cfg.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("statsd: error creating statsd client: %w", err)
	}

	tags := map[string]string{}
	if hostname, err := os.Hostname(); err == nil {
		tags["host"] = hostname
	}

	h := &AsyncStatsdCallHook{
		client:      client,
		sampleRate:  cfg.SampleRate,
		defaultTags: tags,
		calls:       make(chan statsdCall, statsdHookBuffer),
		done:        make(chan struct{}),
	}
	go h.run()
	return h, nil
}

// EmitCall statsd implementation. It never blocks: a call that does not fit
// in the buffer is dropped and counted.
func (h *AsyncStatsdCallHook) EmitCall(function string, elapsed time.Duration, failed bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.closed {
		return
	}

	select {
	case h.calls <- statsdCall{function: function, elapsed: elapsed, failed: failed}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns the number of calls discarded because the buffer was full
func (h *AsyncStatsdCallHook) Dropped() int64 {
	return h.dropped.Load()
}

func (h *AsyncStatsdCallHook) run() {
	defer close(h.done)
	for call := range h.calls {
		tags := map[string]string{"function": call.function}

		_ = h.client.Inc(h.formatMetric("event.call", tags), 1, h.sampleRate)
		_ = h.client.TimingDuration(h.formatMetric("latency.call", tags), call.elapsed, h.sampleRate)

		if call.failed {
			_ = h.client.Inc(h.formatMetric("event.call_error", tags), 1, h.sampleRate)
		}
	}
}

// Close sends the buffered calls and closes the statsd client
func (h *AsyncStatsdCallHook) Close() error {
	h.closeOnce.Do(func() {
		h.mutex.Lock()
		h.closed = true
		close(h.calls)
		h.mutex.Unlock()

		<-h.done
		h.closeErr = h.client.Close()
	})
	return h.closeErr
}

// formatMetric appends the default and per-call tags InfluxDB-style to the
// metric name. Names and tags are URL escaped since characters like colons
// are incompatible with the statsd protocol.
func (h *AsyncStatsdCallHook) formatMetric(metric string, tags map[string]string) string {
	merged := make(map[string]string, len(h.defaultTags)+len(tags))
	for key, value := range h.defaultTags {
		merged[key] = value
	}
	for key, value := range tags {
		merged[key] = value
	}

	escaped := url.QueryEscape(metric)
	if len(merged) == 0 {
		return escaped
	}

	components := make([]string, 0, len(merged))
	for key, value := range merged {
		components = append(components,
			fmt.Sprintf("%s=%s", url.QueryEscape(key), url.QueryEscape(value)))
	}
	sort.Strings(components)

	return fmt.Sprintf("%s,%s", escaped, strings.Join(components, ","))
}
