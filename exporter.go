package callmetrics

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"
)

// Exporter periodically pushes metric sources to a Prometheus remote write
// endpoint. It only reads the aggregate table and never touches the store.
type Exporter struct {
	config   ExportConfig
	sources  []MetricSource
	logger   *zap.Logger
	resolver *resolver

	client *promwrite.Client
	mutex  sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stop    sync.Once
}

// NewExporter creates an exporter for the given sources. Call Start to begin pushing.
func NewExporter(config ExportConfig, logger *zap.Logger, sources ...MetricSource) (*Exporter, error) {
	if config.RemoteWriteURL == "" {
		return nil, fmt.Errorf("remote write url cannot be empty")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	u, err := url.Parse(config.RemoteWriteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote write url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.InstanceIP == "" {
		config.InstanceIP = instanceAddress()
	}
	config.Interval = pickDuration(config.Interval, defaultExportInterval)

	ctx, cancel := context.WithCancel(context.Background())
	return &Exporter{
		config:   config,
		sources:  sources,
		logger:   logger,
		resolver: newResolver(u.Hostname(), config.DNS, logger),
		client:   promwrite.NewClient(config.RemoteWriteURL),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the periodic write loop, and the DNS refresh loop when enabled
func (e *Exporter) Start() {
	e.mutex.Lock()
	if e.started {
		e.mutex.Unlock()
		return
	}
	e.started = true
	e.mutex.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := e.Write(e.ctx); err != nil {
					e.logger.Error("failed to write metrics", zap.Error(err))
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()

	if e.resolver.periodic() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.resolver.cfg.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if e.resolver.refresh(e.ctx, false) {
						e.resetClient()
					}
				case <-e.ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop pushes a final write and stops the loops
func (e *Exporter) Stop() {
	e.stop.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.Write(ctx); err != nil {
			e.logger.Warn("final metrics write failed", zap.Error(err))
		}
		cancel()

		e.cancel()
		e.wg.Wait()
	})
}

// Write sends the current metrics of every source to the endpoint. On
// failure the target host is re-resolved once and the write retried.
func (e *Exporter) Write(ctx context.Context) error {
	var metrics []Metric
	for _, src := range e.sources {
		metrics = append(metrics, src.Collect()...)
	}
	if len(metrics) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req := &promwrite.WriteRequest{
		TimeSeries: e.convertToTimeSeries(metrics),
	}

	_, err := e.currentClient().Write(ctx, req)
	if err == nil {
		return nil
	}

	if e.resolver.refresh(ctx, true) {
		e.resetClient()
		if _, retryErr := e.currentClient().Write(ctx, req); retryErr != nil {
			return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
		}
		return nil
	}
	return fmt.Errorf("writing time series failed: %w", err)
}

func (e *Exporter) currentClient() *promwrite.Client {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.client
}

// resetClient recreates the client to force new connections
func (e *Exporter) resetClient() {
	e.mutex.Lock()
	e.client = promwrite.NewClient(e.config.RemoteWriteURL)
	e.mutex.Unlock()
	e.logger.Info("refreshed remote write client")
}

// convertToTimeSeries converts metrics to promwrite time series, prefixing
// names with namespace and subsystem and adding instance labels.
func (e *Exporter) convertToTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(metrics))
	prefix := fmt.Sprintf("%s_%s", e.config.Namespace, e.config.Subsystem)

	for _, metric := range metrics {
		labels := make([]promwrite.Label, 0, 4+len(e.config.CustomLabels)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: fmt.Sprintf("%s_%s", prefix, metric.Name)},
			promwrite.Label{Name: "_instance_", Value: e.config.InstanceIP},
			promwrite.Label{Name: "instance", Value: e.config.InstanceIP},
			promwrite.Label{Name: "_target_", Value: e.config.ServiceName},
		)
		for k, v := range e.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  metric.Timestamp,
				Value: metric.Value,
			},
		})
	}

	return result
}

// instanceAddress returns the outbound IPv4 of the machine, falling back to the hostname
func instanceAddress() string {
	if ip, err := outboundIPv4(); err == nil {
		return ip
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}

func outboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}
