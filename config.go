package callmetrics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultStorePath       = "./data/metrics.db"
	defaultQueueSize       = 4096
	defaultEnqueueTimeout  = 50 * time.Millisecond
	defaultPollInterval    = time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultMaxRetries      = 3
	defaultRetryBackoff    = 50 * time.Millisecond
	defaultMaxRetryBackoff = 2 * time.Second
	defaultDrainTimeout    = 10 * time.Second
	defaultExportInterval  = 15 * time.Second
)

// Config defines the configuration of a Collector
type Config struct {
	Store        StoreConfig   `mapstructure:"store"`
	Queue        QueueConfig   `mapstructure:"queue"`
	Worker       WorkerOptions `mapstructure:"worker"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	Export       ExportConfig  `mapstructure:"export"`
	Statsd       StatsdConfig  `mapstructure:"statsd"`

	// Optional logger
	Logger *zap.Logger `mapstructure:"-"`

	// Optional registry for the collector's Prometheus metrics
	Registerer prometheus.Registerer `mapstructure:"-"`

	// Optional hook invoked after every instrumented call. When nil and
	// Statsd.Address is set, an async statsd hook is used.
	Hook CallHook `mapstructure:"-"`
}

// StoreConfig selects and locates the durable store
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite|badger|memory
	Path   string `mapstructure:"path"`

	// AllowDegraded runs on an in-memory store when the durable store
	// cannot be opened, instead of failing New.
	AllowDegraded bool `mapstructure:"allow_degraded"`
}

// QueueConfig sizes the persistence queue
type QueueConfig struct {
	Size           int           `mapstructure:"size"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// ExportConfig configures the optional Prometheus remote write export
type ExportConfig struct {
	// Service identification
	Namespace   string `mapstructure:"namespace"`
	Subsystem   string `mapstructure:"subsystem"`
	ServiceName string `mapstructure:"service_name"`

	// Remote write configuration; export is disabled when the URL is empty
	RemoteWriteURL string        `mapstructure:"remote_write_url"`
	Interval       time.Duration `mapstructure:"interval"`

	// Instance information
	InstanceIP   string            `mapstructure:"instance_ip"`
	CustomLabels map[string]string `mapstructure:"custom_labels"`

	DNS DNSConfig `mapstructure:"dns"`
}

// DNSConfig configures resolution of the remote write host
type DNSConfig struct {
	Enable          bool          `mapstructure:"enable"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	UDPServers      []string      `mapstructure:"udp_servers"`   // e.g. ["1.1.1.1:53"]
	TLSServers      []string      `mapstructure:"tls_servers"`   // e.g. ["1.1.1.1:853"]
	DoHEndpoints    []string      `mapstructure:"doh_endpoints"` // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// StatsdConfig configures the optional statsd call hook
type StatsdConfig struct {
	Address    string  `mapstructure:"address"`
	Prefix     string  `mapstructure:"prefix"`
	SampleRate float32 `mapstructure:"sample_rate"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   defaultStorePath,
		},
		Queue: QueueConfig{
			Size:           defaultQueueSize,
			EnqueueTimeout: defaultEnqueueTimeout,
		},
		Worker: WorkerOptions{
			PollInterval:    defaultPollInterval,
			WriteTimeout:    defaultWriteTimeout,
			MaxRetries:      defaultMaxRetries,
			RetryBackoff:    defaultRetryBackoff,
			MaxRetryBackoff: defaultMaxRetryBackoff,
		},
		DrainTimeout: defaultDrainTimeout,
		Export: ExportConfig{
			Namespace:    "app",
			Subsystem:    "prod",
			ServiceName:  "service",
			Interval:     defaultExportInterval,
			CustomLabels: make(map[string]string),
		},
		Statsd: StatsdConfig{
			Prefix:     "callmetrics",
			SampleRate: 1,
		},
	}
}

// LoadConfig reads configuration from (in decreasing priority):
//  1. environment variables prefixed with CALLMETRICS_ (e.g. CALLMETRICS_STORE_PATH)
//  2. the yaml file at path, or ./configs/callmetrics.yaml when path is empty
//  3. DefaultConfig
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()
	v := viper.New()

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.allow_degraded", def.Store.AllowDegraded)
	v.SetDefault("queue.size", def.Queue.Size)
	v.SetDefault("queue.enqueue_timeout", def.Queue.EnqueueTimeout)
	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.write_timeout", def.Worker.WriteTimeout)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.retry_backoff", def.Worker.RetryBackoff)
	v.SetDefault("worker.max_retry_backoff", def.Worker.MaxRetryBackoff)
	v.SetDefault("drain_timeout", def.DrainTimeout)
	v.SetDefault("export.namespace", def.Export.Namespace)
	v.SetDefault("export.subsystem", def.Export.Subsystem)
	v.SetDefault("export.service_name", def.Export.ServiceName)
	v.SetDefault("export.remote_write_url", "")
	v.SetDefault("export.interval", def.Export.Interval)
	v.SetDefault("export.instance_ip", "")
	v.SetDefault("export.dns.enable", false)
	v.SetDefault("statsd.address", "")
	v.SetDefault("statsd.prefix", def.Statsd.Prefix)
	v.SetDefault("statsd.sample_rate", def.Statsd.SampleRate)

	v.SetEnvPrefix("callmetrics")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: error reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("callmetrics")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: error reading config: %w", err)
			}
		}
	}

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values New cannot work with
func (c Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "", DriverSQLite, DriverBadger, DriverMemory:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if c.Queue.Size < 0 {
		return fmt.Errorf("config: queue size must not be negative")
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("config: worker max retries must not be negative")
	}

	if c.Statsd.SampleRate < 0 || c.Statsd.SampleRate > 1 {
		return fmt.Errorf("config: statsd sample rate must be in range [0.0, 1.0]")
	}

	if c.Export.RemoteWriteURL != "" && c.Export.ServiceName == "" {
		return fmt.Errorf("config: service name cannot be empty when remote write is enabled")
	}

	return nil
}
