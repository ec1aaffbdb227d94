// Package config loads and validates pipeline configuration. Defaults cover
// every key, an optional YAML/JSON file overrides them, and environment
// variables with the MARKETPIPE_ prefix override both.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration for one pipeline instance.
type Config struct {
	// BufferSize is the per-type capacity of the streaming buffers (trades,
	// news, alerts). The adaptive controller may resize it at runtime within
	// the Adaptive bounds.
	BufferSize int `mapstructure:"buffer_size"`

	// FlushInterval is the starting periodic flush cadence; the adaptive
	// controller tunes it between Adaptive.IntervalFloor and IntervalCeiling.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	MaxConcurrentFlushes int  `mapstructure:"max_concurrent_flushes"`
	BatchSize            int  `mapstructure:"batch_size"`
	AdaptiveBuffering    bool `mapstructure:"adaptive_buffering"`
	PriorityQueuing      bool `mapstructure:"priority_queuing"`

	// SubscriberQueueDepth bounds the per-subscription packet queue. A slow
	// subscriber overflowing it loses packets instead of stalling the flush.
	SubscriberQueueDepth int `mapstructure:"subscriber_queue_depth"`

	DeliverTimeout  time.Duration `mapstructure:"deliver_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Breaker  Breaker  `mapstructure:"breaker"`
	Adaptive Adaptive `mapstructure:"adaptive"`
	Feed     Feed     `mapstructure:"feed"`
	Sink     Sink     `mapstructure:"sink"`
}

// Breaker configures the ingestion circuit breaker.
type Breaker struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// Adaptive configures the flow controller. Step sizes, watermarks and growth
// factors are tunables, not contract; only the clamping bounds are.
type Adaptive struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	IntervalFloor   time.Duration `mapstructure:"interval_floor"`
	IntervalCeiling time.Duration `mapstructure:"interval_ceiling"`
	IntervalStep    time.Duration `mapstructure:"interval_step"`

	HighThroughput float64 `mapstructure:"high_throughput"` // events/sec
	LowThroughput  float64 `mapstructure:"low_throughput"`

	UtilizationHigh float64 `mapstructure:"utilization_high"`
	UtilizationLow  float64 `mapstructure:"utilization_low"`
	GrowthFactor    float64 `mapstructure:"growth_factor"`
	ShrinkFactor    float64 `mapstructure:"shrink_factor"`
	MinBufferSize   int     `mapstructure:"min_buffer_size"`
	MaxBufferSize   int     `mapstructure:"max_buffer_size"`

	// VarianceHigh is the throughput variance above which the controller
	// biases toward larger buffers to absorb bursts.
	VarianceHigh   float64       `mapstructure:"variance_high"`
	ResizeCooldown time.Duration `mapstructure:"resize_cooldown"`
}

// Feed configures the optional Kafka upstream adapter used by the daemon.
type Feed struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// Sink configures the daemon's delivery sink.
type Sink struct {
	Kind          string `mapstructure:"kind"` // stdout | nats
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults are always decodable.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration from an optional file path, applying defaults and
// MARKETPIPE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MARKETPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("buffer_size", 2000)
	v.SetDefault("flush_interval", "100ms")
	v.SetDefault("max_concurrent_flushes", 5)
	v.SetDefault("batch_size", 50)
	v.SetDefault("adaptive_buffering", true)
	v.SetDefault("priority_queuing", true)
	v.SetDefault("subscriber_queue_depth", 64)
	v.SetDefault("deliver_timeout", "5s")
	v.SetDefault("shutdown_timeout", "500ms")

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")

	v.SetDefault("adaptive.monitor_interval", "1s")
	v.SetDefault("adaptive.interval_floor", "25ms")
	v.SetDefault("adaptive.interval_ceiling", "1s")
	v.SetDefault("adaptive.interval_step", "25ms")
	v.SetDefault("adaptive.high_throughput", 1000)
	v.SetDefault("adaptive.low_throughput", 50)
	v.SetDefault("adaptive.utilization_high", 0.80)
	v.SetDefault("adaptive.utilization_low", 0.25)
	v.SetDefault("adaptive.growth_factor", 1.5)
	v.SetDefault("adaptive.shrink_factor", 0.75)
	v.SetDefault("adaptive.min_buffer_size", 500)
	v.SetDefault("adaptive.max_buffer_size", 16000)
	v.SetDefault("adaptive.variance_high", 250000)
	v.SetDefault("adaptive.resize_cooldown", "10s")

	v.SetDefault("feed.brokers", []string{})
	v.SetDefault("feed.topic", "market-events")
	v.SetDefault("feed.group_id", "marketpipe")

	v.SetDefault("sink.kind", "stdout")
	v.SetDefault("sink.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("sink.subject_prefix", "marketpipe.out")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("config: buffer_size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: flush_interval must be positive")
	}
	if c.MaxConcurrentFlushes <= 0 {
		return fmt.Errorf("config: max_concurrent_flushes must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if c.SubscriberQueueDepth <= 0 {
		return fmt.Errorf("config: subscriber_queue_depth must be positive")
	}
	if c.DeliverTimeout <= 0 {
		return fmt.Errorf("config: deliver_timeout must be positive")
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive")
	}
	if c.Breaker.Enabled && c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: breaker.reset_timeout must be positive")
	}
	a := c.Adaptive
	if a.IntervalFloor <= 0 || a.IntervalCeiling < a.IntervalFloor {
		return fmt.Errorf("config: adaptive interval bounds invalid")
	}
	if a.MinBufferSize <= 0 || a.MaxBufferSize < a.MinBufferSize {
		return fmt.Errorf("config: adaptive buffer bounds invalid")
	}
	if a.GrowthFactor <= 1.0 {
		return fmt.Errorf("config: adaptive.growth_factor must be > 1.0")
	}
	if a.ShrinkFactor <= 0 || a.ShrinkFactor >= 1.0 {
		return fmt.Errorf("config: adaptive.shrink_factor must be in (0, 1)")
	}
	if a.UtilizationLow >= a.UtilizationHigh {
		return fmt.Errorf("config: adaptive utilization watermarks inverted")
	}
	return nil
}
