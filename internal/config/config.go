// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supervisor controls how the host process spawns and manages sandbox
// child processes.
type Supervisor struct {
	BundleDir        string        `mapstructure:"bundle_dir"`
	SandboxBinary    string        `mapstructure:"sandbox_binary"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IPCDeadline      time.Duration `mapstructure:"ipc_deadline"`
	MaxSandboxes     int           `mapstructure:"max_sandboxes"`
}

// RateLimit selects and configures the token-bucket backend.
type RateLimit struct {
	Backend   string `mapstructure:"backend"` // "memory" or "redis"
	RedisAddr string `mapstructure:"redis_addr"`
}

// ResourceMeter controls periodic per-plugin resource sampling.
type ResourceMeter struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	MaxCPUPercent  float64       `mapstructure:"max_cpu_percent"`
	MaxRSSMiB      float64       `mapstructure:"max_rss_mib"`
	MaxThreads     int           `mapstructure:"max_threads"`
	MaxDiskMiB     float64       `mapstructure:"max_disk_mib"`
}

// ClickHouseSink is the optional ClickHouse analytics mirror.
type ClickHouseSink struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

// S3Sink is the optional S3 analytics mirror / export upload target.
type S3Sink struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Endpoint  string `mapstructure:"endpoint"`
}

// Analytics configures the append-only AnalyticsStore.
type Analytics struct {
	Dir                string         `mapstructure:"dir"`
	RetentionDays      int            `mapstructure:"retention_days"`
	CompactionInterval time.Duration  `mapstructure:"compaction_interval"`
	ClickHouse         ClickHouseSink `mapstructure:"clickhouse"`
	S3                 S3Sink         `mapstructure:"s3"`
}

// FileSystemBroker configures the per-plugin sandbox root containment.
type FileSystemBroker struct {
	RootDir string `mapstructure:"root_dir"`
}

// HardwareBroker configures the HTTPS-only network/hardware broker and
// the sliding-window circuit breaker guarding its outbound calls.
type HardwareBroker struct {
	AllowInsecureHTTP   bool          `mapstructure:"allow_insecure_http"`
	BreakerWindow       time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown     time.Duration `mapstructure:"breaker_cooldown"`
	BreakerFailureThresh float64      `mapstructure:"breaker_failure_thresh"`
	BreakerMinSamples   int           `mapstructure:"breaker_min_samples"`
}

// MessagingBroker configures per-receiver bounded queues.
type MessagingBroker struct {
	QueueCapacity int           `mapstructure:"queue_capacity"`
	MessageTTL    time.Duration `mapstructure:"message_ttl"`
}

// LoggingBroker configures the bounded log channel and its circuit
// breaker.
type LoggingBroker struct {
	ChannelCapacity  int           `mapstructure:"channel_capacity"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// Brokers groups per-broker configuration.
type Brokers struct {
	FileSystem FileSystemBroker `mapstructure:"filesystem"`
	Hardware   HardwareBroker   `mapstructure:"hardware"`
	Messaging  MessagingBroker  `mapstructure:"messaging"`
	Logging    LoggingBroker    `mapstructure:"logging"`
}

// Export configures the encrypted GDPR export container format.
type Export struct {
	PBKDF2Iterations int    `mapstructure:"pbkdf2_iterations"`
	UploadToS3       bool   `mapstructure:"upload_to_s3"`
}

// AdminConfig configures the admin HTTP/websocket surface.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

type ObservabilityConfig struct {
	MetricsPort int         `mapstructure:"metrics_port"`
	LogLevel    string      `mapstructure:"log_level"`
	Admin       AdminConfig `mapstructure:"admin"`
}

// Observability is a backwards-compatible alias matching the teacher's
// naming so callers familiar with that repo's config shape feel at home.
type Observability = ObservabilityConfig

type Config struct {
	Supervisor    Supervisor    `mapstructure:"supervisor"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
	ResourceMeter ResourceMeter `mapstructure:"resource_meter"`
	Analytics     Analytics     `mapstructure:"analytics"`
	Brokers       Brokers       `mapstructure:"brokers"`
	Export        Export        `mapstructure:"export"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Supervisor: Supervisor{
			BundleDir:        "./bundles",
			SandboxBinary:    "sandboxd",
			HandshakeTimeout: 5 * time.Second,
			IPCDeadline:      10 * time.Second,
			MaxSandboxes:     64,
		},
		RateLimit: RateLimit{
			Backend: "memory",
		},
		ResourceMeter: ResourceMeter{
			SampleInterval: 2 * time.Second,
			MaxCPUPercent:  80,
			MaxRSSMiB:      512,
			MaxThreads:     64,
			MaxDiskMiB:     256,
		},
		Analytics: Analytics{
			Dir:                "./analytics",
			RetentionDays:      30,
			CompactionInterval: 6 * time.Hour,
		},
		Brokers: Brokers{
			FileSystem: FileSystemBroker{RootDir: "./sandbox-roots"},
			Hardware: HardwareBroker{
				AllowInsecureHTTP:    false,
				BreakerWindow:        30 * time.Second,
				BreakerCooldown:      10 * time.Second,
				BreakerFailureThresh: 0.5,
				BreakerMinSamples:    5,
			},
			Messaging:  MessagingBroker{QueueCapacity: 256, MessageTTL: 30 * time.Second},
			Logging:    LoggingBroker{ChannelCapacity: 1000, BreakerThreshold: 10, BreakerCooldown: 5 * time.Minute},
		},
		Export: Export{
			PBKDF2Iterations: 150000,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Admin:       AdminConfig{Port: 9091},
		},
	}
}

// Load reads configuration from a YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("supervisor.bundle_dir", def.Supervisor.BundleDir)
	v.SetDefault("supervisor.sandbox_binary", def.Supervisor.SandboxBinary)
	v.SetDefault("supervisor.handshake_timeout", def.Supervisor.HandshakeTimeout)
	v.SetDefault("supervisor.ipc_deadline", def.Supervisor.IPCDeadline)
	v.SetDefault("supervisor.max_sandboxes", def.Supervisor.MaxSandboxes)

	v.SetDefault("rate_limit.backend", def.RateLimit.Backend)
	v.SetDefault("rate_limit.redis_addr", def.RateLimit.RedisAddr)

	v.SetDefault("resource_meter.sample_interval", def.ResourceMeter.SampleInterval)
	v.SetDefault("resource_meter.max_cpu_percent", def.ResourceMeter.MaxCPUPercent)
	v.SetDefault("resource_meter.max_rss_mib", def.ResourceMeter.MaxRSSMiB)
	v.SetDefault("resource_meter.max_threads", def.ResourceMeter.MaxThreads)
	v.SetDefault("resource_meter.max_disk_mib", def.ResourceMeter.MaxDiskMiB)

	v.SetDefault("analytics.dir", def.Analytics.Dir)
	v.SetDefault("analytics.retention_days", def.Analytics.RetentionDays)
	v.SetDefault("analytics.compaction_interval", def.Analytics.CompactionInterval)
	v.SetDefault("analytics.clickhouse.enabled", def.Analytics.ClickHouse.Enabled)
	v.SetDefault("analytics.s3.enabled", def.Analytics.S3.Enabled)

	v.SetDefault("brokers.filesystem.root_dir", def.Brokers.FileSystem.RootDir)
	v.SetDefault("brokers.hardware.allow_insecure_http", def.Brokers.Hardware.AllowInsecureHTTP)
	v.SetDefault("brokers.hardware.breaker_window", def.Brokers.Hardware.BreakerWindow)
	v.SetDefault("brokers.hardware.breaker_cooldown", def.Brokers.Hardware.BreakerCooldown)
	v.SetDefault("brokers.hardware.breaker_failure_thresh", def.Brokers.Hardware.BreakerFailureThresh)
	v.SetDefault("brokers.hardware.breaker_min_samples", def.Brokers.Hardware.BreakerMinSamples)
	v.SetDefault("brokers.messaging.queue_capacity", def.Brokers.Messaging.QueueCapacity)
	v.SetDefault("brokers.messaging.message_ttl", def.Brokers.Messaging.MessageTTL)
	v.SetDefault("brokers.logging.channel_capacity", def.Brokers.Logging.ChannelCapacity)
	v.SetDefault("brokers.logging.breaker_threshold", def.Brokers.Logging.BreakerThreshold)
	v.SetDefault("brokers.logging.breaker_cooldown", def.Brokers.Logging.BreakerCooldown)

	v.SetDefault("export.pbkdf2_iterations", def.Export.PBKDF2Iterations)
	v.SetDefault("export.upload_to_s3", def.Export.UploadToS3)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.admin.port", def.Observability.Admin.Port)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Supervisor.MaxSandboxes < 1 {
		return fmt.Errorf("supervisor.max_sandboxes must be >= 1")
	}
	if cfg.Supervisor.HandshakeTimeout <= 0 {
		return fmt.Errorf("supervisor.handshake_timeout must be > 0")
	}
	if cfg.Supervisor.IPCDeadline <= 0 {
		return fmt.Errorf("supervisor.ipc_deadline must be > 0")
	}
	if cfg.RateLimit.Backend != "memory" && cfg.RateLimit.Backend != "redis" {
		return fmt.Errorf("rate_limit.backend must be \"memory\" or \"redis\"")
	}
	if cfg.RateLimit.Backend == "redis" && cfg.RateLimit.RedisAddr == "" {
		return fmt.Errorf("rate_limit.redis_addr required when backend is \"redis\"")
	}
	if cfg.Analytics.RetentionDays <= 0 || cfg.Analytics.RetentionDays > 30 {
		return fmt.Errorf("analytics.retention_days must be in 1..30")
	}
	if cfg.Brokers.Logging.ChannelCapacity <= 0 {
		return fmt.Errorf("brokers.logging.channel_capacity must be > 0")
	}
	if cfg.Brokers.Logging.BreakerThreshold <= 0 {
		return fmt.Errorf("brokers.logging.breaker_threshold must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
