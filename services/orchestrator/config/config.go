// Package config holds typed configuration for the orchestrator service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	OTelEndpoint string
	OTelSample   float64

	Threshold       time.Duration
	HistoryLimit    int
	PollInterval    time.Duration
	ProgressDelta   float64
	HardTimeout     time.Duration
	AbandonGrace    time.Duration
	RetentionTTL    time.Duration
	RetentionCap    int
	JanitorSchedule string

	// HandlerEndpoints maps a category to the URL its payloads are POSTed to.
	// Categories without an endpoint run the simulated handler.
	HandlerEndpoints map[string]string
	HandlerAttempts  int
	HandlerTimeout   time.Duration
	SimulateScale    float64

	RedisAddr        string
	SnapshotTTL      time.Duration
	RateLimit        int
	RateWindow       time.Duration
	KafkaBrokers     string
	KafkaEventsTopic string
	KafkaSettled     string
	PostgresDSN      string
	WarmStart        bool
}

// Defaults returns the configuration used when nothing overrides it.
// Every external store is disabled by default.
func Defaults() Config {
	return Config{
		LogLevel:         "info",
		HTTPPort:         "8080",
		MetricsAddr:      ":9095",
		OTelSample:       1,
		Threshold:        15 * time.Second,
		HistoryLimit:     100,
		PollInterval:     2 * time.Second,
		ProgressDelta:    0.1,
		AbandonGrace:     5 * time.Second,
		RetentionTTL:     time.Hour,
		RetentionCap:     1024,
		JanitorSchedule:  "@every 1m",
		HandlerEndpoints: map[string]string{},
		HandlerAttempts:  3,
		HandlerTimeout:   30 * time.Second,
		SimulateScale:    1,
		SnapshotTTL:      24 * time.Hour,
		RateWindow:       time.Minute,
		KafkaEventsTopic: "orchestrator.events",
		KafkaSettled:     "orchestrator.settled",
	}
}

// SetDefaults registers Defaults on v so unset keys resolve.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("otel_sample_ratio", d.OTelSample)
	v.SetDefault("threshold", d.Threshold)
	v.SetDefault("history_limit", d.HistoryLimit)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("progress_delta", d.ProgressDelta)
	v.SetDefault("abandon_grace", d.AbandonGrace)
	v.SetDefault("retention_ttl", d.RetentionTTL)
	v.SetDefault("retention_cap", d.RetentionCap)
	v.SetDefault("janitor_schedule", d.JanitorSchedule)
	v.SetDefault("handler_attempts", d.HandlerAttempts)
	v.SetDefault("handler_timeout", d.HandlerTimeout)
	v.SetDefault("simulate_scale", d.SimulateScale)
	v.SetDefault("snapshot_ttl", d.SnapshotTTL)
	v.SetDefault("rate_window", d.RateWindow)
	v.SetDefault("kafka_events_topic", d.KafkaEventsTopic)
	v.SetDefault("kafka_settled_topic", d.KafkaSettled)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		HTTPPort:         v.GetString("http_port"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		OTelSample:       v.GetFloat64("otel_sample_ratio"),
		Threshold:        v.GetDuration("threshold"),
		HistoryLimit:     v.GetInt("history_limit"),
		PollInterval:     v.GetDuration("poll_interval"),
		ProgressDelta:    v.GetFloat64("progress_delta"),
		HardTimeout:      v.GetDuration("hard_timeout"),
		AbandonGrace:     v.GetDuration("abandon_grace"),
		RetentionTTL:     v.GetDuration("retention_ttl"),
		RetentionCap:     v.GetInt("retention_cap"),
		JanitorSchedule:  v.GetString("janitor_schedule"),
		HandlerEndpoints: v.GetStringMapString("handler_endpoints"),
		HandlerAttempts:  v.GetInt("handler_attempts"),
		HandlerTimeout:   v.GetDuration("handler_timeout"),
		SimulateScale:    v.GetFloat64("simulate_scale"),
		RedisAddr:        v.GetString("redis_addr"),
		SnapshotTTL:      v.GetDuration("snapshot_ttl"),
		RateLimit:        v.GetInt("rate_limit"),
		RateWindow:       v.GetDuration("rate_window"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		KafkaEventsTopic: v.GetString("kafka_events_topic"),
		KafkaSettled:     v.GetString("kafka_settled_topic"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		WarmStart:        v.GetBool("warm_start"),
	}
}

// Validate rejects combinations the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Threshold <= 0:
		return fmt.Errorf("threshold must be positive, got %s", c.Threshold)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	case c.ProgressDelta < 0 || c.ProgressDelta > 1:
		return fmt.Errorf("progress_delta must be within [0,1], got %g", c.ProgressDelta)
	case c.HardTimeout < 0:
		return fmt.Errorf("hard_timeout must not be negative, got %s", c.HardTimeout)
	case c.RateLimit > 0 && c.RedisAddr == "":
		return fmt.Errorf("rate_limit requires redis_addr")
	case c.WarmStart && c.PostgresDSN == "":
		return fmt.Errorf("warm_start requires postgres_dsn")
	}
	return nil
}

// Brokers splits KafkaBrokers on commas, dropping empty entries.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// yamlConfig mirrors Config with durations rendered as strings, which is the
// form viper parses back.
type yamlConfig struct {
	LogLevel         string            `yaml:"log_level"`
	HTTPPort         string            `yaml:"http_port"`
	MetricsAddr      string            `yaml:"metrics_addr"`
	OTelEndpoint     string            `yaml:"otel_endpoint"`
	OTelSample       float64           `yaml:"otel_sample_ratio"`
	Threshold        string            `yaml:"threshold"`
	HistoryLimit     int               `yaml:"history_limit"`
	PollInterval     string            `yaml:"poll_interval"`
	ProgressDelta    float64           `yaml:"progress_delta"`
	HardTimeout      string            `yaml:"hard_timeout"`
	AbandonGrace     string            `yaml:"abandon_grace"`
	RetentionTTL     string            `yaml:"retention_ttl"`
	RetentionCap     int               `yaml:"retention_cap"`
	JanitorSchedule  string            `yaml:"janitor_schedule"`
	HandlerEndpoints map[string]string `yaml:"handler_endpoints"`
	HandlerAttempts  int               `yaml:"handler_attempts"`
	HandlerTimeout   string            `yaml:"handler_timeout"`
	SimulateScale    float64           `yaml:"simulate_scale"`
	RedisAddr        string            `yaml:"redis_addr"`
	SnapshotTTL      string            `yaml:"snapshot_ttl"`
	RateLimit        int               `yaml:"rate_limit"`
	RateWindow       string            `yaml:"rate_window"`
	KafkaBrokers     string            `yaml:"kafka_brokers"`
	KafkaEventsTopic string            `yaml:"kafka_events_topic"`
	KafkaSettled     string            `yaml:"kafka_settled_topic"`
	PostgresDSN      string            `yaml:"postgres_dsn"`
	WarmStart        bool              `yaml:"warm_start"`
}

// MarshalYAML renders c in the format Load reads back.
func (c Config) MarshalYAML() (any, error) {
	return yamlConfig{
		LogLevel:         c.LogLevel,
		HTTPPort:         c.HTTPPort,
		MetricsAddr:      c.MetricsAddr,
		OTelEndpoint:     c.OTelEndpoint,
		OTelSample:       c.OTelSample,
		Threshold:        c.Threshold.String(),
		HistoryLimit:     c.HistoryLimit,
		PollInterval:     c.PollInterval.String(),
		ProgressDelta:    c.ProgressDelta,
		HardTimeout:      c.HardTimeout.String(),
		AbandonGrace:     c.AbandonGrace.String(),
		RetentionTTL:     c.RetentionTTL.String(),
		RetentionCap:     c.RetentionCap,
		JanitorSchedule:  c.JanitorSchedule,
		HandlerEndpoints: c.HandlerEndpoints,
		HandlerAttempts:  c.HandlerAttempts,
		HandlerTimeout:   c.HandlerTimeout.String(),
		SimulateScale:    c.SimulateScale,
		RedisAddr:        c.RedisAddr,
		SnapshotTTL:      c.SnapshotTTL.String(),
		RateLimit:        c.RateLimit,
		RateWindow:       c.RateWindow.String(),
		KafkaBrokers:     c.KafkaBrokers,
		KafkaEventsTopic: c.KafkaEventsTopic,
		KafkaSettled:     c.KafkaSettled,
		PostgresDSN:      c.PostgresDSN,
		WarmStart:        c.WarmStart,
	}, nil
}

// Render writes c as a YAML document preceded by header.
func Render(c Config, header string) ([]byte, error) {
	body, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return append([]byte(header), body...), nil
}
