package config_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/config"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)

	cfg := config.Load(v)
	assert.Equal(t, 15*time.Second, cfg.Threshold)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.InDelta(t, 0.1, cfg.ProgressDelta, 1e-9)
	assert.Equal(t, "@every 1m", cfg.JanitorSchedule)
	assert.Empty(t, cfg.RedisAddr)
	assert.NoError(t, cfg.Validate())
}

func TestRender_RoundTripsThroughViper(t *testing.T) {
	want := config.Defaults()
	want.HardTimeout = 2 * time.Minute
	want.HandlerEndpoints = map[string]string{"long-form-media-render": "http://render:8000/run"}
	want.KafkaBrokers = "k1:9092,k2:9092"

	doc, err := config.Render(want, "# orchestrator\n")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("# orchestrator\n")))

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(doc)))

	got := config.Load(v)
	assert.Equal(t, want, got)
}

func TestBrokers(t *testing.T) {
	cfg := config.Config{KafkaBrokers: " k1:9092, ,k2:9092 "}
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Nil(t, config.Config{}.Brokers())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"zero threshold", func(c *config.Config) { c.Threshold = 0 }, "threshold"},
		{"zero poll interval", func(c *config.Config) { c.PollInterval = 0 }, "poll_interval"},
		{"delta above one", func(c *config.Config) { c.ProgressDelta = 1.5 }, "progress_delta"},
		{"negative hard timeout", func(c *config.Config) { c.HardTimeout = -time.Second }, "hard_timeout"},
		{"rate limit without redis", func(c *config.Config) { c.RateLimit = 10 }, "redis_addr"},
		{"warm start without postgres", func(c *config.Config) { c.WarmStart = true }, "postgres_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
