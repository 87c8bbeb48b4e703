package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/estimator"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/handlers"
	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/config"
)

const simulatedSteps = 10

// buildRegistry gives every category a handler: the configured HTTP endpoint
// when there is one, otherwise a simulation lasting the category's estimate.
func buildRegistry(cfg config.Config, est *estimator.Estimator) (*handlers.Registry, error) {
	endpoints := make(map[domain.Category]string, len(cfg.HandlerEndpoints))
	for name, url := range cfg.HandlerEndpoints {
		c, ok := domain.ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("handler_endpoints: unknown category %q", name)
		}
		endpoints[c] = url
	}

	client := &http.Client{Timeout: cfg.HandlerTimeout}
	reg := handlers.NewRegistry()
	for _, c := range domain.Categories() {
		if url, ok := endpoints[c]; ok {
			reg.Register(handlers.NewHTTPHandler(c, url,
				handlers.WithHTTPClient(client),
				handlers.WithAttempts(cfg.HandlerAttempts),
			))
			continue
		}
		d := time.Duration(float64(est.Estimate(c)) * cfg.SimulateScale)
		reg.Register(handlers.NewSimulated(c, d, simulatedSteps))
	}
	return reg, nil
}

// durationSource is the slice of the execution history warm start reads.
type durationSource interface {
	RecentDurations(ctx context.Context, category domain.Category, limit int) ([]time.Duration, error)
}

// warmStart seeds est with the durations recorded by earlier runs. A failing
// category is logged and skipped.
func warmStart(ctx context.Context, est *estimator.Estimator, src durationSource, limit int, logger *slog.Logger) int {
	seeded := 0
	for _, c := range domain.Categories() {
		samples, err := src.RecentDurations(ctx, c, limit)
		if err != nil {
			logger.Warn("warm start failed",
				slog.String("category", string(c)),
				slog.String("error", err.Error()),
			)
			continue
		}
		est.Seed(c, samples...)
		seeded += len(samples)
	}
	return seeded
}

// reloadThreshold applies a changed threshold without a restart.
func reloadThreshold(est *estimator.Estimator, next time.Duration, logger *slog.Logger) {
	prev := est.Threshold()
	if next <= 0 || next == prev {
		return
	}
	est.SetThreshold(next)
	logger.Info("threshold reloaded",
		slog.Duration("previous", prev),
		slog.Duration("threshold", next),
	)
}

func describeStores(cfg config.Config) string {
	on := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf("redis=%s kafka=%s postgres=%s",
		on(cfg.RedisAddr != ""), on(len(cfg.Brokers()) > 0), on(cfg.PostgresDSN != ""))
}
