// Copyright 2025 The Njord Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// telemetryd is the njord telemetry service: it consumes metric samples
// from the bus, aggregates them into time buckets, serves /metrics and the
// SSE dashboard, evaluates alert rules, applies journal retention, and
// hot-reloads its configuration.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"njord/internal/config"
	"njord/internal/telemetry/aggregator"
	"njord/internal/telemetry/alerts"
	"njord/internal/telemetry/ops"
	"njord/internal/telemetry/registry"
	"njord/internal/telemetry/retention"
	"njord/internal/telemetry/scrape"
	"njord/pkg/bus"
)

// retentionInterval is how often the retention pass runs when a policy is
// configured. Passes are cheap on an already-clean journal dir.
const retentionInterval = time.Hour

func main() {
	configRoot := flag.String("config-root", ".", "Directory holding base.yaml and secrets.enc")
	bindHost := flag.String("bind-host", "", "Scrape bind host (overrides config)")
	port := flag.Int("port", 0, "Scrape port (overrides config)")
	busKind := flag.String("bus", "", "Bus backend: memory or redis (overrides config)")
	redisAddr := flag.String("redis-addr", "", "Redis address when --bus=redis (overrides config)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *configRoot, *bindHost, *port, *busKind, *redisAddr); err != nil {
		logger.Error("telemetryd failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, configRoot, bindHost string, port int, busKind, redisAddr string) error {
	cfg, err := config.Load(configRoot)
	if err != nil {
		return err
	}
	if busKind == "" {
		busKind = cfg.Bus.Kind
	}
	if redisAddr == "" {
		redisAddr = cfg.Bus.RedisAddr
	}
	if bindHost != "" {
		cfg.Telemetry.Scrape.BindHost = bindHost
	}
	if port != 0 {
		cfg.Telemetry.Scrape.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBus(busKind, redisAddr, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	opsm := ops.New()
	reg := registry.New(logger)

	agg := aggregator.New(cfg.Telemetry.Aggregator, reg, logger, opsm)
	if err := agg.Start(ctx, b); err != nil {
		return err
	}
	defer agg.Stop()

	consumer := scrape.NewConsumer(reg, logger, opsm)
	if err := consumer.Start(ctx, b, aggregator.MetricsTopic); err != nil {
		return err
	}
	defer consumer.Stop()

	evaluator, err := startAlerts(ctx, cfg, configRoot, b, logger, opsm)
	if err != nil {
		return err
	}
	if evaluator != nil {
		defer evaluator.Stop()
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if len(cfg.Telemetry.Retention.Tiers) > 0 && cfg.Telemetry.Aggregator.JournalDir != "" {
		engine, err := retention.NewEngine(cfg.Telemetry.Aggregator.JournalDir, cfg.Telemetry.Retention, logger)
		if err != nil {
			return err
		}
		group.Go(func() error {
			engine.RunEvery(groupCtx, retentionInterval)
			return nil
		})
	}

	reloader, err := startReloader(groupCtx, cfg, configRoot, b, evaluator, logger, opsm)
	if err != nil {
		return err
	}
	defer reloader.Stop()

	server := scrape.NewServer(cfg.Telemetry.Scrape, reg, logger, opsm)
	group.Go(func() error {
		return server.ListenAndServe(groupCtx)
	})

	logger.Info("telemetryd up",
		zap.String("config_root", configRoot),
		zap.String("bus", busKind),
		zap.String("bind_host", cfg.Telemetry.Scrape.BindHost),
		zap.Int("port", cfg.Telemetry.Scrape.Port))

	err = group.Wait()
	if ctx.Err() != nil {
		// Signal-driven shutdown is the clean path.
		logger.Info("telemetryd stopped")
		return nil
	}
	return err
}

// openBus builds the configured bus backend. Empty kind means in-memory.
func openBus(kind, redisAddr string, logger *zap.Logger) (bus.Bus, error) {
	switch kind {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		logger.Info("using redis bus", zap.String("addr", redisAddr))
		return bus.NewRedisBus(client), nil
	default:
		return bus.NewMemoryBus(), nil
	}
}

// startAlerts loads the rules file (relative paths resolve against the
// config root) and starts the evaluator. No rules file, no evaluator.
func startAlerts(ctx context.Context, cfg *config.Config, configRoot string, b bus.Bus, logger *zap.Logger, opsm *ops.Metrics) (*alerts.Evaluator, error) {
	path := cfg.Telemetry.AlertRulesFile
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(configRoot, path)
	}
	rules, err := alerts.LoadRules(path)
	if err != nil {
		return nil, err
	}
	evaluator := alerts.NewEvaluator(rules, b, logger, opsm)
	if err := evaluator.Start(ctx, b, aggregator.MetricsTopic); err != nil {
		return nil, err
	}
	logger.Info("alert evaluator started", zap.Int("rules", len(rules)))
	return evaluator, nil
}

// startReloader watches the config root and swaps alert rules in on each
// successful reload. Falls back to polling when inotify is unavailable.
func startReloader(ctx context.Context, cfg *config.Config, configRoot string, b bus.Bus, evaluator *alerts.Evaluator, logger *zap.Logger, opsm *ops.Metrics) (*config.Reloader, error) {
	var watcher config.Watcher
	watcher, err := config.NewNotifyWatcher(configRoot, logger)
	if err != nil {
		logger.Warn("fsnotify unavailable, polling config", zap.Error(err))
		watcher = config.NewPollWatcher(configRoot,
			time.Duration(cfg.Telemetry.PollIntervalSeconds)*time.Second, logger)
	}
	reloader := config.NewReloader(configRoot, watcher, b, logger, opsm,
		config.WithReloadCallback(func(next *config.Config) {
			if evaluator == nil || next.Telemetry.AlertRulesFile == "" {
				return
			}
			path := next.Telemetry.AlertRulesFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(configRoot, path)
			}
			rules, err := alerts.LoadRules(path)
			if err != nil {
				logger.Warn("keeping previous alert rules", zap.Error(err))
				return
			}
			evaluator.ReplaceRules(rules)
			logger.Info("alert rules reloaded", zap.Int("rules", len(rules)))
		}))
	if err := reloader.Start(ctx); err != nil {
		return nil, err
	}
	return reloader, nil
}
