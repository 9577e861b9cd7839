// bus-loadgen publishes synthetic metric samples onto the telemetry bus so
// telemetryd can be exercised without a trading stack behind it. It emits a
// small fixed universe of series (order counters, PnL gauges, latency
// histogram observations) at a configured rate.
//
// Usage examples:
//
//	bus-loadgen -bus=redis -redis_addr=127.0.0.1:6379 -rate=500 -duration=30s
//	bus-loadgen -rate=100 -strategies=4 -symbols=BTC/USDT,ETH/USDT
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"njord/internal/telemetry/aggregator"
	"njord/internal/telemetry/metric"
	"njord/pkg/bus"
)

func main() {
	var (
		busKind    = flag.String("bus", "memory", "Bus backend: memory|redis (memory is only useful for dry runs)")
		redisAddr  = flag.String("redis_addr", "127.0.0.1:6379", "Redis address for -bus=redis")
		rate       = flag.Int("rate", 100, "Samples per second")
		duration   = flag.Duration("duration", 10*time.Second, "How long to publish (0 = until interrupted)")
		strategies = flag.Int("strategies", 3, "Number of synthetic strategy_id label values")
		symbolsS   = flag.String("symbols", "BTC/USDT,ETH/USDT", "Comma-separated symbol label values")
	)
	flag.Parse()

	if *rate <= 0 || *strategies <= 0 {
		fmt.Fprintln(os.Stderr, "-rate and -strategies must be > 0")
		os.Exit(2)
	}
	symbols := strings.Split(*symbolsS, ",")

	var b bus.Bus
	if *busKind == "redis" {
		b = bus.NewRedisBus(redis.NewClient(&redis.Options{Addr: *redisAddr}))
	} else {
		b = bus.NewMemoryBus()
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	start := time.Now()
	var sent int64
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			elapsed := time.Since(start)
			fmt.Printf("LoadGen: sent=%d duration=%s rate=%.0f samples/s\n",
				sent, elapsed.Truncate(time.Millisecond), float64(sent)/elapsed.Seconds())
			return
		case <-ticker.C:
		}
		s := synthSample(i, *strategies, symbols)
		payload, err := json.Marshal(s)
		if err != nil {
			continue
		}
		if err := b.Publish(ctx, aggregator.MetricsTopic, payload); err != nil {
			fmt.Fprintf(os.Stderr, "publish: %v\n", err)
			continue
		}
		sent++
	}
}

// synthSample rotates deterministically through a counter, two gauges and a
// histogram observation so every family kind gets traffic.
func synthSample(i, strategies int, symbols []string) metric.Sample {
	strategy := fmt.Sprintf("synth_%d", i%strategies)
	symbol := symbols[i%len(symbols)]
	now := time.Now().UnixNano()

	switch i % 4 {
	case 0:
		return metric.Sample{
			Name:        "njord_orders_total",
			Value:       1,
			TimestampNS: now,
			Labels:      map[string]string{"strategy_id": strategy, "symbol": symbol},
			Kind:        metric.KindCounter,
		}
	case 1:
		return metric.Sample{
			Name:        "njord_strategy_pnl_usd",
			Value:       100 * math.Sin(float64(i)/50),
			TimestampNS: now,
			Labels:      map[string]string{"strategy_id": strategy},
			Kind:        metric.KindGauge,
		}
	case 2:
		return metric.Sample{
			Name:        "njord_portfolio_value_usd",
			Value:       100000 + 500*math.Sin(float64(i)/200),
			TimestampNS: now,
			Kind:        metric.KindGauge,
		}
	default:
		return metric.Sample{
			Name:        "njord_order_latency_seconds",
			Value:       0.001 + 0.1*math.Abs(math.Sin(float64(i)/7)),
			TimestampNS: now,
			Labels:      map[string]string{"strategy_id": strategy},
			Kind:        metric.KindHistogram,
		}
	}
}
