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

package aggregator

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"njord/internal/telemetry/journal"
	"njord/internal/telemetry/metric"
	"njord/internal/telemetry/registry"
	"njord/pkg/bus"
)

func newTestAggregator(t *testing.T, cfg Config) (*Aggregator, *registry.Registry) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	return New(cfg, reg, zap.NewNop(), nil), reg
}

func counterSample(name string, value float64, tsNS int64, labels map[string]string) metric.Sample {
	return metric.Sample{Name: name, Value: value, TimestampNS: tsNS, Labels: labels, Kind: metric.KindCounter}
}

func TestAddSample_BucketPlacementInvariant(t *testing.T) {
	a, _ := newTestAggregator(t, Config{IntervalSeconds: 60})
	base := time.Now().UnixNano()
	intervalNS := int64(60) * int64(time.Second)

	for _, off := range []int64{0, 1, intervalNS - 1, intervalNS, 2*intervalNS + 5} {
		ts := base + off
		if err := a.AddSample(counterSample("c", 1, ts, nil)); err != nil {
			t.Fatalf("add: %v", err)
		}
		start := ts - ts%intervalNS
		a.mu.Lock()
		b, ok := a.buckets[start]
		a.mu.Unlock()
		if !ok {
			t.Fatalf("no bucket at start %d for ts %d", start, ts)
		}
		if !b.contains(ts) {
			t.Fatalf("bucket [%d,%d) does not contain %d", b.startNS, b.endNS(), ts)
		}
	}
}

func TestFlush_CounterSumGaugeAverageIntoRegistry(t *testing.T) {
	dir := t.TempDir()
	a, reg := newTestAggregator(t, Config{IntervalSeconds: 60, GracePeriodSeconds: 0, JournalDir: dir})

	// Two counter samples in the same bucket: 10 + 15.
	base := time.Now().Add(-2 * time.Minute).UnixNano()
	base -= base % (60 * int64(time.Second))
	if err := a.AddSample(counterSample("requests_total", 10, base, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.AddSample(counterSample("requests_total", 15, base+30*int64(time.Second), nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Three gauge samples averaging to 20.
	for _, v := range []float64{10, 20, 30} {
		s := metric.Sample{Name: "queue_depth", Value: v, TimestampNS: base, Kind: metric.KindGauge}
		if err := a.AddSample(s); err != nil {
			t.Fatalf("add gauge: %v", err)
		}
	}

	n, err := a.Flush(time.Now())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 bucket flushed, got %d", n)
	}

	c, ok := reg.Counter("requests_total")
	if !ok {
		t.Fatalf("counter not lazily registered")
	}
	if got := c.Value(nil); got != 25 {
		t.Fatalf("counter = %v, want 25", got)
	}
	g, ok := reg.Gauge("queue_depth")
	if !ok {
		t.Fatalf("gauge not lazily registered")
	}
	if got := g.Value(nil); got != 20 {
		t.Fatalf("gauge = %v, want 20", got)
	}

	// One journal record per (bucket, family, label-tuple).
	day := time.Unix(0, base).UTC()
	records, err := journal.ReadFile(filepath.Join(dir, journal.FileName(day, "1m")))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 journal records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.IntervalSeconds != 60 {
			t.Fatalf("interval_seconds = %d, want 60", rec.IntervalSeconds)
		}
		if rec.MetricName == "requests_total" && rec.ValueOf() != 25 {
			t.Fatalf("journalled counter = %v, want 25", rec.ValueOf())
		}
	}
}

func TestFlush_HistogramObservationsReplayed(t *testing.T) {
	a, reg := newTestAggregator(t, Config{IntervalSeconds: 60})
	base := time.Now().Add(-5 * time.Minute).UnixNano()
	for _, v := range []float64{0.004, 0.2, 7} {
		s := metric.Sample{Name: "fill_latency", Value: v, TimestampNS: base, Kind: metric.KindHistogram}
		if err := a.AddSample(s); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := a.Flush(time.Now()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	h, ok := reg.Histogram("fill_latency")
	if !ok {
		t.Fatalf("histogram not lazily registered")
	}
	snap := h.UpperBounds()
	if len(snap) != len(DefaultHistogramBuckets) {
		t.Fatalf("unexpected bounds %v", snap)
	}
}

func TestLateSample_DroppedAfterFlushAbsorbedWithinGrace(t *testing.T) {
	a, reg := newTestAggregator(t, Config{IntervalSeconds: 60, GracePeriodSeconds: 3600})
	base := time.Now().Add(-10 * time.Minute).UnixNano()
	base -= base % (60 * int64(time.Second))

	if err := a.AddSample(counterSample("c", 1, base, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Within the grace window the bucket is still open: absorbed normally.
	if err := a.AddSample(counterSample("c", 2, base+int64(time.Second), nil)); err != nil {
		t.Fatalf("late-but-in-grace sample should be absorbed: %v", err)
	}

	// Force the bucket out (final-style flush ignores grace).
	if _, err := a.flush(time.Now(), true); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// Same window again: now past the flushed watermark.
	if err := a.AddSample(counterSample("c", 4, base, nil)); !errors.Is(err, ErrLateSample) {
		t.Fatalf("expected ErrLateSample, got %v", err)
	}
	c, _ := reg.Counter("c")
	if got := c.Value(nil); got != 3 {
		t.Fatalf("counter = %v, want 3 (late sample must not apply)", got)
	}
}

func TestEviction_DestroysUnflushedBucketsPastRetention(t *testing.T) {
	a, _ := newTestAggregator(t, Config{IntervalSeconds: 60, RetentionHours: 1})
	old := time.Now().Add(-3 * time.Hour).UnixNano()
	if err := a.AddSample(counterSample("c", 1, old, nil)); err != nil {
		t.Fatalf("add old: %v", err)
	}
	// The next AddSample call triggers eviction of the stale bucket.
	if err := a.AddSample(counterSample("c", 1, time.Now().UnixNano(), nil)); err != nil {
		t.Fatalf("add fresh: %v", err)
	}
	if got := a.BucketCount(); got != 1 {
		t.Fatalf("expected stale bucket evicted, have %d buckets", got)
	}
}

func TestStart_ConsumesFromBusAndStops(t *testing.T) {
	a, reg := newTestAggregator(t, Config{IntervalSeconds: 60, FlushIntervalSeconds: 3600})
	mb := bus.NewMemoryBus()
	defer mb.Close()

	if err := a.Start(context.Background(), mb); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Now().Add(-2 * time.Minute).UnixNano()
	if err := bus.PublishJSON(context.Background(), mb, MetricsTopic, counterSample("bus_total", 7, ts, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Malformed payload must be dropped without killing the consumer.
	_ = mb.Publish(context.Background(), MetricsTopic, []byte(`{"broken":`))

	deadline := time.Now().Add(2 * time.Second)
	for a.BucketCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.BucketCount() == 0 {
		t.Fatalf("sample never consumed from bus")
	}

	// Stop performs the final flush.
	a.Stop()
	c, ok := reg.Counter("bus_total")
	if !ok || c.Value(nil) != 7 {
		t.Fatalf("final flush did not apply bus sample")
	}
}

func TestDownsampleToInterval(t *testing.T) {
	minNS := int64(time.Minute)
	rec := func(ts int64, name, typ string, v float64) journal.Record {
		return journal.ScalarRecord(ts, name, typ, nil, v, 60)
	}
	records := []journal.Record{
		rec(0*minNS, "c", "counter", 5),
		rec(1*minNS, "c", "counter", 7),
		rec(5*minNS, "c", "counter", 11),
		rec(0*minNS, "g", "gauge", 10),
		rec(2*minNS, "g", "gauge", 30),
		{TimestampNS: 0, MetricName: "h", MetricType: "histogram", Observations: []float64{1, 2}, IntervalSeconds: 60},
		{TimestampNS: 3 * minNS, MetricName: "h", MetricType: "histogram", Observations: []float64{3}, IntervalSeconds: 60},
	}
	out := DownsampleToInterval(records, 300)
	byKey := map[string]journal.Record{}
	for _, r := range out {
		byKey[r.MetricName+"@"+time.Unix(0, r.TimestampNS).UTC().Format("15:04")] = r
	}

	c0 := byKey["c@00:00"]
	if got := c0.ValueOf(); got != 12 {
		t.Fatalf("counter bucket 0 = %v, want 12", got)
	}
	c5 := byKey["c@00:05"]
	if got := c5.ValueOf(); got != 11 {
		t.Fatalf("counter bucket 5m = %v, want 11", got)
	}
	g0 := byKey["g@00:00"]
	if got := g0.ValueOf(); math.Abs(got-20) > 1e-12 {
		t.Fatalf("gauge average = %v, want 20", got)
	}
	h := byKey["h@00:00"]
	if len(h.Observations) != 3 {
		t.Fatalf("histogram observations = %v, want 3 preserved one-to-one", h.Observations)
	}
	for _, r := range out {
		if r.IntervalSeconds != 300 {
			t.Fatalf("output interval = %d, want 300", r.IntervalSeconds)
		}
	}
	// Purity: a second run over the same input is identical.
	out2 := DownsampleToInterval(records, 300)
	if len(out2) != len(out) {
		t.Fatalf("non-deterministic output size")
	}
}
