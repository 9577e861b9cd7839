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

// Package aggregator accumulates metric samples from the bus into
// time-aligned buckets and periodically drains fully-closed buckets into
// the shared registry and the aggregated journal.
//
// A sample with timestamp ts lands in the bucket starting at
// floor(ts / interval) * interval. Counters accumulate as sums, gauges as
// (running_sum, n) averaged on flush, histograms as raw observations
// replayed into the registry histogram on flush. Samples arriving for a
// bucket that was already flushed are dropped; the grace period exists so
// that modestly late samples still find their bucket alive.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"njord/internal/telemetry/journal"
	"njord/internal/telemetry/metric"
	"njord/internal/telemetry/ops"
	"njord/internal/telemetry/registry"
	"njord/pkg/bus"
)

// MetricsTopic is the bus topic the aggregator consumes.
const MetricsTopic = "telemetry.metrics"

// DefaultHistogramBuckets are the bounds used when the aggregator lazily
// registers a histogram family the registry has not seen yet.
var DefaultHistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Config are the aggregator's timing knobs, all in seconds.
type Config struct {
	IntervalSeconds      int    `yaml:"interval_seconds"`       // bucket width (default 60)
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"` // background flush cadence (default 10)
	GracePeriodSeconds   int    `yaml:"grace_period_seconds"`   // how long past bucket end late samples are accepted
	RetentionHours       int    `yaml:"retention_hours"`        // unflushed buckets older than this are destroyed
	JournalDir           string `yaml:"journal_dir"`
}

func (c Config) withDefaults() Config {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 60
	}
	if c.FlushIntervalSeconds <= 0 {
		c.FlushIntervalSeconds = 10
	}
	if c.RetentionHours <= 0 {
		c.RetentionHours = 24
	}
	return c
}

// seriesAcc is the accumulated state of one (metric, label-tuple) within a
// bucket. Exactly one of the three parts is used, per the metric kind.
type seriesAcc struct {
	name   string
	labels map[string]string

	counterSum float64

	gaugeSum float64
	gaugeN   int64

	observations []float64
}

// bucket is one half-open [start, start+interval) accumulation window with
// three partial stores keyed by series.
type bucket struct {
	startNS    int64
	intervalNS int64

	counters   map[string]*seriesAcc
	gauges     map[string]*seriesAcc
	histograms map[string]*seriesAcc
}

func newBucket(startNS, intervalNS int64) *bucket {
	return &bucket{
		startNS:    startNS,
		intervalNS: intervalNS,
		counters:   make(map[string]*seriesAcc),
		gauges:     make(map[string]*seriesAcc),
		histograms: make(map[string]*seriesAcc),
	}
}

func (b *bucket) endNS() int64 { return b.startNS + b.intervalNS }

// contains reports whether ts falls inside the bucket's window.
func (b *bucket) contains(tsNS int64) bool {
	return b.startNS <= tsNS && tsNS < b.endNS()
}

func acc(store map[string]*seriesAcc, s metric.Sample) *seriesAcc {
	key := metric.SeriesKey(s.Name, s.Labels)
	a, ok := store[key]
	if !ok {
		a = &seriesAcc{name: s.Name, labels: metric.CopyLabels(s.Labels)}
		store[key] = a
	}
	return a
}

// Aggregator owns the bucket map. One mutex guards both the bus-consumer
// ingest path and the flush timer; neither holds the lock across I/O other
// than registry handle calls.
type Aggregator struct {
	cfg    Config
	reg    *registry.Registry
	logger *zap.Logger
	opsm   *ops.Metrics

	mu      sync.Mutex
	buckets map[int64]*bucket
	// flushedBefore is the watermark below which bucket windows have been
	// drained; samples for those windows are late and dropped.
	flushedBefore int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an aggregator writing flushed buckets into reg and the
// journal under cfg.JournalDir.
func New(cfg Config, reg *registry.Registry, logger *zap.Logger, opsm *ops.Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		logger:   logger,
		opsm:     opsm,
		buckets:  make(map[int64]*bucket),
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to the metrics topic and launches the consume and flush
// loops. Stop shuts both down and performs a final flush of every bucket.
func (a *Aggregator) Start(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe(ctx, MetricsTopic)
	if err != nil {
		return fmt.Errorf("aggregator: subscribe: %w", err)
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		defer sub.Close()
		a.consumeLoop(sub)
	}()
	go func() {
		defer a.wg.Done()
		a.flushLoop()
	}()
	return nil
}

// Stop terminates the background loops, waits for them, and drains every
// remaining bucket regardless of grace so shutdown loses nothing that was
// already closed out.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
	a.wg.Wait()
	if n, err := a.flush(time.Now(), true); err != nil {
		a.logger.Warn("final flush failed", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("final flush complete", zap.Int("buckets", n))
	}
}

func (a *Aggregator) consumeLoop(sub bus.Subscription) {
	for {
		select {
		case <-a.stopChan:
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			s, err := metric.ParseSample(msg.Payload)
			if err != nil {
				a.logger.Warn("dropping malformed metric payload", zap.Error(err))
				a.opsm.DropSample("protocol")
				continue
			}
			a.opsm.ConsumeSample()
			if err := a.AddSample(s); err != nil {
				a.opsm.DropSample("late")
			}
		}
	}
}

func (a *Aggregator) flushLoop() {
	ticker := time.NewTicker(time.Duration(a.cfg.FlushIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			n, err := a.flush(start, false)
			if err != nil {
				a.logger.Warn("flush pass failed", zap.Error(err))
			}
			a.opsm.FlushObserved(time.Since(start).Seconds(), n)
		}
	}
}

// ErrLateSample marks a sample whose bucket was already flushed.
var ErrLateSample = errors.New("aggregator: sample older than flushed watermark")

// AddSample places s into its bucket. Buckets past retention+grace are
// destroyed on every call, flushed or not, bounding memory if a downstream
// consumer stalls.
func (a *Aggregator) AddSample(s metric.Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	intervalNS := int64(a.cfg.IntervalSeconds) * int64(time.Second)
	start := s.TimestampNS - s.TimestampNS%intervalNS

	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictExpiredLocked(time.Now())

	if start+intervalNS <= a.flushedBefore {
		return ErrLateSample
	}
	b, ok := a.buckets[start]
	if !ok {
		b = newBucket(start, intervalNS)
		a.buckets[start] = b
	}
	switch s.Kind {
	case metric.KindCounter:
		acc(b.counters, s).counterSum += s.Value
	case metric.KindGauge:
		ga := acc(b.gauges, s)
		ga.gaugeSum += s.Value
		ga.gaugeN++
	case metric.KindHistogram, metric.KindSummary:
		// Summaries re-aggregate like histograms: raw observations replayed
		// at flush.
		ha := acc(b.histograms, s)
		ha.observations = append(ha.observations, s.Value)
	}
	return nil
}

// evictExpiredLocked destroys buckets older than retention+grace, even if
// they were never flushed.
func (a *Aggregator) evictExpiredLocked(now time.Time) {
	cutoff := now.UnixNano() -
		int64(a.cfg.RetentionHours)*int64(time.Hour) -
		int64(a.cfg.GracePeriodSeconds)*int64(time.Second)
	evicted := 0
	for start, b := range a.buckets {
		if b.endNS() < cutoff {
			delete(a.buckets, start)
			evicted++
		}
	}
	if evicted > 0 {
		a.opsm.BucketEvicted(evicted)
		a.logger.Warn("destroyed expired buckets past retention", zap.Int("buckets", evicted))
	}
}

// Flush drains buckets whose window closed before now-grace. Exposed for
// tests and for synchronous callers; the background loop calls it on every
// tick.
func (a *Aggregator) Flush(now time.Time) (int, error) {
	return a.flush(now, false)
}

func (a *Aggregator) flush(now time.Time, all bool) (int, error) {
	graceNS := int64(a.cfg.GracePeriodSeconds) * int64(time.Second)

	a.mu.Lock()
	var drained []*bucket
	for start, b := range a.buckets {
		if all || b.endNS() < now.UnixNano()-graceNS {
			drained = append(drained, b)
			delete(a.buckets, start)
		}
	}
	for _, b := range drained {
		if b.endNS() > a.flushedBefore {
			a.flushedBefore = b.endNS()
		}
		// Registry handle calls involve no I/O; the aggregator lock is held
		// across the registry transition so ingest cannot interleave with a
		// half-applied bucket.
		a.applyToRegistry(b)
	}
	a.mu.Unlock()

	// Journal writes happen outside the lock.
	sort.Slice(drained, func(i, j int) bool { return drained[i].startNS < drained[j].startNS })
	var firstErr error
	for _, b := range drained {
		if err := a.journalBucket(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(drained), firstErr
}

// applyToRegistry lazily registers each family and applies the bucket's
// accumulated values. Pre-existing registrations are honoured; label
// mismatches against an earlier registration are logged and skipped.
func (a *Aggregator) applyToRegistry(b *bucket) {
	for _, acc := range b.counters {
		f, err := a.reg.RegisterCounter(acc.name, autoHelp(acc.name), labelNames(acc.labels))
		if err != nil {
			a.logger.Warn("cannot register counter", zap.String("metric", acc.name), zap.Error(err))
			continue
		}
		if err := f.Inc(acc.labels, acc.counterSum); err != nil {
			a.logger.Warn("cannot apply counter", zap.String("metric", acc.name), zap.Error(err))
		}
	}
	for _, acc := range b.gauges {
		f, err := a.reg.RegisterGauge(acc.name, autoHelp(acc.name), labelNames(acc.labels))
		if err != nil {
			a.logger.Warn("cannot register gauge", zap.String("metric", acc.name), zap.Error(err))
			continue
		}
		if err := f.Set(acc.labels, acc.gaugeSum/float64(acc.gaugeN)); err != nil {
			a.logger.Warn("cannot apply gauge", zap.String("metric", acc.name), zap.Error(err))
		}
	}
	for _, acc := range b.histograms {
		f, err := a.reg.RegisterHistogram(acc.name, autoHelp(acc.name), labelNames(acc.labels), DefaultHistogramBuckets)
		if err != nil {
			a.logger.Warn("cannot register histogram", zap.String("metric", acc.name), zap.Error(err))
			continue
		}
		for _, v := range acc.observations {
			if err := f.Observe(acc.labels, v); err != nil {
				a.logger.Warn("cannot apply histogram observation", zap.String("metric", acc.name), zap.Error(err))
				break
			}
		}
	}
}

// journalBucket serializes one record per (family, label-tuple) into the
// aggregated journal.
func (a *Aggregator) journalBucket(b *bucket) error {
	if a.cfg.JournalDir == "" {
		return nil
	}
	intervalSec := int(b.intervalNS / int64(time.Second))
	var records []journal.Record
	for _, acc := range b.counters {
		records = append(records, journal.ScalarRecord(b.startNS, acc.name, string(metric.KindCounter), acc.labels, acc.counterSum, intervalSec))
	}
	for _, acc := range b.gauges {
		records = append(records, journal.ScalarRecord(b.startNS, acc.name, string(metric.KindGauge), acc.labels, acc.gaugeSum/float64(acc.gaugeN), intervalSec))
	}
	for _, acc := range b.histograms {
		records = append(records, journal.Record{
			TimestampNS:     b.startNS,
			MetricName:      acc.name,
			MetricType:      string(metric.KindHistogram),
			Labels:          acc.labels,
			Observations:    acc.observations,
			IntervalSeconds: intervalSec,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].MetricName != records[j].MetricName {
			return records[i].MetricName < records[j].MetricName
		}
		return metric.LabelKey(records[i].Labels) < metric.LabelKey(records[j].Labels)
	})

	resolution, ok := journal.ResolutionForInterval(intervalSec)
	if !ok {
		resolution = fmt.Sprintf("%ds", intervalSec)
	}
	day := time.Unix(0, b.startNS).UTC()
	return journal.Append(a.cfg.JournalDir, day, resolution, records)
}

// BucketCount reports the number of live buckets, for tests and ops.
func (a *Aggregator) BucketCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func autoHelp(name string) string {
	return "aggregated metric " + name
}
