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

package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	"go.uber.org/zap"

	"njord/internal/telemetry/metric"
)

// validateLabels checks that the presented label map matches the family's
// declared label names exactly: same key set, no extras, no omissions.
func validateLabels(declared []string, presented map[string]string) error {
	if len(presented) != len(declared) {
		return fmt.Errorf("%w: got %d labels, want %d", ErrLabelMismatch, len(presented), len(declared))
	}
	for _, name := range declared {
		if _, ok := presented[name]; !ok {
			return fmt.Errorf("%w: missing label %q", ErrLabelMismatch, name)
		}
	}
	return nil
}

// cardinalityGuard bounds the number of distinct label-sets per family.
// Crossing the warn threshold logs once; crossing the hard maximum evicts
// the least-recently-updated series to admit the new one.
type cardinalityGuard struct {
	warnAt int
	maxAt  int
	warned bool
}

// admit is called with the family lock held, before inserting a new series.
// It returns the key of a series to evict, or "" when no eviction is needed.
func (g *cardinalityGuard) admit(name string, size int, lastUpdate func() (string, bool), logger *zap.Logger) string {
	if !g.warned && size >= g.warnAt {
		g.warned = true
		logger.Warn("metric family cardinality above warning threshold",
			zap.String("metric", name),
			zap.Int("label_sets", size),
			zap.Int("threshold", g.warnAt))
	}
	if size < g.maxAt {
		return ""
	}
	victim, ok := lastUpdate()
	if !ok {
		return ""
	}
	logger.Warn("metric family cardinality above maximum, evicting stalest series",
		zap.String("metric", name),
		zap.String("series", victim),
		zap.Int("max", g.maxAt))
	return victim
}

// CounterFamily is a monotone float accumulator per label-set.
type CounterFamily struct {
	name       string
	help       string
	labelNames []string

	mu     sync.Mutex
	series map[string]*counterSeries
	guard  cardinalityGuard
	logger *zap.Logger
}

type counterSeries struct {
	labels  map[string]string
	value   float64
	updated int64
}

// Name returns the family name.
func (f *CounterFamily) Name() string { return f.name }

// Inc adds delta to the series identified by labels. Negative deltas fail
// with ErrNegativeDelta; counters only move forward.
func (f *CounterFamily) Inc(labels map[string]string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("%w: %s delta %v", ErrNegativeDelta, f.name, delta)
	}
	if err := validateLabels(f.labelNames, labels); err != nil {
		return err
	}
	key := metric.LabelKey(labels)

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[key]
	if !ok {
		s = &counterSeries{labels: metric.CopyLabels(labels)}
		f.admitSeries(key)
		f.series[key] = s
	}
	s.value += delta
	s.updated = time.Now().UnixNano()
	return nil
}

// Value returns the current value for a label-set, or 0 when unobserved.
func (f *CounterFamily) Value(labels map[string]string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[metric.LabelKey(labels)]; ok {
		return s.value
	}
	return 0
}

func (f *CounterFamily) admitSeries(newKey string) {
	victim := f.guard.admit(f.name, len(f.series), func() (string, bool) {
		return stalestKey(f.series, func(s *counterSeries) int64 { return s.updated })
	}, f.logger)
	if victim != "" && victim != newKey {
		delete(f.series, victim)
	}
}

func (f *CounterFamily) collect() FamilySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := FamilySnapshot{
		Name:       f.name,
		Help:       f.help,
		Kind:       metric.KindCounter,
		LabelNames: append([]string(nil), f.labelNames...),
	}
	for key, s := range f.series {
		snap.Series = append(snap.Series, SeriesSnapshot{
			Key:    key,
			Labels: metric.CopyLabels(s.labels),
			Value:  s.value,
		})
	}
	sortSeries(snap.Series)
	return snap
}

// GaugeFamily is an unrestricted float per label-set.
type GaugeFamily struct {
	name       string
	help       string
	labelNames []string

	mu     sync.Mutex
	series map[string]*gaugeSeries
	guard  cardinalityGuard
	logger *zap.Logger
}

type gaugeSeries struct {
	labels  map[string]string
	value   float64
	updated int64
}

// Name returns the family name.
func (f *GaugeFamily) Name() string { return f.name }

// Set replaces the value for a label-set.
func (f *GaugeFamily) Set(labels map[string]string, v float64) error {
	return f.apply(labels, func(s *gaugeSeries) { s.value = v })
}

// Inc adds delta (which may be negative) to the value for a label-set.
func (f *GaugeFamily) Inc(labels map[string]string, delta float64) error {
	return f.apply(labels, func(s *gaugeSeries) { s.value += delta })
}

// Dec subtracts delta from the value for a label-set.
func (f *GaugeFamily) Dec(labels map[string]string, delta float64) error {
	return f.apply(labels, func(s *gaugeSeries) { s.value -= delta })
}

// Value returns the current value for a label-set, or 0 when unobserved.
func (f *GaugeFamily) Value(labels map[string]string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[metric.LabelKey(labels)]; ok {
		return s.value
	}
	return 0
}

func (f *GaugeFamily) apply(labels map[string]string, fn func(*gaugeSeries)) error {
	if err := validateLabels(f.labelNames, labels); err != nil {
		return err
	}
	key := metric.LabelKey(labels)

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[key]
	if !ok {
		s = &gaugeSeries{labels: metric.CopyLabels(labels)}
		victim := f.guard.admit(f.name, len(f.series), func() (string, bool) {
			return stalestKey(f.series, func(s *gaugeSeries) int64 { return s.updated })
		}, f.logger)
		if victim != "" && victim != key {
			delete(f.series, victim)
		}
		f.series[key] = s
	}
	fn(s)
	s.updated = time.Now().UnixNano()
	return nil
}

func (f *GaugeFamily) collect() FamilySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := FamilySnapshot{
		Name:       f.name,
		Help:       f.help,
		Kind:       metric.KindGauge,
		LabelNames: append([]string(nil), f.labelNames...),
	}
	for key, s := range f.series {
		snap.Series = append(snap.Series, SeriesSnapshot{
			Key:    key,
			Labels: metric.CopyLabels(s.labels),
			Value:  s.value,
		})
	}
	sortSeries(snap.Series)
	return snap
}

// HistogramFamily accumulates observations into fixed, strictly-ascending
// buckets. Bucket counts are stored cumulatively, matching the exposition
// format's `le` semantics.
type HistogramFamily struct {
	name        string
	help        string
	labelNames  []string
	upperBounds []float64

	mu     sync.Mutex
	series map[string]*histogramSeries
	guard  cardinalityGuard
	logger *zap.Logger
}

type histogramSeries struct {
	labels  map[string]string
	counts  []uint64 // cumulative, one per upper bound
	sum     float64
	count   uint64
	updated int64
}

// Name returns the family name.
func (f *HistogramFamily) Name() string { return f.name }

// UpperBounds returns the declared bucket bounds.
func (f *HistogramFamily) UpperBounds() []float64 {
	return append([]float64(nil), f.upperBounds...)
}

// Observe records one observation for a label-set. The observation is
// atomic with respect to the bucket counts, _sum and _count.
func (f *HistogramFamily) Observe(labels map[string]string, v float64) error {
	if err := validateLabels(f.labelNames, labels); err != nil {
		return err
	}
	key := metric.LabelKey(labels)

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[key]
	if !ok {
		s = &histogramSeries{
			labels: metric.CopyLabels(labels),
			counts: make([]uint64, len(f.upperBounds)),
		}
		victim := f.guard.admit(f.name, len(f.series), func() (string, bool) {
			return stalestKey(f.series, func(s *histogramSeries) int64 { return s.updated })
		}, f.logger)
		if victim != "" && victim != key {
			delete(f.series, victim)
		}
		f.series[key] = s
	}
	for i, ub := range f.upperBounds {
		if v <= ub {
			s.counts[i]++
		}
	}
	s.sum += v
	s.count++
	s.updated = time.Now().UnixNano()
	return nil
}

func (f *HistogramFamily) collect() FamilySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := FamilySnapshot{
		Name:        f.name,
		Help:        f.help,
		Kind:        metric.KindHistogram,
		LabelNames:  append([]string(nil), f.labelNames...),
		UpperBounds: append([]float64(nil), f.upperBounds...),
	}
	for key, s := range f.series {
		snap.Series = append(snap.Series, SeriesSnapshot{
			Key:              key,
			Labels:           metric.CopyLabels(s.labels),
			CumulativeCounts: append([]uint64(nil), s.counts...),
			Sum:              s.sum,
			Count:            s.count,
		})
	}
	sortSeries(snap.Series)
	return snap
}

// SummaryQuantiles are the quantiles estimated by every summary family,
// with their permitted estimation error.
var SummaryQuantiles = map[float64]float64{
	0.5:  0.05,
	0.9:  0.01,
	0.99: 0.001,
}

// SummaryFamily estimates quantiles per label-set using a streaming
// estimator (beorn7/perks), alongside exact _sum and _count.
type SummaryFamily struct {
	name       string
	help       string
	labelNames []string

	mu     sync.Mutex
	series map[string]*summarySeries
	guard  cardinalityGuard
	logger *zap.Logger
}

type summarySeries struct {
	labels  map[string]string
	stream  *quantile.Stream
	sum     float64
	count   uint64
	updated int64
}

// Name returns the family name.
func (f *SummaryFamily) Name() string { return f.name }

// Observe records one observation for a label-set.
func (f *SummaryFamily) Observe(labels map[string]string, v float64) error {
	if err := validateLabels(f.labelNames, labels); err != nil {
		return err
	}
	key := metric.LabelKey(labels)

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[key]
	if !ok {
		s = &summarySeries{
			labels: metric.CopyLabels(labels),
			stream: quantile.NewTargeted(SummaryQuantiles),
		}
		victim := f.guard.admit(f.name, len(f.series), func() (string, bool) {
			return stalestKey(f.series, func(s *summarySeries) int64 { return s.updated })
		}, f.logger)
		if victim != "" && victim != key {
			delete(f.series, victim)
		}
		f.series[key] = s
	}
	s.stream.Insert(v)
	s.sum += v
	s.count++
	s.updated = time.Now().UnixNano()
	return nil
}

func (f *SummaryFamily) collect() FamilySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs := make([]float64, 0, len(SummaryQuantiles))
	for q := range SummaryQuantiles {
		qs = append(qs, q)
	}
	sort.Float64s(qs)

	snap := FamilySnapshot{
		Name:       f.name,
		Help:       f.help,
		Kind:       metric.KindSummary,
		LabelNames: append([]string(nil), f.labelNames...),
		Quantiles:  qs,
	}
	for key, s := range f.series {
		est := make(map[float64]float64, len(qs))
		for _, q := range qs {
			est[q] = s.stream.Query(q)
		}
		snap.Series = append(snap.Series, SeriesSnapshot{
			Key:               key,
			Labels:            metric.CopyLabels(s.labels),
			QuantileEstimates: est,
			Sum:               s.sum,
			Count:             s.count,
		})
	}
	sortSeries(snap.Series)
	return snap
}

// stalestKey returns the key with the smallest updated timestamp.
func stalestKey[T any](series map[string]*T, updated func(*T) int64) (string, bool) {
	var (
		victim string
		oldest int64
		found  bool
	)
	for key, s := range series {
		ts := updated(s)
		if !found || ts < oldest {
			victim, oldest, found = key, ts, true
		}
	}
	return victim, found
}

func sortSeries(s []SeriesSnapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].Key < s[j].Key })
}
