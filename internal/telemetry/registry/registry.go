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

// Package registry implements the shared in-process metric store: typed
// counter, gauge, histogram and summary families indexed by label-set.
//
// The registry's lifecycle is "created at boot, torn down at shutdown".
// Families are created lazily by whoever registers first and are never
// destroyed; individual label-sets live for the process lifetime unless the
// cardinality guard evicts one. All registration goes through a single
// mutex; per-family mutation takes only that family's lock. Neither lock is
// ever held across I/O.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"njord/internal/telemetry/metric"
)

// Validation and registration errors.
var (
	ErrAlreadyRegistered = errors.New("registry: name already registered with a different kind")
	ErrLabelMismatch     = errors.New("registry: label mismatch")
	ErrNegativeDelta     = errors.New("registry: negative counter delta")
	ErrInvalidBuckets    = errors.New("registry: histogram buckets must be non-empty and strictly ascending")
	ErrEmptyName         = errors.New("registry: empty metric name")
)

// Defaults for the per-family cardinality guard.
const (
	DefaultCardinalityWarn = 100
	DefaultCardinalityMax  = 128
)

// Registry is the process-wide metric store shared by the aggregator, the
// scraper's bus consumer and the scraper's HTTP handlers.
type Registry struct {
	mu         sync.Mutex
	kinds      map[string]metric.Kind
	counters   map[string]*CounterFamily
	gauges     map[string]*GaugeFamily
	histograms map[string]*HistogramFamily
	summaries  map[string]*SummaryFamily

	logger  *zap.Logger
	warnAt  int
	maxCard int
}

// Option configures a Registry.
type Option func(*Registry)

// WithCardinalityLimits overrides the warn threshold and hard maximum for
// distinct label-sets per family.
func WithCardinalityLimits(warn, max int) Option {
	return func(r *Registry) {
		if warn > 0 {
			r.warnAt = warn
		}
		if max > 0 {
			r.maxCard = max
		}
	}
}

// New creates an empty registry. The cardinality tracker is a field of the
// registry, not process state, so tests can build isolated registries.
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		kinds:      make(map[string]metric.Kind),
		counters:   make(map[string]*CounterFamily),
		gauges:     make(map[string]*GaugeFamily),
		histograms: make(map[string]*HistogramFamily),
		summaries:  make(map[string]*SummaryFamily),
		logger:     logger,
		warnAt:     DefaultCardinalityWarn,
		maxCard:    DefaultCardinalityMax,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// checkName reserves name for kind, honouring a pre-existing registration of
// the same kind. Called with r.mu held.
func (r *Registry) checkName(name string, kind metric.Kind) (existing bool, err error) {
	if name == "" {
		return false, ErrEmptyName
	}
	if prev, ok := r.kinds[name]; ok {
		if prev != kind {
			return false, fmt.Errorf("%w: %s is %s, requested %s", ErrAlreadyRegistered, name, prev, kind)
		}
		return true, nil
	}
	r.kinds[name] = kind
	return false, nil
}

func (r *Registry) guard() cardinalityGuard {
	return cardinalityGuard{warnAt: r.warnAt, maxAt: r.maxCard}
}

// RegisterCounter registers (or returns the existing) counter family.
func (r *Registry) RegisterCounter(name, help string, labelNames []string) (*CounterFamily, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.checkName(name, metric.KindCounter)
	if err != nil {
		return nil, err
	}
	if existing {
		return r.counters[name], nil
	}
	f := &CounterFamily{
		name:       name,
		help:       help,
		labelNames: append([]string(nil), labelNames...),
		series:     make(map[string]*counterSeries),
		guard:      r.guard(),
		logger:     r.logger,
	}
	r.counters[name] = f
	return f, nil
}

// RegisterGauge registers (or returns the existing) gauge family.
func (r *Registry) RegisterGauge(name, help string, labelNames []string) (*GaugeFamily, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.checkName(name, metric.KindGauge)
	if err != nil {
		return nil, err
	}
	if existing {
		return r.gauges[name], nil
	}
	f := &GaugeFamily{
		name:       name,
		help:       help,
		labelNames: append([]string(nil), labelNames...),
		series:     make(map[string]*gaugeSeries),
		guard:      r.guard(),
		logger:     r.logger,
	}
	r.gauges[name] = f
	return f, nil
}

// RegisterHistogram registers (or returns the existing) histogram family.
// Bucket bounds must be non-empty and strictly ascending.
func (r *Registry) RegisterHistogram(name, help string, labelNames []string, upperBounds []float64) (*HistogramFamily, error) {
	if len(upperBounds) == 0 {
		return nil, ErrInvalidBuckets
	}
	for i := 1; i < len(upperBounds); i++ {
		if upperBounds[i] <= upperBounds[i-1] {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBuckets, upperBounds)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.checkName(name, metric.KindHistogram)
	if err != nil {
		return nil, err
	}
	if existing {
		return r.histograms[name], nil
	}
	f := &HistogramFamily{
		name:        name,
		help:        help,
		labelNames:  append([]string(nil), labelNames...),
		upperBounds: append([]float64(nil), upperBounds...),
		series:      make(map[string]*histogramSeries),
		guard:       r.guard(),
		logger:      r.logger,
	}
	r.histograms[name] = f
	return f, nil
}

// RegisterSummary registers (or returns the existing) summary family.
func (r *Registry) RegisterSummary(name, help string, labelNames []string) (*SummaryFamily, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.checkName(name, metric.KindSummary)
	if err != nil {
		return nil, err
	}
	if existing {
		return r.summaries[name], nil
	}
	f := &SummaryFamily{
		name:       name,
		help:       help,
		labelNames: append([]string(nil), labelNames...),
		series:     make(map[string]*summarySeries),
		guard:      r.guard(),
		logger:     r.logger,
	}
	r.summaries[name] = f
	return f, nil
}

// Counter looks up a counter family by name.
func (r *Registry) Counter(name string) (*CounterFamily, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.counters[name]
	return f, ok
}

// Gauge looks up a gauge family by name.
func (r *Registry) Gauge(name string) (*GaugeFamily, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.gauges[name]
	return f, ok
}

// Histogram looks up a histogram family by name.
func (r *Registry) Histogram(name string) (*HistogramFamily, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.histograms[name]
	return f, ok
}

// Summary looks up a summary family by name.
func (r *Registry) Summary(name string) (*SummaryFamily, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.summaries[name]
	return f, ok
}

// Kind reports the registered kind of name, if any.
func (r *Registry) Kind(name string) (metric.Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.kinds[name]
	return k, ok
}

// SeriesSnapshot is one label-set's point-in-time state. Which fields are
// populated depends on the family kind.
type SeriesSnapshot struct {
	Key    string
	Labels map[string]string

	// Counter / gauge.
	Value float64

	// Histogram.
	CumulativeCounts []uint64

	// Summary.
	QuantileEstimates map[float64]float64

	// Histogram and summary.
	Sum   float64
	Count uint64
}

// FamilySnapshot is a point-in-time copy of one family.
type FamilySnapshot struct {
	Name        string
	Help        string
	Kind        metric.Kind
	LabelNames  []string
	UpperBounds []float64 // histogram only
	Quantiles   []float64 // summary only
	Series      []SeriesSnapshot
}

// Snapshot is the output of CollectAll, partitioned by kind. Families and
// series are in deterministic (name, sorted-label-key) order, so two
// registries fed the same samples collect identically.
type Snapshot struct {
	Counters   []FamilySnapshot
	Gauges     []FamilySnapshot
	Histograms []FamilySnapshot
	Summaries  []FamilySnapshot
}

// CollectAll snapshots every family. The registration mutex is released
// before the per-family locks are taken, so collection never blocks
// registration for the duration of the whole pass.
func (r *Registry) CollectAll() Snapshot {
	r.mu.Lock()
	counters := make([]*CounterFamily, 0, len(r.counters))
	for _, f := range r.counters {
		counters = append(counters, f)
	}
	gauges := make([]*GaugeFamily, 0, len(r.gauges))
	for _, f := range r.gauges {
		gauges = append(gauges, f)
	}
	histograms := make([]*HistogramFamily, 0, len(r.histograms))
	for _, f := range r.histograms {
		histograms = append(histograms, f)
	}
	summaries := make([]*SummaryFamily, 0, len(r.summaries))
	for _, f := range r.summaries {
		summaries = append(summaries, f)
	}
	r.mu.Unlock()

	var snap Snapshot
	for _, f := range counters {
		snap.Counters = append(snap.Counters, f.collect())
	}
	for _, f := range gauges {
		snap.Gauges = append(snap.Gauges, f.collect())
	}
	for _, f := range histograms {
		snap.Histograms = append(snap.Histograms, f.collect())
	}
	for _, f := range summaries {
		snap.Summaries = append(snap.Summaries, f.collect())
	}
	sortFamilies(snap.Counters)
	sortFamilies(snap.Gauges)
	sortFamilies(snap.Histograms)
	sortFamilies(snap.Summaries)
	return snap
}

func sortFamilies(fams []FamilySnapshot) {
	sort.Slice(fams, func(i, j int) bool { return fams[i].Name < fams[j].Name })
}
