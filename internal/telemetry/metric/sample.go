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

// Package metric defines the wire contract for metric samples published on
// the "telemetry.metrics" bus topic. The (name, kind, sorted labels) triple
// is the identity of a time series everywhere in the pipeline.
package metric

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind enumerates the four supported metric kinds.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindSummary   Kind = "summary"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCounter, KindGauge, KindHistogram, KindSummary:
		return true
	}
	return false
}

// MaxLabels bounds the label map of a single sample.
const MaxLabels = 20

// Validation errors surfaced to producers of malformed samples.
var (
	ErrEmptyName      = errors.New("metric: empty name")
	ErrNegativeTime   = errors.New("metric: negative timestamp")
	ErrTooManyLabels  = fmt.Errorf("metric: more than %d labels", MaxLabels)
	ErrUnknownKind    = errors.New("metric: unknown kind")
	ErrNotJSONObject  = errors.New("metric: payload is not a JSON object")
	ErrMissingField   = errors.New("metric: missing required field")
	ErrWrongFieldType = errors.New("metric: wrong field type")
)

// Sample is one metric observation. Labels are treated as immutable after
// construction; nothing in the pipeline mutates a sample's label map.
type Sample struct {
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	TimestampNS int64             `json:"timestamp_ns"`
	Labels      map[string]string `json:"labels,omitempty"`
	Kind        Kind              `json:"kind"`
}

// Validate checks the structural invariants of a sample.
func (s *Sample) Validate() error {
	if s.Name == "" {
		return ErrEmptyName
	}
	if s.TimestampNS < 0 {
		return ErrNegativeTime
	}
	if len(s.Labels) > MaxLabels {
		return ErrTooManyLabels
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	return nil
}

// ParseSample decodes and validates a bus payload. Protocol errors (missing
// keys, wrong types) are reported so callers can log-and-drop.
func ParseSample(payload []byte) (Sample, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrNotJSONObject, err)
	}
	for _, field := range []string{"name", "value", "timestamp_ns", "kind"} {
		if _, ok := raw[field]; !ok {
			return Sample{}, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	var s Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrWrongFieldType, err)
	}
	if err := s.Validate(); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// LabelKey canonicalizes a label map into the sorted-tuple series key used
// by the registry, the aggregator and the alert evaluator:
// `k1=v1,k2=v2` with keys in ascending order.
func LabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

// SeriesKey is the full identity of a time series.
func SeriesKey(name string, labels map[string]string) string {
	lk := LabelKey(labels)
	if lk == "" {
		return name
	}
	return name + "{" + lk + "}"
}

// CopyLabels returns a defensive copy of a label map. Nil maps stay nil.
func CopyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
