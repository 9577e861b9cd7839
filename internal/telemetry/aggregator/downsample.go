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
	"sort"
	"time"

	"njord/internal/telemetry/journal"
	"njord/internal/telemetry/metric"
)

// DownsampleToInterval re-buckets aggregated journal records into a coarser
// interval. It is a pure function with deterministic output ordering; the
// retention engine uses it to roll one resolution tier into the next.
//
// Rules: the first record seen for a target bucket is the template for
// labels and type; counters are summed; gauges are averaged; histogram
// observations are preserved one-to-one.
func DownsampleToInterval(records []journal.Record, intervalSeconds int) []journal.Record {
	intervalNS := int64(intervalSeconds) * int64(time.Second)

	type accState struct {
		template journal.Record
		sum      float64
		n        int64
		obs      []float64
	}
	type groupKey struct {
		bucketStart int64
		name        string
		labelKey    string
	}

	groups := make(map[groupKey]*accState)
	var order []groupKey
	for _, rec := range records {
		key := groupKey{
			bucketStart: rec.TimestampNS - rec.TimestampNS%intervalNS,
			name:        rec.MetricName,
			labelKey:    metric.LabelKey(rec.Labels),
		}
		g, ok := groups[key]
		if !ok {
			g = &accState{template: rec}
			groups[key] = g
			order = append(order, key)
		}
		g.sum += rec.ValueOf()
		g.n++
		g.obs = append(g.obs, rec.Observations...)
	}

	out := make([]journal.Record, 0, len(order))
	for _, key := range order {
		g := groups[key]
		rec := journal.Record{
			TimestampNS:     key.bucketStart,
			MetricName:      g.template.MetricName,
			MetricType:      g.template.MetricType,
			Labels:          g.template.Labels,
			IntervalSeconds: intervalSeconds,
		}
		switch g.template.MetricType {
		case string(metric.KindGauge):
			v := g.sum / float64(g.n)
			rec.Value = &v
		case string(metric.KindHistogram):
			rec.Observations = g.obs
		default:
			// Counters and anything unrecognized accumulate as sums.
			v := g.sum
			rec.Value = &v
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimestampNS != out[j].TimestampNS {
			return out[i].TimestampNS < out[j].TimestampNS
		}
		if out[i].MetricName != out[j].MetricName {
			return out[i].MetricName < out[j].MetricName
		}
		return metric.LabelKey(out[i].Labels) < metric.LabelKey(out[j].Labels)
	})
	return out
}
