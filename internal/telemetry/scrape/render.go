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

// Package scrape serves the registry over HTTP: the text exposition on
// /metrics, the 1 Hz dashboard snapshot on /stream, and the pipeline's own
// prometheus metrics on /internal/metrics. It also hosts the standalone bus
// consumer that applies published samples to pre-registered families.
package scrape

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"njord/internal/telemetry/registry"
)

// formatValue renders a float the way the scrape consumers expect: integral
// values keep one decimal place ("5.0"), everything else uses the shortest
// exact representation.
func formatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case v == math.Trunc(v) && math.Abs(v) < 1e15:
		return strconv.FormatFloat(v, 'f', 1, 64)
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

// renderLabels produces `{k1="v1",k2="v2"}` in ascending key order, with
// extra appended last. Returns "" for an empty set.
func renderLabels(labels map[string]string, extra ...string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+len(extra)/2)
	for _, k := range keys {
		pairs = append(pairs, k+`="`+escapeLabelValue(labels[k])+`"`)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, extra[i]+`="`+extra[i+1]+`"`)
	}
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// Render writes the whole snapshot as text exposition: for each family a
// HELP line, a TYPE line, then one line per series sample. Families are
// ordered by name across kinds; empty families emit a zero placeholder so
// scrapers always see every registered name.
func Render(snap registry.Snapshot) string {
	var families []registry.FamilySnapshot
	families = append(families, snap.Counters...)
	families = append(families, snap.Gauges...)
	families = append(families, snap.Histograms...)
	families = append(families, snap.Summaries...)
	sort.Slice(families, func(i, j int) bool { return families[i].Name < families[j].Name })

	var b strings.Builder
	for _, f := range families {
		renderFamily(&b, f)
	}
	return b.String()
}

func renderFamily(b *strings.Builder, f registry.FamilySnapshot) {
	help := f.Help
	if help == "" {
		help = f.Name
	}
	b.WriteString("# HELP " + f.Name + " " + help + "\n")
	b.WriteString("# TYPE " + f.Name + " " + string(f.Kind) + "\n")

	switch string(f.Kind) {
	case "counter", "gauge":
		if len(f.Series) == 0 {
			b.WriteString(f.Name + " 0.0\n")
			return
		}
		for _, s := range f.Series {
			b.WriteString(f.Name + renderLabels(s.Labels) + " " + formatValue(s.Value) + "\n")
		}
	case "histogram":
		if len(f.Series) == 0 {
			b.WriteString(f.Name + "_sum 0.0\n")
			b.WriteString(f.Name + "_count 0\n")
			return
		}
		for _, s := range f.Series {
			for i, ub := range f.UpperBounds {
				b.WriteString(f.Name + "_bucket" + renderLabels(s.Labels, "le", formatValue(ub)) +
					" " + strconv.FormatUint(s.CumulativeCounts[i], 10) + "\n")
			}
			b.WriteString(f.Name + "_bucket" + renderLabels(s.Labels, "le", "+Inf") +
				" " + strconv.FormatUint(s.Count, 10) + "\n")
			b.WriteString(f.Name + "_sum" + renderLabels(s.Labels) + " " + formatValue(s.Sum) + "\n")
			b.WriteString(f.Name + "_count" + renderLabels(s.Labels) + " " + strconv.FormatUint(s.Count, 10) + "\n")
		}
	case "summary":
		if len(f.Series) == 0 {
			b.WriteString(f.Name + "_sum 0.0\n")
			b.WriteString(f.Name + "_count 0\n")
			return
		}
		for _, s := range f.Series {
			for _, q := range f.Quantiles {
				b.WriteString(f.Name + renderLabels(s.Labels, "quantile", formatValue(q)) +
					" " + formatValue(s.QuantileEstimates[q]) + "\n")
			}
			b.WriteString(f.Name + "_sum" + renderLabels(s.Labels) + " " + formatValue(s.Sum) + "\n")
			b.WriteString(f.Name + "_count" + renderLabels(s.Labels) + " " + strconv.FormatUint(s.Count, 10) + "\n")
		}
	}
}
