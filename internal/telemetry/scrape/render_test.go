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

package scrape

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"njord/internal/telemetry/registry"
)

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{5, "5.0"},
		{0, "0.0"},
		{-3, "-3.0"},
		{0.004, "0.004"},
		{55.55, "55.55"},
		{0.5, "0.5"},
	}
	for _, c := range cases {
		if got := formatValue(c.in); got != c.want {
			t.Errorf("formatValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRender_LabelledCounters(t *testing.T) {
	reg := registry.New(zap.NewNop())
	f, err := reg.RegisterCounter("njord_orders_total", "Orders submitted", []string{"strategy_id", "symbol"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.Inc(map[string]string{"strategy_id": "twap_v1", "symbol": "BTC/USDT"}, 5); err != nil {
		t.Fatalf("inc: %v", err)
	}
	if err := f.Inc(map[string]string{"strategy_id": "vwap_v1", "symbol": "ETH/USDT"}, 3); err != nil {
		t.Fatalf("inc: %v", err)
	}

	out := Render(reg.CollectAll())
	for _, want := range []string{
		"# HELP njord_orders_total Orders submitted",
		"# TYPE njord_orders_total counter",
		`njord_orders_total{strategy_id="twap_v1",symbol="BTC/USDT"} 5.0`,
		`njord_orders_total{strategy_id="vwap_v1",symbol="ETH/USDT"} 3.0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing line %q in output:\n%s", want, out)
		}
	}
}

func TestRender_Histogram(t *testing.T) {
	reg := registry.New(zap.NewNop())
	f, err := reg.RegisterHistogram("fill_latency_seconds", "", nil, []float64{0.25, 0.5, 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, v := range []float64{0.125, 0.375, 5} {
		if err := f.Observe(nil, v); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	out := Render(reg.CollectAll())
	for _, want := range []string{
		`fill_latency_seconds_bucket{le="0.25"} 1`,
		`fill_latency_seconds_bucket{le="0.5"} 2`,
		`fill_latency_seconds_bucket{le="1.0"} 2`,
		`fill_latency_seconds_bucket{le="+Inf"} 3`,
		"fill_latency_seconds_sum 5.5",
		"fill_latency_seconds_count 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRender_EmptyFamilyPlaceholders(t *testing.T) {
	reg := registry.New(zap.NewNop())
	if _, err := reg.RegisterCounter("empty_total", "", nil); err != nil {
		t.Fatalf("register counter: %v", err)
	}
	if _, err := reg.RegisterSummary("empty_latency", "", nil); err != nil {
		t.Fatalf("register summary: %v", err)
	}
	out := Render(reg.CollectAll())
	if !strings.Contains(out, "empty_total 0.0\n") {
		t.Errorf("empty counter placeholder missing:\n%s", out)
	}
	if !strings.Contains(out, "empty_latency_sum 0.0\n") || !strings.Contains(out, "empty_latency_count 0\n") {
		t.Errorf("empty summary placeholder missing:\n%s", out)
	}
}

func TestRender_FamiliesSortedByName(t *testing.T) {
	reg := registry.New(zap.NewNop())
	if _, err := reg.RegisterGauge("zzz", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RegisterCounter("aaa", "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	out := Render(reg.CollectAll())
	if strings.Index(out, "# HELP aaa") > strings.Index(out, "# HELP zzz") {
		t.Errorf("families not in name order:\n%s", out)
	}
}

func TestRenderLabels_Escaping(t *testing.T) {
	got := renderLabels(map[string]string{"b": `x"y`, "a": `p\q`})
	want := `{a="p\\q",b="x\"y"}`
	if got != want {
		t.Fatalf("renderLabels = %s, want %s", got, want)
	}
}
