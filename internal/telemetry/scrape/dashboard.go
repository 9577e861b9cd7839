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
	"sort"
	"time"

	"njord/internal/telemetry/registry"
)

// Well-known metric names the dashboard snapshot is derived from. Anything
// else in the registry is ignored by the stream.
const (
	metricPortfolioValue = "njord_portfolio_value_usd"
	metricPortfolioCash  = "njord_portfolio_cash_usd"
	metricStrategyPnL    = "njord_strategy_pnl_usd"
	metricOpenPositions  = "njord_open_positions"
	metricDrawdownPct    = "njord_drawdown_pct"
	metricExposure       = "njord_exposure_usd"
	metricOrdersTotal    = "njord_orders_total"
	metricFillsTotal     = "njord_fills_total"
	metricMemoryMB       = "njord_memory_usage_mb"
	metricCPUPct         = "njord_cpu_usage_pct"
)

// DashboardSnapshot is one SSE frame.
type DashboardSnapshot struct {
	Timestamp  int64          `json:"timestamp"` // unix millis
	Portfolio  PortfolioView  `json:"portfolio"`
	Strategies []StrategyView `json:"strategies"`
	Risk       RiskView       `json:"risk"`
	Activity   ActivityView   `json:"activity"`
	System     SystemView     `json:"system"`
}

type PortfolioView struct {
	TotalValueUSD float64 `json:"total_value_usd"`
	CashUSD       float64 `json:"cash_usd"`
	DailyPnL      float64 `json:"daily_pnl"`
	OpenPositions float64 `json:"open_positions"`
}

type StrategyView struct {
	ID     string  `json:"id"`
	PnL    float64 `json:"pnl"`
	Orders float64 `json:"orders"`
}

type RiskView struct {
	DrawdownPct float64 `json:"drawdown_pct"`
	ExposureUSD float64 `json:"exposure_usd"`
}

type ActivityView struct {
	OrdersTotal float64 `json:"orders_total"`
	FillsTotal  float64 `json:"fills_total"`
}

type SystemView struct {
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	CPUPct        float64 `json:"cpu_pct"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// BuildDashboardSnapshot projects the registry onto the fixed dashboard
// shape. daily_pnl is the sum of njord_strategy_pnl_usd over every series:
// a strategy exporting the gauge under several label tuples with the same
// strategy_id is counted once per tuple (known limitation).
func BuildDashboardSnapshot(snap registry.Snapshot, now time.Time, started time.Time) DashboardSnapshot {
	out := DashboardSnapshot{
		Timestamp:  now.UnixMilli(),
		Strategies: []StrategyView{},
	}
	out.System.UptimeSeconds = now.Sub(started).Seconds()

	byStrategy := map[string]*StrategyView{}
	strategyOf := func(labels map[string]string) *StrategyView {
		id := labels["strategy_id"]
		if id == "" {
			id = "unknown"
		}
		v, ok := byStrategy[id]
		if !ok {
			v = &StrategyView{ID: id}
			byStrategy[id] = v
		}
		return v
	}

	for _, f := range snap.Gauges {
		switch f.Name {
		case metricPortfolioValue:
			out.Portfolio.TotalValueUSD = sumSeries(f)
		case metricPortfolioCash:
			out.Portfolio.CashUSD = sumSeries(f)
		case metricOpenPositions:
			out.Portfolio.OpenPositions = sumSeries(f)
		case metricStrategyPnL:
			for _, s := range f.Series {
				out.Portfolio.DailyPnL += s.Value
				strategyOf(s.Labels).PnL += s.Value
			}
		case metricDrawdownPct:
			out.Risk.DrawdownPct = sumSeries(f)
		case metricExposure:
			out.Risk.ExposureUSD = sumSeries(f)
		case metricMemoryMB:
			out.System.MemoryUsageMB = sumSeries(f)
		case metricCPUPct:
			out.System.CPUPct = sumSeries(f)
		}
	}
	for _, f := range snap.Counters {
		switch f.Name {
		case metricOrdersTotal:
			out.Activity.OrdersTotal = sumSeries(f)
			for _, s := range f.Series {
				if s.Labels["strategy_id"] != "" {
					strategyOf(s.Labels).Orders += s.Value
				}
			}
		case metricFillsTotal:
			out.Activity.FillsTotal = sumSeries(f)
		}
	}

	for _, v := range byStrategy {
		out.Strategies = append(out.Strategies, *v)
	}
	sort.Slice(out.Strategies, func(i, j int) bool { return out.Strategies[i].ID < out.Strategies[j].ID })
	return out
}

func sumSeries(f registry.FamilySnapshot) float64 {
	var total float64
	for _, s := range f.Series {
		total += s.Value
	}
	return total
}
