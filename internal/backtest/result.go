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

package backtest

import (
	"math"

	"njord/internal/execution"
)

// annualizationFactor scales per-bar Sharpe to a yearly figure. Crypto
// trades every day, so 365 rather than the equity market's 252.
const annualizationFactor = 365

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	TimestampNS int64   `json:"ts_ns"`
	Equity      float64 `json:"equity"`
}

// Result is the outcome of one engine run.
type Result struct {
	Strategy       string        `json:"strategy"`
	Symbol         string        `json:"symbol"`
	InitialCapital float64       `json:"initial_capital"`
	FinalCapital   float64       `json:"final_capital"`
	EquityCurve    []EquityPoint `json:"-"`
	Trades         []Trade       `json:"-"`
	TradeCount     int           `json:"trade_count"`
	TotalReturnPct float64       `json:"total_return_pct"`
	SharpeRatio    float64       `json:"sharpe_ratio"`
	MaxDrawdownPct float64       `json:"max_drawdown_pct"`
	WinRate        float64       `json:"win_rate"`
	ProfitFactor   float64       `json:"profit_factor"`
}

// computeStats derives the summary metrics from the curve and trade log.
func (r *Result) computeStats() {
	r.TradeCount = len(r.Trades)
	if r.InitialCapital > 0 {
		r.TotalReturnPct = (r.FinalCapital - r.InitialCapital) / r.InitialCapital * 100
	}
	r.SharpeRatio = sharpe(r.EquityCurve)
	r.MaxDrawdownPct = maxDrawdown(r.EquityCurve)
	r.WinRate, r.ProfitFactor = tradeStats(r.Trades)
}

// sharpe annualizes the mean/stddev of per-bar returns.
func sharpe(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, ret := range returns {
		sum += ret
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, ret := range returns {
		variance += (ret - mean) * (ret - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(annualizationFactor)
}

// maxDrawdown is the largest peak-to-trough equity decline, in percent.
func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// tradeStats derives win rate and profit factor from realized (sell)
// trades. With no losing trades the profit factor degenerates; it is
// reported as the gross profit to keep the result JSON-safe.
func tradeStats(trades []Trade) (winRate, profitFactor float64) {
	var wins, realized int
	var grossProfit, grossLoss float64
	for _, t := range trades {
		if t.Side != execution.SideSell {
			continue
		}
		realized++
		if t.PnL > 0 {
			wins++
			grossProfit += t.PnL
		} else {
			grossLoss += -t.PnL
		}
	}
	if realized > 0 {
		winRate = float64(wins) / float64(realized)
	}
	if grossLoss > 0 {
		profitFactor = grossProfit / grossLoss
	} else {
		profitFactor = grossProfit
	}
	return winRate, profitFactor
}
