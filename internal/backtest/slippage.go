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
	"njord/internal/marketdata"
)

// SlippageModel turns an intended execution into a realized fill price
// against one bar. Buys pay the impact, sells receive less.
type SlippageModel interface {
	FillPrice(side execution.Side, qty float64, bar marketdata.Bar) float64
}

// LinearSlippage models impact proportional to the order's share of bar
// volume: c·(qty/volume)·price, plus half the quoted spread.
type LinearSlippage struct {
	Coefficient float64
	Spread      float64
}

func (m LinearSlippage) FillPrice(side execution.Side, qty float64, bar marketdata.Bar) float64 {
	var impact float64
	if bar.Volume > 0 {
		impact = m.Coefficient * (qty / bar.Volume) * bar.Close
	}
	return applyImpact(side, bar.Close, impact+m.Spread/2)
}

// SquareRootSlippage models impact as c·sqrt(qty/volume)·price plus half
// the spread, the usual concave market-impact shape for larger orders.
type SquareRootSlippage struct {
	Coefficient float64
	Spread      float64
}

func (m SquareRootSlippage) FillPrice(side execution.Side, qty float64, bar marketdata.Bar) float64 {
	var impact float64
	if bar.Volume > 0 {
		impact = m.Coefficient * math.Sqrt(qty/bar.Volume) * bar.Close
	}
	return applyImpact(side, bar.Close, impact+m.Spread/2)
}

func applyImpact(side execution.Side, price, impact float64) float64 {
	if side == execution.SideSell {
		return price - impact
	}
	return price + impact
}
