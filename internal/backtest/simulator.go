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
	"fmt"
	"sort"

	"go.uber.org/zap"

	"njord/internal/execution"
	"njord/internal/marketdata"
)

// DefaultFeeRate is the simulator's taker fee on filled notional.
const DefaultFeeRate = 0.001

// Simulator fills planned child intents against the bar journal. Every
// intent fills in full at the bar closest to its scheduled timestamp, at
// the slippage-adjusted close, minus a fixed fee on notional. Cancels and
// zero-quantity intents are skipped.
type Simulator struct {
	bars     []marketdata.Bar
	slippage SlippageModel
	feeRate  float64
	logger   *zap.Logger
}

// NewSimulator builds a simulator over bars sorted by timestamp. A nil
// slippage model fills at the raw close.
func NewSimulator(bars []marketdata.Bar, slippage SlippageModel, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{bars: bars, slippage: slippage, feeRate: DefaultFeeRate, logger: logger}
}

// closestBar returns the bar nearest to ts. Requires at least one bar.
func (s *Simulator) closestBar(ts int64) marketdata.Bar {
	i := sort.Search(len(s.bars), func(i int) bool {
		return s.bars[i].TimestampNS >= ts
	})
	if i == 0 {
		return s.bars[0]
	}
	if i == len(s.bars) {
		return s.bars[len(s.bars)-1]
	}
	if s.bars[i].TimestampNS-ts < ts-s.bars[i-1].TimestampNS {
		return s.bars[i]
	}
	return s.bars[i-1]
}

// Execute fills a plan and aggregates the result into an execution report.
func (s *Simulator) Execute(algo execution.Algorithm, plan []execution.Intent) ([]execution.Fill, execution.Report, error) {
	report := execution.Report{
		ExecutionID:       algo.ExecutionID,
		AlgoType:          algo.AlgoType,
		Symbol:            algo.Symbol,
		Side:              algo.Side,
		TotalQuantity:     algo.TotalQuantity,
		RemainingQuantity: algo.TotalQuantity,
		StartNS:           algo.StartNS,
		Status:            execution.StatusRunning,
	}
	if len(s.bars) == 0 {
		report.Status = execution.StatusFailed
		return nil, report, marketdata.ErrNoData
	}

	var fills []execution.Fill
	var notional float64
	var lastNS int64
	for _, in := range plan {
		if in.Quantity > 0 && !in.Meta.IsCancel() {
			report.SlicesTotal++
		}
	}
	for i, in := range plan {
		if in.Quantity <= 0 || in.Meta.IsCancel() {
			continue
		}
		bar := s.closestBar(in.TimestampNS)
		price := bar.Close
		if s.slippage != nil {
			price = s.slippage.FillPrice(in.Side, in.Quantity, bar)
		}
		fill := execution.Fill{
			ID:          fmt.Sprintf("%s_fill_%d", algo.ExecutionID, i),
			TimestampNS: bar.TimestampNS,
			Symbol:      in.Symbol,
			Side:        in.Side,
			Quantity:    in.Quantity,
			Price:       price,
			Fee:         s.feeRate * in.Quantity * price,
			Meta:        in.Meta,
		}
		fills = append(fills, fill)

		report.FilledQuantity += fill.Quantity
		notional += fill.Quantity * fill.Price
		report.TotalFees += fill.Fee
		report.FillCount++
		report.SlicesCompleted++
		if fill.TimestampNS > lastNS {
			lastNS = fill.TimestampNS
		}
	}
	if report.FilledQuantity > 0 {
		report.AvgFillPrice = notional / report.FilledQuantity
	}
	report.RemainingQuantity = report.TotalQuantity - report.FilledQuantity
	if report.RemainingQuantity < 0 {
		report.RemainingQuantity = 0
	}
	if report.FilledQuantity >= report.TotalQuantity-1e-9 {
		report.Status = execution.StatusCompleted
		report.EndNS = lastNS
	}
	s.logger.Debug("simulated execution",
		zap.String("execution_id", algo.ExecutionID),
		zap.String("algo", string(algo.AlgoType)),
		zap.Float64("filled", report.FilledQuantity),
		zap.Float64("avg_price", report.AvgFillPrice))
	return fills, report, nil
}
