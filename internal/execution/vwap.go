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

package execution

import (
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"njord/internal/marketdata"
)

// DefaultLookbackDays is the volume-profile lookback when the algorithm
// does not pin lookback_days.
const DefaultLookbackDays = 7

// rebalanceThreshold is the cumulative fill divergence beyond which a
// replan reshapes the remaining weights.
const rebalanceThreshold = 0.10

// VWAP weights slices by the historical intraday volume profile so the
// execution tracks the market's volume curve, and benchmarks the result
// against the historical VWAP.
type VWAP struct {
	data   HistoricalData
	logger *zap.Logger
}

// NewVWAP builds the VWAP planner over a historical-data reader. data may
// be nil; planning then always uses the uniform fallback profile.
func NewVWAP(data HistoricalData, logger *zap.Logger) *VWAP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VWAP{data: data, logger: logger}
}

func (v *VWAP) AlgoType() AlgoType { return AlgoVWAP }

// timeframeFor picks the profile bar size by execution duration.
func timeframeFor(duration time.Duration) string {
	switch {
	case duration <= time.Hour:
		return "1m"
	case duration <= 4*time.Hour:
		return "5m"
	default:
		return "15m"
	}
}

// volumeProfile returns per-slice weights summing to 1 plus the benchmark
// VWAP over the lookback window. Reader errors, insufficient bars, or zero
// total volume fall back to the uniform profile (benchmark 0).
func (v *VWAP) volumeProfile(algo Algorithm, n int) (weights []float64, benchmark float64) {
	uniform := func() []float64 {
		w := make([]float64, n)
		for i := range w {
			w[i] = 1 / float64(n)
		}
		return w
	}
	if v.data == nil {
		return uniform(), 0
	}
	lookback := int(algo.Param("lookback_days", DefaultLookbackDays))
	end := time.Unix(0, algo.StartNS)
	start := end.AddDate(0, 0, -lookback)
	bars, err := v.data.Bars(algo.Symbol, timeframeFor(time.Duration(algo.DurationNS())), start, end)
	if err != nil || len(bars) < n {
		v.logger.Debug("volume profile unavailable, using uniform",
			zap.String("symbol", algo.Symbol),
			zap.Error(err))
		return uniform(), 0
	}

	var pvTotal, volTotal float64
	for _, b := range bars {
		pvTotal += b.TypicalPrice() * b.Volume
		volTotal += b.Volume
	}
	if volTotal == 0 {
		return uniform(), 0
	}
	benchmark = pvTotal / volTotal

	// Partition the bars into n contiguous equal index ranges and weight
	// each slice by its share of total volume.
	weights = make([]float64, n)
	per := len(bars) / n
	for i := 0; i < n; i++ {
		lo := i * per
		hi := lo + per
		if i == n-1 {
			hi = len(bars)
		}
		var bucket float64
		for _, b := range bars[lo:hi] {
			bucket += b.Volume
		}
		weights[i] = bucket / volTotal
	}
	return weights, benchmark
}

// Plan emits slice_count intents at regular intervals with quantities
// proportional to the volume profile.
func (v *VWAP) Plan(algo Algorithm) ([]Intent, error) {
	if err := algo.Validate(); err != nil {
		return nil, err
	}
	price, err := algo.limitPrice()
	if err != nil {
		return nil, err
	}
	n := int(algo.Param("slice_count", DefaultSliceCount))
	if n <= 0 {
		n = DefaultSliceCount
	}
	execID := executionID(algo)
	weights, benchmark := v.volumeProfile(algo, n)
	intervalNS := algo.DurationNS() / int64(n)
	orderType := OrderTypeLimit
	if price == 0 {
		orderType = OrderTypeMarket
	}

	intents := make([]Intent, 0, n)
	for i := 0; i < n; i++ {
		meta := Meta{
			MetaExecutionID:  execID,
			MetaAlgoType:     string(AlgoVWAP),
			MetaSliceIdx:     i,
			MetaSliceID:      SliceID(execID, i),
			MetaVolumeWeight: weights[i],
		}
		if benchmark > 0 {
			meta[MetaBenchmarkVWAP] = benchmark
		}
		intents = append(intents, Intent{
			ID:          uuid.NewString(),
			TimestampNS: algo.StartNS + int64(i)*intervalNS,
			Symbol:      algo.Symbol,
			Side:        algo.Side,
			Type:        orderType,
			Quantity:    algo.TotalQuantity * weights[i],
			LimitPrice:  price,
			Meta:        meta,
		})
	}
	return intents, nil
}

// ReplanRemainingSlices rebuilds the plan from the first incomplete slice
// onward given the fills so far. When cumulative fills diverge from the
// cumulative plan by more than 10%, the remaining weights are renormalized
// over the unfilled quantity; otherwise each remaining slice simply carries
// its own unfilled remainder. All emitted intents are marked replanned and
// keep the execution id, algo type and benchmark.
func (v *VWAP) ReplanRemainingSlices(original []Intent, fills []Fill, algo Algorithm) []Intent {
	if len(original) == 0 {
		return nil
	}
	execID := original[0].Meta.ExecutionID()
	benchmark := original[0].Meta.BenchmarkVWAP()

	filledBySlice := make(map[int]float64)
	var totalFilled float64
	replanPoint := 0
	for _, f := range fills {
		idx := f.Meta.SliceIdx()
		if idx < 0 {
			continue
		}
		filledBySlice[idx] += f.Quantity
		totalFilled += f.Quantity
		if idx+1 > replanPoint {
			replanPoint = idx + 1
		}
	}

	firstIncomplete := -1
	for i, in := range original {
		if filledBySlice[i] < in.Quantity-1e-9 {
			firstIncomplete = i
			break
		}
	}
	if firstIncomplete == -1 {
		if totalFilled >= algo.TotalQuantity-1e-9 {
			return nil
		}
		firstIncomplete = 0 // residual quantity case
	}

	var expected float64
	for i := 0; i < replanPoint && i < len(original); i++ {
		expected += original[i].Quantity
	}
	rebalance := expected > 0 && math.Abs(totalFilled-expected)/expected > rebalanceThreshold

	remaining := original[firstIncomplete:]
	quantities := make([]float64, len(remaining))
	if rebalance {
		var weightSum float64
		for _, in := range remaining {
			weightSum += in.Meta.VolumeWeight()
		}
		unfilled := algo.TotalQuantity - totalFilled
		if unfilled < 0 {
			unfilled = 0
		}
		for i, in := range remaining {
			w := in.Meta.VolumeWeight()
			if weightSum > 0 {
				quantities[i] = unfilled * (w / weightSum)
			} else {
				quantities[i] = unfilled / float64(len(remaining))
			}
		}
	} else {
		for i, in := range remaining {
			q := in.Quantity - filledBySlice[firstIncomplete+i]
			if q < 0 {
				q = 0
			}
			quantities[i] = q
		}
	}

	out := make([]Intent, 0, len(remaining))
	for i, in := range remaining {
		idx := firstIncomplete + i
		meta := Meta{
			MetaExecutionID:  execID,
			MetaAlgoType:     string(AlgoVWAP),
			MetaSliceIdx:     idx,
			MetaSliceID:      SliceID(execID, idx),
			MetaVolumeWeight: in.Meta.VolumeWeight(),
			MetaReplanned:    true,
		}
		if benchmark > 0 {
			meta[MetaBenchmarkVWAP] = benchmark
		}
		out = append(out, Intent{
			ID:          uuid.NewString(),
			TimestampNS: in.TimestampNS,
			Symbol:      in.Symbol,
			Side:        in.Side,
			Type:        in.Type,
			Quantity:    quantities[i],
			LimitPrice:  in.LimitPrice,
			Meta:        meta,
		})
	}
	return out
}

// MonitorExecution tracks a VWAP execution: size-weighted average fill
// price and, when a benchmark exists, the relative deviation from it.
func (v *VWAP) MonitorExecution(fills <-chan Fill, algo Algorithm, execID string, benchmark float64) Report {
	report := MonitorFills(fills, algo, execID)
	report.AlgoType = AlgoVWAP
	if benchmark > 0 && report.AvgFillPrice > 0 {
		report.BenchmarkVWAP = benchmark
		report.VWAPDeviation = (report.AvgFillPrice - benchmark) / benchmark
	}
	return report
}

// barVWAP is a small helper for tests and analytics: the volume-weighted
// typical price over a bar window.
func barVWAP(bars []marketdata.Bar) float64 {
	var pv, vol float64
	for _, b := range bars {
		pv += b.TypicalPrice() * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}
