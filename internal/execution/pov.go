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
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// POV defaults.
const (
	DefaultTargetPOV          = 0.1
	DefaultMinVolumeThreshold = 1.0
	// povMeasurementWindow is the trailing window over which market volume
	// is measured for participation sizing.
	povMeasurementWindow = 5 * time.Minute
	// povLagTolerance is how far actual progress may trail expected
	// progress before slices accelerate.
	povLagTolerance = 0.05
)

// POV participates at a target fraction of observed market volume. Market
// volume comes from the historical-data reader over a trailing measurement
// window (there is no live tape in this layer).
type POV struct {
	data   HistoricalData
	logger *zap.Logger
}

// NewPOV builds the POV planner.
func NewPOV(data HistoricalData, logger *zap.Logger) *POV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &POV{data: data, logger: logger}
}

func (p *POV) AlgoType() AlgoType { return AlgoPOV }

// measuredVolume returns the trailing market volume at the given time, or
// zero when the reader has nothing.
func (p *POV) measuredVolume(symbol string, at time.Time) float64 {
	if p.data == nil {
		return 0
	}
	vol, err := p.data.RecentVolume(symbol, povMeasurementWindow, at)
	if err != nil {
		p.logger.Debug("recent volume unavailable", zap.String("symbol", symbol), zap.Error(err))
		return 0
	}
	return vol
}

// Plan emits the initial participation slice: measured volume times the
// target participation rate, clamped to the parent quantity. Measured
// volume below min_volume_threshold emits no intent at all.
func (p *POV) Plan(algo Algorithm) ([]Intent, error) {
	if err := algo.Validate(); err != nil {
		return nil, err
	}
	price, err := algo.limitPrice()
	if err != nil {
		return nil, err
	}
	target := algo.Param("target_pov", DefaultTargetPOV)
	if target <= 0 || target > 1 {
		target = DefaultTargetPOV
	}
	minVolume := algo.Param("min_volume_threshold", DefaultMinVolumeThreshold)

	volume := p.measuredVolume(algo.Symbol, time.Unix(0, algo.StartNS))
	if volume < minVolume {
		p.logger.Debug("market volume below threshold, no initial slice",
			zap.String("symbol", algo.Symbol),
			zap.Float64("volume", volume),
			zap.Float64("threshold", minVolume))
		return nil, nil
	}
	qty := volume * target
	if qty > algo.TotalQuantity {
		qty = algo.TotalQuantity
	}
	execID := executionID(algo)
	orderType := OrderTypeLimit
	if price == 0 {
		orderType = OrderTypeMarket
	}
	return []Intent{{
		ID:          uuid.NewString(),
		TimestampNS: algo.StartNS,
		Symbol:      algo.Symbol,
		Side:        algo.Side,
		Type:        orderType,
		Quantity:    qty,
		LimitPrice:  price,
		Meta: Meta{
			MetaExecutionID: execID,
			MetaAlgoType:    string(AlgoPOV),
			MetaSliceIdx:    0,
			MetaSliceID:     SliceID(execID, 0),
			MetaTargetPOV:   target,
		},
	}}, nil
}

// MonitorAndSlice consumes the execution's fills and emits the next
// participation slice after each fill, remeasuring market volume every
// time. Slices accelerate by 1+min(lag·2, 1) when actual progress trails
// expected progress by more than five points. The channel closes when the
// window expires (by fill timestamps), the total fills, or ctx is
// cancelled.
func (p *POV) MonitorAndSlice(ctx context.Context, fills <-chan Fill, algo Algorithm) <-chan Intent {
	out := make(chan Intent, 8)
	go func() {
		defer close(out)
		execID := executionID(algo)
		target := algo.Param("target_pov", DefaultTargetPOV)
		if target <= 0 || target > 1 {
			target = DefaultTargetPOV
		}
		endNS := algo.StartNS + algo.DurationNS()

		var totalFilled float64
		sliceIdx := 0
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-fills:
				if !ok {
					return
				}
				totalFilled += f.Quantity
				if totalFilled >= algo.TotalQuantity-1e-9 {
					return
				}
				if f.TimestampNS >= endNS {
					return
				}

				volume := p.measuredVolume(algo.Symbol, time.Unix(0, f.TimestampNS))
				qty := volume * target
				if qty <= 0 {
					continue
				}

				// Acceleration against the time-proportional schedule.
				elapsed := float64(f.TimestampNS-algo.StartNS) / float64(algo.DurationNS())
				expected := elapsed
				actual := totalFilled / algo.TotalQuantity
				if actual < expected-povLagTolerance {
					lag := expected - actual
					factor := 1 + lag*2
					if factor > 2 {
						factor = 2
					}
					qty *= factor
				}
				if remaining := algo.TotalQuantity - totalFilled; qty > remaining {
					qty = remaining
				}

				sliceIdx++
				intent := Intent{
					ID:          uuid.NewString(),
					TimestampNS: f.TimestampNS,
					Symbol:      algo.Symbol,
					Side:        algo.Side,
					Type:        OrderTypeMarket,
					Quantity:    qty,
					Meta: Meta{
						MetaExecutionID: execID,
						MetaAlgoType:    string(AlgoPOV),
						MetaSliceIdx:    sliceIdx,
						MetaSliceID:     SliceID(execID, sliceIdx),
						MetaTargetPOV:   target,
					},
				}
				select {
				case out <- intent:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
