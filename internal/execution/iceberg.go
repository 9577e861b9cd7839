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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Iceberg defaults.
const (
	DefaultVisibleRatio       = 0.1
	DefaultReplenishThreshold = 0.8
)

// Iceberg shows only a fraction of a large limit order at a time. The plan
// is the first visible slice; MonitorAndReplenish emits the follow-up
// slices as the visible portion fills.
type Iceberg struct {
	logger *zap.Logger
}

// NewIceberg builds the iceberg planner.
func NewIceberg(logger *zap.Logger) *Iceberg {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Iceberg{logger: logger}
}

func (ic *Iceberg) AlgoType() AlgoType { return AlgoIceberg }

// Plan emits the initial visible slice. The hidden remainder travels in
// meta (total_quantity, visible_ratio) so the monitor and the broker can
// see the true size without it ever resting on the book.
func (ic *Iceberg) Plan(algo Algorithm) ([]Intent, error) {
	if err := algo.Validate(); err != nil {
		return nil, err
	}
	price, err := algo.limitPrice()
	if err != nil {
		return nil, err
	}
	if price == 0 {
		// An iceberg without a resting price is meaningless.
		return nil, ErrMissingLimitPrice
	}
	ratio := algo.Param("visible_ratio", DefaultVisibleRatio)
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultVisibleRatio
	}
	execID := executionID(algo)
	visible := algo.TotalQuantity * ratio
	if visible > algo.TotalQuantity {
		visible = algo.TotalQuantity
	}
	return []Intent{{
		ID:          uuid.NewString(),
		TimestampNS: algo.StartNS,
		Symbol:      algo.Symbol,
		Side:        algo.Side,
		Type:        OrderTypeLimit,
		Quantity:    visible,
		LimitPrice:  price,
		Meta: Meta{
			MetaExecutionID:   execID,
			MetaAlgoType:      string(AlgoIceberg),
			MetaSliceIdx:      0,
			MetaSliceID:       SliceID(execID, 0),
			MetaVisibleRatio:  ratio,
			MetaTotalQuantity: algo.TotalQuantity,
		},
	}}, nil
}

// MonitorAndReplenish consumes the execution's fills and produces
// replenishment intents on the returned channel. A new slice is emitted
// whenever the current visible slice's cumulative fill reaches
// replenish_threshold of the visible quantity; each slice is
// min(visible, remaining) at the original price. The channel closes when
// the total is filled, the fill stream closes, or ctx is cancelled.
func (ic *Iceberg) MonitorAndReplenish(ctx context.Context, fills <-chan Fill, algo Algorithm, first Intent) <-chan Intent {
	out := make(chan Intent, 8)
	go func() {
		defer close(out)
		execID := first.Meta.ExecutionID()
		visible := first.Quantity
		threshold := algo.Param("replenish_threshold", DefaultReplenishThreshold)
		if threshold <= 0 || threshold > 1 {
			threshold = DefaultReplenishThreshold
		}

		var totalFilled, sliceFilled float64
		sliceIdx := 0
		outstanding := visible
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-fills:
				if !ok {
					return
				}
				totalFilled += f.Quantity
				sliceFilled += f.Quantity
				if totalFilled >= algo.TotalQuantity-1e-9 {
					return
				}
				if sliceFilled < threshold*outstanding {
					continue
				}
				remaining := algo.TotalQuantity - totalFilled
				next := visible
				if remaining < next {
					next = remaining
				}
				sliceIdx++
				sliceFilled = 0
				outstanding = next
				intent := Intent{
					ID:          uuid.NewString(),
					TimestampNS: f.TimestampNS,
					Symbol:      algo.Symbol,
					Side:        algo.Side,
					Type:        OrderTypeLimit,
					Quantity:    next,
					LimitPrice:  first.LimitPrice,
					Meta: Meta{
						MetaExecutionID:   execID,
						MetaAlgoType:      string(AlgoIceberg),
						MetaSliceIdx:      sliceIdx,
						MetaSliceID:       SliceID(execID, sliceIdx),
						MetaVisibleRatio:  first.Meta[MetaVisibleRatio],
						MetaTotalQuantity: algo.TotalQuantity,
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
