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
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSliceCount is used when the algorithm does not pin slice_count.
const DefaultSliceCount = 10

// TWAP splits the parent quantity into equal slices spread evenly over the
// execution window. A trailing batch of cancellation intents at window end
// cleans up any still-open child orders.
type TWAP struct {
	logger *zap.Logger
}

// NewTWAP builds the TWAP planner.
func NewTWAP(logger *zap.Logger) *TWAP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TWAP{logger: logger}
}

func (t *TWAP) AlgoType() AlgoType { return AlgoTWAP }

// Plan emits slice_count active intents at start + i·duration/slice_count,
// each of quantity total/slice_count, then slice_count cancellation intents
// at start + duration targeting each slice.
func (t *TWAP) Plan(algo Algorithm) ([]Intent, error) {
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
	sliceQty := algo.TotalQuantity / float64(n)
	intervalNS := algo.DurationNS() / int64(n)
	orderType := OrderTypeLimit
	if price == 0 {
		orderType = OrderTypeMarket
	}

	intents := make([]Intent, 0, 2*n)
	for i := 0; i < n; i++ {
		intents = append(intents, Intent{
			ID:          uuid.NewString(),
			TimestampNS: algo.StartNS + int64(i)*intervalNS,
			Symbol:      algo.Symbol,
			Side:        algo.Side,
			Type:        orderType,
			Quantity:    sliceQty,
			LimitPrice:  price,
			Meta: Meta{
				MetaExecutionID: execID,
				MetaAlgoType:    string(AlgoTWAP),
				MetaSliceIdx:    i,
				MetaSliceID:     SliceID(execID, i),
			},
		})
	}
	// Cleanup pass: one cancel per slice at window end.
	endNS := algo.StartNS + algo.DurationNS()
	for i := 0; i < n; i++ {
		intents = append(intents, Intent{
			ID:          uuid.NewString(),
			TimestampNS: endNS,
			Symbol:      algo.Symbol,
			Side:        algo.Side,
			Type:        orderType,
			Quantity:    0,
			Meta: Meta{
				MetaExecutionID:   execID,
				MetaAlgoType:      string(AlgoTWAP),
				MetaAction:        ActionCancel,
				MetaTargetSliceID: SliceID(execID, i),
			},
		})
	}
	t.logger.Debug("twap plan built",
		zap.String("execution_id", execID),
		zap.String("symbol", algo.Symbol),
		zap.Int("slices", n),
		zap.Float64("slice_qty", sliceQty))
	return intents, nil
}
