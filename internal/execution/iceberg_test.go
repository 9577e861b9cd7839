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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func icebergAlgo() Algorithm {
	return Algorithm{
		ExecutionID:     "ice-exec-1",
		AlgoType:        AlgoIceberg,
		Symbol:          "ETH/USDT",
		Side:            SideSell,
		TotalQuantity:   100,
		DurationSeconds: 600,
		StartNS:         1_000_000_000,
		Params:          map[string]float64{"limit_price": 3000, "visible_ratio": 0.1},
	}
}

func TestIcebergPlan(t *testing.T) {
	planner := NewIceberg(zap.NewNop())
	intents, err := planner.Plan(icebergAlgo())
	require.NoError(t, err)
	require.Len(t, intents, 1, "only the visible tip rests on the book")

	in := intents[0]
	assert.InDelta(t, 10.0, in.Quantity, 1e-9)
	assert.Equal(t, OrderTypeLimit, in.Type)
	assert.Equal(t, 3000.0, in.LimitPrice)
	assert.Equal(t, AlgoIceberg, in.Meta.AlgoType())
	assert.Equal(t, 0.1, in.Meta["visible_ratio"])
	assert.Equal(t, 100.0, in.Meta["total_quantity"])
	assert.Equal(t, SliceID("ice-exec-1", 0), in.Meta.SliceIDValue())
}

func TestIcebergPlan_RequiresLimitPrice(t *testing.T) {
	planner := NewIceberg(zap.NewNop())

	algo := icebergAlgo()
	delete(algo.Params, "limit_price")
	_, err := planner.Plan(algo)
	assert.ErrorIs(t, err, ErrMissingLimitPrice)

	// A market-order iceberg has no resting price to hide behind.
	algo = icebergAlgo()
	algo.OrderType = OrderTypeMarket
	delete(algo.Params, "limit_price")
	_, err = planner.Plan(algo)
	assert.ErrorIs(t, err, ErrMissingLimitPrice)
}

func TestIcebergPlan_RatioOutOfRangeUsesDefault(t *testing.T) {
	planner := NewIceberg(zap.NewNop())
	algo := icebergAlgo()
	algo.Params["visible_ratio"] = 1.5
	intents, err := planner.Plan(algo)
	require.NoError(t, err)
	assert.InDelta(t, 100*DefaultVisibleRatio, intents[0].Quantity, 1e-9)
}

func TestIcebergMonitorAndReplenish(t *testing.T) {
	planner := NewIceberg(zap.NewNop())
	algo := icebergAlgo()
	algo.TotalQuantity = 25
	algo.Params["visible_ratio"] = 0.4 // visible 10
	first, err := planner.Plan(algo)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fills := make(chan Fill, 8)
	out := planner.MonitorAndReplenish(ctx, fills, algo, first[0])

	// 8 of the visible 10 filled: at the 0.8 threshold, replenish 10.
	fills <- Fill{Quantity: 8, Price: 3000, TimestampNS: 100, Meta: first[0].Meta}
	next := <-out
	assert.InDelta(t, 10.0, next.Quantity, 1e-9)
	assert.Equal(t, 3000.0, next.LimitPrice)
	assert.Equal(t, 1, next.Meta.SliceIdx())
	assert.Equal(t, "ice-exec-1", next.Meta.ExecutionID())

	// Another 8 filled (16 total): remaining 9 < visible, slice shrinks.
	fills <- Fill{Quantity: 8, Price: 3000, TimestampNS: 200, Meta: next.Meta}
	next = <-out
	assert.InDelta(t, 9.0, next.Quantity, 1e-9)
	assert.Equal(t, 2, next.Meta.SliceIdx())

	// Filling the rest completes the execution and closes the stream.
	fills <- Fill{Quantity: 9, Price: 3000, TimestampNS: 300, Meta: next.Meta}
	_, open := <-out
	assert.False(t, open)
}

func TestIcebergMonitorAndReplenish_BelowThresholdStaysQuiet(t *testing.T) {
	planner := NewIceberg(zap.NewNop())
	algo := icebergAlgo()
	first, err := planner.Plan(algo)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fills := make(chan Fill, 1)
	out := planner.MonitorAndReplenish(ctx, fills, algo, first[0])

	// 5 of 10 visible filled: under the 0.8 threshold, no replenishment.
	fills <- Fill{Quantity: 5, Price: 3000, Meta: first[0].Meta}
	close(fills)
	_, open := <-out
	assert.False(t, open, "stream closes without emitting")
}
