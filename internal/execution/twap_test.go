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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"njord/pkg/bus"
)

func twapAlgo() Algorithm {
	return Algorithm{
		AlgoType:        AlgoTWAP,
		Symbol:          "BTC/USDT",
		Side:            SideBuy,
		TotalQuantity:   1.0,
		DurationSeconds: 300,
		StartNS:         1_000_000_000,
		Params:          map[string]float64{"limit_price": 50000, "slice_count": 5},
	}
}

func TestTWAPPlan(t *testing.T) {
	planner := NewTWAP(zap.NewNop())
	intents, err := planner.Plan(twapAlgo())
	require.NoError(t, err)
	require.Len(t, intents, 10, "5 active slices + 5 cancels")

	active, cancels := intents[:5], intents[5:]
	execID := active[0].Meta.ExecutionID()
	require.NotEmpty(t, execID)

	for i, in := range active {
		assert.Equal(t, 0.2, in.Quantity)
		assert.Equal(t, OrderTypeLimit, in.Type)
		assert.Equal(t, 50000.0, in.LimitPrice)
		assert.Equal(t, AlgoTWAP, in.Meta.AlgoType())
		assert.Equal(t, execID, in.Meta.ExecutionID(), "shared execution id")
		assert.Equal(t, i, in.Meta.SliceIdx())
		assert.Equal(t, SliceID(execID, i), in.Meta.SliceIDValue())
		if i > 0 {
			assert.Equal(t, int64(60)*int64(time.Second), in.TimestampNS-active[i-1].TimestampNS,
				"slices evenly spaced")
		}
	}

	endNS := int64(1_000_000_000) + 300*int64(time.Second)
	for i, in := range cancels {
		assert.Zero(t, in.Quantity)
		assert.Equal(t, endNS, in.TimestampNS)
		assert.True(t, in.Meta.IsCancel())
		assert.Equal(t, SliceID(execID, i), in.Meta.TargetSliceID())
		assert.Equal(t, execID, in.Meta.ExecutionID())
	}

	// Total active quantity equals the parent quantity.
	var total float64
	for _, in := range active {
		total += in.Quantity
	}
	assert.InDelta(t, 1.0, total, 1e-12)
}

func TestTWAPPlan_Validation(t *testing.T) {
	planner := NewTWAP(zap.NewNop())

	algo := twapAlgo()
	algo.TotalQuantity = 0
	_, err := planner.Plan(algo)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	algo = twapAlgo()
	algo.DurationSeconds = 0
	_, err = planner.Plan(algo)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	algo = twapAlgo()
	delete(algo.Params, "limit_price")
	_, err = planner.Plan(algo)
	assert.ErrorIs(t, err, ErrMissingLimitPrice)

	algo = twapAlgo()
	algo.Params["limit_price"] = -5
	_, err = planner.Plan(algo)
	assert.ErrorIs(t, err, ErrMissingLimitPrice)
}

func TestTWAPPlan_MarketOrdersNeedNoLimit(t *testing.T) {
	planner := NewTWAP(zap.NewNop())
	algo := twapAlgo()
	algo.OrderType = OrderTypeMarket
	delete(algo.Params, "limit_price")
	intents, err := planner.Plan(algo)
	require.NoError(t, err)
	assert.Equal(t, OrderTypeMarket, intents[0].Type)
	assert.Zero(t, intents[0].LimitPrice)
}

func TestTWAPPlan_DefaultSliceCount(t *testing.T) {
	planner := NewTWAP(zap.NewNop())
	algo := twapAlgo()
	delete(algo.Params, "slice_count")
	intents, err := planner.Plan(algo)
	require.NoError(t, err)
	assert.Len(t, intents, 2*DefaultSliceCount)
}

func TestAlgorithmRoundTrip(t *testing.T) {
	algo := twapAlgo()
	raw, err := json.Marshal(algo)
	require.NoError(t, err)
	var back Algorithm
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, algo, back)
}

func TestIntentRoundTrip_MetaEchoed(t *testing.T) {
	in := Intent{
		ID:          "i1",
		TimestampNS: 42,
		Symbol:      "BTC/USDT",
		Side:        SideBuy,
		Type:        OrderTypeLimit,
		Quantity:    0.2,
		LimitPrice:  50000,
		Meta: Meta{
			MetaExecutionID: "e1",
			MetaSliceID:     "e1_slice_0",
			"broker_hint":   "post_only",
		},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	var back Intent
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "e1", back.Meta.ExecutionID())
	assert.Equal(t, "e1_slice_0", back.Meta.SliceIDValue())
	assert.Equal(t, "post_only", back.Meta["broker_hint"], "unknown meta keys survive")
}

func TestMonitorFills(t *testing.T) {
	algo := twapAlgo()
	fills := make(chan Fill, 8)
	fills <- Fill{Quantity: 0.4, Price: 50000, Fee: 2.0, TimestampNS: 10,
		Meta: Meta{MetaSliceID: "e1_slice_0"}}
	fills <- Fill{Quantity: 0.6, Price: 50100, Fee: 3.0, TimestampNS: 20,
		Meta: Meta{MetaSliceID: "e1_slice_1"}}
	close(fills)

	report := MonitorFills(fills, algo, "e1")
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 1.0, report.FilledQuantity)
	assert.Zero(t, report.RemainingQuantity)
	// Size-weighted: (0.4*50000 + 0.6*50100) / 1.0
	assert.InDelta(t, 50060, report.AvgFillPrice, 1e-9)
	assert.InDelta(t, 5.0, report.TotalFees, 1e-9)
	assert.Equal(t, 2, report.FillCount)
	assert.Equal(t, 2, report.SlicesCompleted)
	assert.Equal(t, 5, report.SlicesTotal)
	assert.Equal(t, int64(20), report.EndNS)
}

func TestMonitorFills_RunningOnClose(t *testing.T) {
	algo := twapAlgo()
	fills := make(chan Fill, 1)
	fills <- Fill{Quantity: 0.3, Price: 50000, TimestampNS: 10}
	close(fills)
	report := MonitorFills(fills, algo, "e1")
	assert.Equal(t, StatusRunning, report.Status, "incomplete execution stays running")
	assert.InDelta(t, 0.3, report.FilledQuantity, 1e-12)
	assert.InDelta(t, 0.7, report.RemainingQuantity, 1e-12)
	assert.Zero(t, report.EndNS, "no end time until the execution terminates")
}

func TestMonitorFills_CancelledBeforeComplete(t *testing.T) {
	algo := twapAlgo()
	fills := make(chan Fill, 2)
	fills <- Fill{Quantity: 0.3, Price: 50000, TimestampNS: 10,
		Meta: Meta{MetaSliceID: "e1_slice_0"}}
	fills <- Fill{TimestampNS: 99, Meta: Meta{MetaAction: ActionCancel}}
	close(fills)
	report := MonitorFills(fills, algo, "e1")
	assert.Equal(t, StatusCancelled, report.Status)
	assert.InDelta(t, 0.3, report.FilledQuantity, 1e-12)
	assert.InDelta(t, 0.7, report.RemainingQuantity, 1e-12)
	assert.Equal(t, 1, report.SlicesCompleted)
	assert.Equal(t, int64(99), report.EndNS)
}

func TestReportJSONFieldNames(t *testing.T) {
	report := Report{
		ExecutionID:       "e1",
		AlgoType:          AlgoTWAP,
		Symbol:            "BTC/USDT",
		Side:              SideBuy,
		TotalQuantity:     1.0,
		FilledQuantity:    0.6,
		RemainingQuantity: 0.4,
		AvgFillPrice:      50060,
		TotalFees:         5.0,
		FillCount:         3,
		SlicesCompleted:   3,
		SlicesTotal:       5,
		Status:            StatusRunning,
		StartNS:           1,
	}
	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{
		"execution_id", "algo_type", "symbol", "side",
		"total_quantity", "filled_quantity", "remaining_quantity",
		"avg_fill_price", "total_fees", "fill_count",
		"slices_completed", "slices_total", "status",
	} {
		assert.Contains(t, fields, key)
	}

	var back Report
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, report, back)
}

func TestTrackFills_StopIdempotent(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	fills, stop, err := TrackFills(context.Background(), b, "e1", zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop()
		}()
	}
	wg.Wait()
	stop()

	for range fills {
	}
}
