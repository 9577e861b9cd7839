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

func povAlgo(total float64) Algorithm {
	return Algorithm{
		ExecutionID:     "pov-exec-1",
		AlgoType:        AlgoPOV,
		Symbol:          "BTC/USDT",
		Side:            SideBuy,
		OrderType:       OrderTypeMarket,
		TotalQuantity:   total,
		DurationSeconds: 300,
		StartNS:         0,
		Params:          map[string]float64{"target_pov": 0.1},
	}
}

func TestPOVPlan_SizesByMarketVolume(t *testing.T) {
	planner := NewPOV(&fakeData{recent: 100}, zap.NewNop())
	intents, err := planner.Plan(povAlgo(50))
	require.NoError(t, err)
	require.Len(t, intents, 1)

	in := intents[0]
	assert.InDelta(t, 10.0, in.Quantity, 1e-9, "10% of the trailing 100")
	assert.Equal(t, OrderTypeMarket, in.Type)
	assert.Equal(t, 0.1, in.Meta["target_pov"])
	assert.Equal(t, "pov-exec-1", in.Meta.ExecutionID())
	assert.Equal(t, AlgoPOV, in.Meta.AlgoType())
}

func TestPOVPlan_ClampsToParentQuantity(t *testing.T) {
	planner := NewPOV(&fakeData{recent: 1000}, zap.NewNop())
	intents, err := planner.Plan(povAlgo(5))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.InDelta(t, 5.0, intents[0].Quantity, 1e-9)
}

func TestPOVPlan_ThinMarketEmitsNothing(t *testing.T) {
	planner := NewPOV(&fakeData{recent: 0.5}, zap.NewNop())
	intents, err := planner.Plan(povAlgo(50))
	require.NoError(t, err, "a thin market is not an error")
	assert.Empty(t, intents)
}

func TestPOVPlan_NoReaderEmitsNothing(t *testing.T) {
	planner := NewPOV(nil, zap.NewNop())
	intents, err := planner.Plan(povAlgo(50))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestPOVMonitorAndSlice_AcceleratesWhenBehind(t *testing.T) {
	planner := NewPOV(&fakeData{recent: 100}, zap.NewNop())
	algo := povAlgo(50)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fills := make(chan Fill, 4)
	out := planner.MonitorAndSlice(ctx, fills, algo)

	// Halfway through the window only 1 of 50 is filled: 48 points behind
	// schedule, so the base slice of 10 scales by 1+min(0.48*2, 1) = 1.96.
	fills <- Fill{Quantity: 1, Price: 50000, TimestampNS: 150 * int64(time.Second)}
	next := <-out
	assert.InDelta(t, 19.6, next.Quantity, 1e-9)
	assert.Equal(t, 1, next.Meta.SliceIdx())
	assert.Equal(t, "pov-exec-1", next.Meta.ExecutionID())

	close(fills)
	_, open := <-out
	assert.False(t, open)
}

func TestPOVMonitorAndSlice_OnScheduleKeepsBaseSize(t *testing.T) {
	planner := NewPOV(&fakeData{recent: 100}, zap.NewNop())
	algo := povAlgo(50)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fills := make(chan Fill, 4)
	out := planner.MonitorAndSlice(ctx, fills, algo)

	// 30 of 50 filled at the halfway mark is ahead of schedule.
	fills <- Fill{Quantity: 30, Price: 50000, TimestampNS: 150 * int64(time.Second)}
	next := <-out
	assert.InDelta(t, 10.0, next.Quantity, 1e-9)

	close(fills)
	_, open := <-out
	assert.False(t, open)
}

func TestPOVMonitorAndSlice_StopsAtWindowEnd(t *testing.T) {
	planner := NewPOV(&fakeData{recent: 100}, zap.NewNop())
	algo := povAlgo(50)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fills := make(chan Fill, 1)
	out := planner.MonitorAndSlice(ctx, fills, algo)

	fills <- Fill{Quantity: 1, Price: 50000, TimestampNS: 301 * int64(time.Second)}
	_, open := <-out
	assert.False(t, open, "fills past the window close the stream")
}
