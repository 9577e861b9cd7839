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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"njord/internal/marketdata"
	"njord/pkg/bus"
)

// Planner produces child intents for a parent algorithm. Plan is pure: no
// I/O beyond the injected historical-data reader, no clocks, so a plan for
// the same algorithm (with ExecutionID and StartNS fixed) is deterministic.
// The backtest engine relies on this.
type Planner interface {
	AlgoType() AlgoType
	Plan(algo Algorithm) ([]Intent, error)
}

// HistoricalData is what planners need from the market-data layer.
// *marketdata.Reader satisfies it.
type HistoricalData interface {
	Bars(symbol, timeframe string, start, end time.Time) ([]marketdata.Bar, error)
	AvgVolume1h(symbol string, now time.Time) (float64, error)
	VolumeVolatility(symbol string, window time.Duration, now time.Time) (float64, error)
	RecentVolume(symbol string, window time.Duration, now time.Time) (float64, error)
}

// executionID returns the algorithm's pinned id or mints one.
func executionID(algo Algorithm) string {
	if algo.ExecutionID != "" {
		return algo.ExecutionID
	}
	return uuid.NewString()
}

// TrackFills subscribes to the fills topic filtered to one execution id.
// The returned channel closes when stop is called or the bus subscription
// ends; malformed payloads are dropped.
func TrackFills(ctx context.Context, b bus.Bus, execID string, logger *zap.Logger) (<-chan Fill, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub, err := b.Subscribe(ctx, FillsTopic)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Fill, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				var f Fill
				if err := json.Unmarshal(msg.Payload, &f); err != nil {
					logger.Warn("dropping malformed fill", zap.Error(err))
					continue
				}
				if f.Meta.ExecutionID() != execID {
					continue
				}
				select {
				case out <- f:
				case <-done:
					return
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, stop, nil
}

// plannedSlices reports how many child slices the algorithm's plan carries,
// for the algorithms whose plans are sized up front. Iceberg and POV plans
// are driven by visible size and traded volume, so their slice totals are
// not known before planning.
func plannedSlices(algo Algorithm) int {
	switch algo.AlgoType {
	case AlgoTWAP, AlgoVWAP:
		n := int(algo.Param("slice_count", DefaultSliceCount))
		if n <= 0 {
			n = DefaultSliceCount
		}
		return n
	}
	return 0
}

// MonitorFills drains a fill stream into a report until the execution
// completes, a cancel acknowledgement arrives, or the stream closes. Used
// by TWAP and VWAP live tracking. A stream that ends short of the parent
// quantity leaves the report running with EndNS unset.
func MonitorFills(fills <-chan Fill, algo Algorithm, execID string) Report {
	report := Report{
		ExecutionID:       execID,
		AlgoType:          algo.AlgoType,
		Symbol:            algo.Symbol,
		Side:              algo.Side,
		TotalQuantity:     algo.TotalQuantity,
		RemainingQuantity: algo.TotalQuantity,
		SlicesTotal:       plannedSlices(algo),
		Status:            StatusRunning,
		StartNS:           algo.StartNS,
	}
	var collected []Fill
	var cancelNS int64
	cancelled := false
	for f := range fills {
		if f.Meta.IsCancel() {
			cancelled = true
			cancelNS = f.TimestampNS
			break
		}
		collected = append(collected, f)
		var filled float64
		for _, c := range collected {
			filled += c.Quantity
		}
		if filled >= algo.TotalQuantity {
			break
		}
	}
	report.aggregateFills(collected)
	if cancelled && report.Status != StatusCompleted {
		report.Status = StatusCancelled
		report.EndNS = cancelNS
	}
	return report
}
