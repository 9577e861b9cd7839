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

// Package execution implements the order execution algorithms (TWAP, VWAP,
// Iceberg, POV) and the smart order router that selects among them.
// Executors never talk to a broker: they plan child intents, the router
// publishes them on "strat.intent", and a downstream risk engine owns the
// venue. Fills come back on "fills.new".
package execution

import (
	"errors"
	"fmt"
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType of a child intent.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// AlgoType selects an execution algorithm.
type AlgoType string

const (
	AlgoTWAP    AlgoType = "TWAP"
	AlgoVWAP    AlgoType = "VWAP"
	AlgoIceberg AlgoType = "ICEBERG"
	AlgoPOV     AlgoType = "POV"
)

// Bus topics of the execution layer.
const (
	IntentTopic = "strat.intent"
	FillsTopic  = "fills.new"
)

// Planning and routing errors.
var (
	ErrInvalidQuantity   = errors.New("execution: total_quantity must be > 0")
	ErrInvalidDuration   = errors.New("execution: duration_seconds must be > 0")
	ErrMissingLimitPrice = errors.New("execution: missing or invalid limit_price")
	ErrExecutorFailed    = errors.New("execution: executor failed")
	ErrNoExecutors       = errors.New("execution: no registered executors")
)

// Algorithm is a parent order handed to an executor. Params carries the
// per-algorithm tuning knobs (limit_price, slice_count, visible_ratio,
// target_pov, ...); unknown keys are ignored by planners.
type Algorithm struct {
	ExecutionID     string             `json:"execution_id,omitempty"`
	AlgoType        AlgoType           `json:"algo_type"`
	Symbol          string             `json:"symbol"`
	Side            Side               `json:"side"`
	OrderType       OrderType          `json:"order_type,omitempty"`
	TotalQuantity   float64            `json:"total_quantity"`
	DurationSeconds int                `json:"duration_seconds"`
	StartNS         int64              `json:"start_ns,omitempty"`
	Params          map[string]float64 `json:"params,omitempty"`
}

// Validate checks the shared planning preconditions.
func (a *Algorithm) Validate() error {
	if a.TotalQuantity <= 0 {
		return ErrInvalidQuantity
	}
	if a.DurationSeconds <= 0 {
		return ErrInvalidDuration
	}
	return nil
}

// Param returns a tuning knob with a default.
func (a *Algorithm) Param(key string, def float64) float64 {
	if v, ok := a.Params[key]; ok {
		return v
	}
	return def
}

// DurationNS is the execution window in nanoseconds.
func (a *Algorithm) DurationNS() int64 {
	return int64(a.DurationSeconds) * int64(time.Second)
}

// limitPrice resolves the algorithm's limit price. Limit orders without a
// positive limit_price param fail.
func (a *Algorithm) limitPrice() (float64, error) {
	orderType := a.OrderType
	if orderType == "" {
		orderType = OrderTypeLimit
	}
	if orderType == OrderTypeMarket {
		return 0, nil
	}
	price, ok := a.Params["limit_price"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrMissingLimitPrice, a.Params["limit_price"])
	}
	return price, nil
}

// Intent is one child order placed on the bus. Quantity zero together with
// Meta action "cancel" is a cancellation; there is no other cancel channel.
type Intent struct {
	ID          string    `json:"id"`
	TimestampNS int64     `json:"ts_local_ns"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Type        OrderType `json:"type"`
	Quantity    float64   `json:"qty"`
	LimitPrice  float64   `json:"limit_price,omitempty"`
	Meta        Meta      `json:"meta,omitempty"`
}

// Fill is one execution of a child intent, echoing the intent's meta
// verbatim so monitors can correlate by execution_id and slice_id.
type Fill struct {
	ID          string  `json:"id"`
	TimestampNS int64   `json:"ts_ns"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Quantity    float64 `json:"qty"`
	Price       float64 `json:"price"`
	Fee         float64 `json:"fee,omitempty"`
	Meta        Meta    `json:"meta,omitempty"`
}

// Report status values. An execution is running until its fills cover the
// parent quantity (completed), a cancel acknowledgement arrives first
// (cancelled), or planning/simulation errors out (failed).
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Report summarizes an execution after (or while) tracking fills.
type Report struct {
	ExecutionID       string   `json:"execution_id"`
	AlgoType          AlgoType `json:"algo_type"`
	Symbol            string   `json:"symbol"`
	Side              Side     `json:"side"`
	TotalQuantity     float64  `json:"total_quantity"`
	FilledQuantity    float64  `json:"filled_quantity"`
	RemainingQuantity float64  `json:"remaining_quantity"`
	AvgFillPrice      float64  `json:"avg_fill_price"`
	TotalFees         float64  `json:"total_fees"`
	BenchmarkVWAP     float64  `json:"benchmark_vwap,omitempty"`
	VWAPDeviation     float64  `json:"vwap_deviation,omitempty"`
	FillCount         int      `json:"fill_count"`
	SlicesCompleted   int      `json:"slices_completed"`
	SlicesTotal       int      `json:"slices_total"`
	Status            string   `json:"status"`
	StartNS           int64    `json:"start_ns,omitempty"`
	EndNS             int64    `json:"end_ns,omitempty"`
}

// aggregateFills folds fills into a report in place: filled and remaining
// quantity, size-weighted average price, fees, distinct completed slices.
// A covered parent quantity flips the status to completed and stamps EndNS
// with the last fill time; anything short keeps the caller's status with
// EndNS unset.
func (r *Report) aggregateFills(fills []Fill) {
	var notional float64
	var lastNS int64
	slices := make(map[string]struct{}, len(fills))
	for _, f := range fills {
		r.FilledQuantity += f.Quantity
		notional += f.Quantity * f.Price
		r.TotalFees += f.Fee
		r.FillCount++
		if id := f.Meta.SliceIDValue(); id != "" {
			slices[id] = struct{}{}
		}
		if f.TimestampNS > lastNS {
			lastNS = f.TimestampNS
		}
	}
	r.SlicesCompleted = len(slices)
	if r.FilledQuantity > 0 {
		r.AvgFillPrice = notional / r.FilledQuantity
	}
	r.RemainingQuantity = r.TotalQuantity - r.FilledQuantity
	if r.RemainingQuantity < 0 {
		r.RemainingQuantity = 0
	}
	if r.FilledQuantity >= r.TotalQuantity {
		r.Status = StatusCompleted
		r.EndNS = lastNS
	}
}
