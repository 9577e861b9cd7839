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

// Package backtest replays historical bars against a strategy. The engine
// is fully synchronous and deterministic: strategies emit intents, plain
// intents fill at the bar close, algorithmic intents run through the
// execution planners' pure planning path and a fill simulator. No bus, no
// goroutines, no clocks.
package backtest

import (
	"njord/internal/execution"
	"njord/internal/marketdata"
)

// Event is the closed set of market events a strategy can receive. The
// engine feeds BarEvents from the journal; TradeEvent and BookEvent exist
// for strategies that are also run against live feeds.
type Event interface {
	isEvent()
}

// BarEvent delivers one OHLCV bar.
type BarEvent struct {
	Symbol string
	Bar    marketdata.Bar
}

// TradeEvent delivers one public trade print.
type TradeEvent struct {
	Symbol      string
	TimestampNS int64
	Price       float64
	Quantity    float64
	Side        execution.Side
}

// BookEvent delivers a top-of-book update.
type BookEvent struct {
	Symbol      string
	TimestampNS int64
	BidPrice    float64
	BidQty      float64
	AskPrice    float64
	AskQty      float64
}

func (BarEvent) isEvent()   {}
func (TradeEvent) isEvent() {}
func (BookEvent) isEvent()  {}

// Strategy reacts to market events with order intents. Implementations
// must be deterministic for the engine's replay guarantees to hold: same
// events in, same intents out.
type Strategy interface {
	Name() string
	OnEvent(ev Event) []execution.Intent
}
