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

package backtest

import (
	"fmt"

	"njord/internal/execution"
)

// BuyHold buys a fixed quantity on the first bar and holds it.
type BuyHold struct {
	Quantity float64
	bought   bool
}

func (s *BuyHold) Name() string { return "buyhold" }

func (s *BuyHold) OnEvent(ev Event) []execution.Intent {
	bar, ok := ev.(BarEvent)
	if !ok || s.bought {
		return nil
	}
	s.bought = true
	return []execution.Intent{{
		ID:          "buyhold_entry",
		TimestampNS: bar.Bar.TimestampNS,
		Symbol:      bar.Symbol,
		Side:        execution.SideBuy,
		Type:        execution.OrderTypeMarket,
		Quantity:    s.Quantity,
	}}
}

// TWAPDemo enters a fixed quantity on the first bar via a TWAP execution
// spread over the configured window. Smoke strategy for the simulator path.
type TWAPDemo struct {
	Quantity        float64
	DurationSeconds int
	entered         bool
}

func (s *TWAPDemo) Name() string { return "twap_demo" }

func (s *TWAPDemo) OnEvent(ev Event) []execution.Intent {
	bar, ok := ev.(BarEvent)
	if !ok || s.entered {
		return nil
	}
	s.entered = true
	duration := s.DurationSeconds
	if duration <= 0 {
		duration = 600
	}
	return []execution.Intent{{
		ID:          "twap_demo_entry",
		TimestampNS: bar.Bar.TimestampNS,
		Symbol:      bar.Symbol,
		Side:        execution.SideBuy,
		Type:        execution.OrderTypeMarket,
		Quantity:    s.Quantity,
		Meta: execution.Meta{
			execution.MetaExecution: map[string]any{
				"algo_type":        string(execution.AlgoTWAP),
				"duration_seconds": duration,
			},
		},
	}}
}

// NewStrategy resolves a built-in strategy by name.
func NewStrategy(name string, quantity float64) (Strategy, error) {
	switch name {
	case "buyhold":
		return &BuyHold{Quantity: quantity}, nil
	case "twap_demo":
		return &TWAPDemo{Quantity: quantity}, nil
	default:
		return nil, fmt.Errorf("backtest: unknown strategy %q", name)
	}
}
