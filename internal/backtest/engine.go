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
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"njord/internal/execution"
	"njord/internal/marketdata"
)

// Position is the engine's single-symbol inventory.
type Position struct {
	Quantity float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// Trade is one executed fill as booked by the engine. PnL is realized
// profit and is only nonzero on sells.
type Trade struct {
	TimestampNS int64          `json:"ts_ns"`
	Symbol      string         `json:"symbol"`
	Side        execution.Side `json:"side"`
	Quantity    float64        `json:"qty"`
	Price       float64        `json:"price"`
	Fee         float64        `json:"fee"`
	PnL         float64        `json:"pnl"`
}

// Config parameterizes one engine run.
type Config struct {
	Symbol         string
	InitialCapital float64
	// Commission is the rate charged on plain-fill notional. Algorithmic
	// executions are charged the simulator's fee instead.
	Commission float64
	// Slippage applies to algorithmic executions only; plain intents fill
	// at the bar close. Nil means no slippage.
	Slippage SlippageModel
	Logger   *zap.Logger
}

// Engine replays bars against one strategy. A fresh engine is required per
// run; state is not reset between runs.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	cash     float64
	position Position
	equity   []EquityPoint
	trades   []Trade
	planSeq  int
}

// NewEngine builds an engine with the given run configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: cfg.Logger, cash: cfg.InitialCapital}
}

// Run replays bars (assumed sorted by timestamp) through the strategy and
// returns the result. Deterministic: two runs over the same bars and the
// same strategy produce identical equity curves, final capital and trades.
func (e *Engine) Run(strategy Strategy, bars []marketdata.Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, marketdata.ErrNoData
	}
	sim := NewSimulator(bars, e.cfg.Slippage, e.logger)
	planners := e.buildPlanners(bars)

	for _, bar := range bars {
		intents := strategy.OnEvent(BarEvent{Symbol: e.cfg.Symbol, Bar: bar})
		for _, in := range intents {
			if _, ok := in.Meta[execution.MetaExecution]; ok {
				if err := e.runAlgo(sim, planners, in, bar); err != nil {
					return nil, err
				}
				continue
			}
			e.fillPlain(in, bar)
		}
		e.equity = append(e.equity, EquityPoint{
			TimestampNS: bar.TimestampNS,
			Equity:      e.cash + e.position.Quantity*bar.Close,
		})
	}

	result := &Result{
		Strategy:       strategy.Name(),
		Symbol:         e.cfg.Symbol,
		InitialCapital: e.cfg.InitialCapital,
		FinalCapital:   e.equity[len(e.equity)-1].Equity,
		EquityCurve:    e.equity,
		Trades:         e.trades,
	}
	result.computeStats()
	e.logger.Info("backtest complete",
		zap.String("strategy", result.Strategy),
		zap.String("symbol", result.Symbol),
		zap.Float64("final_capital", result.FinalCapital),
		zap.Int("trades", len(result.Trades)))
	return result, nil
}

// buildPlanners wires the execution planners over the replay bars so VWAP
// profiles and POV participation come from the same journal being replayed.
func (e *Engine) buildPlanners(bars []marketdata.Bar) map[execution.AlgoType]execution.Planner {
	data := &barsData{bars: bars}
	return map[execution.AlgoType]execution.Planner{
		execution.AlgoTWAP:    execution.NewTWAP(e.logger),
		execution.AlgoVWAP:    execution.NewVWAP(data, e.logger),
		execution.AlgoIceberg: execution.NewIceberg(e.logger),
		execution.AlgoPOV:     execution.NewPOV(data, e.logger),
	}
}

// fillPlain fills an intent in full at the bar close plus commission.
func (e *Engine) fillPlain(in execution.Intent, bar marketdata.Bar) {
	if in.Quantity <= 0 || in.Meta.IsCancel() {
		return
	}
	price := bar.Close
	fee := e.cfg.Commission * in.Quantity * price
	e.book(in.Side, in.Quantity, price, fee, bar.TimestampNS)
}

// runAlgo decodes meta.execution into an algorithm, plans it with the
// matching executor, and books the simulated fills.
func (e *Engine) runAlgo(sim *Simulator, planners map[execution.AlgoType]execution.Planner, in execution.Intent, bar marketdata.Bar) error {
	algo, err := e.decodeAlgorithm(in, bar)
	if err != nil {
		return err
	}
	planner, ok := planners[algo.AlgoType]
	if !ok {
		return fmt.Errorf("%w: unknown algo %q", execution.ErrExecutorFailed, algo.AlgoType)
	}
	plan, err := planner.Plan(algo)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", execution.ErrExecutorFailed, algo.AlgoType, err)
	}
	fills, report, err := sim.Execute(algo, plan)
	if err != nil {
		return err
	}
	for _, f := range fills {
		e.book(f.Side, f.Quantity, f.Price, f.Fee, f.TimestampNS)
	}
	e.logger.Debug("algorithmic intent executed",
		zap.String("execution_id", algo.ExecutionID),
		zap.String("status", report.Status),
		zap.Float64("filled", report.FilledQuantity))
	return nil
}

// decodeAlgorithm builds the execution algorithm from meta.execution,
// defaulting symbol, side, quantity and start from the carrying intent. The
// execution id is pinned sequentially so replays stay deterministic.
func (e *Engine) decodeAlgorithm(in execution.Intent, bar marketdata.Bar) (execution.Algorithm, error) {
	raw, err := json.Marshal(in.Meta[execution.MetaExecution])
	if err != nil {
		return execution.Algorithm{}, fmt.Errorf("%w: bad meta.execution: %v", execution.ErrExecutorFailed, err)
	}
	var algo execution.Algorithm
	if err := json.Unmarshal(raw, &algo); err != nil {
		return execution.Algorithm{}, fmt.Errorf("%w: bad meta.execution: %v", execution.ErrExecutorFailed, err)
	}
	if algo.Symbol == "" {
		algo.Symbol = in.Symbol
	}
	if algo.Side == "" {
		algo.Side = in.Side
	}
	if algo.OrderType == "" {
		algo.OrderType = in.Type
	}
	if algo.TotalQuantity == 0 {
		algo.TotalQuantity = in.Quantity
	}
	if algo.StartNS == 0 {
		algo.StartNS = bar.TimestampNS
	}
	e.planSeq++
	algo.ExecutionID = fmt.Sprintf("bt_%06d", e.planSeq)
	return algo, nil
}

// book applies one fill to cash, position and the trade log.
func (e *Engine) book(side execution.Side, qty, price, fee float64, ts int64) {
	trade := Trade{
		TimestampNS: ts,
		Symbol:      e.cfg.Symbol,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
	}
	switch side {
	case execution.SideSell:
		sellQty := qty
		if sellQty > e.position.Quantity {
			sellQty = e.position.Quantity
		}
		trade.Quantity = sellQty
		trade.PnL = (price-e.position.AvgPrice)*sellQty - fee
		e.cash += sellQty*price - fee
		e.position.Quantity -= sellQty
		if e.position.Quantity <= 1e-12 {
			e.position = Position{}
		}
	default:
		newQty := e.position.Quantity + qty
		e.position.AvgPrice = (e.position.AvgPrice*e.position.Quantity + price*qty) / newQty
		e.position.Quantity = newQty
		e.cash -= qty*price + fee
	}
	e.trades = append(e.trades, trade)
}

// barsData adapts the in-memory replay bars to the planners' data needs.
type barsData struct {
	bars []marketdata.Bar
}

func (d *barsData) Bars(symbol, timeframe string, start, end time.Time) ([]marketdata.Bar, error) {
	startNS, endNS := start.UnixNano(), end.UnixNano()
	var out []marketdata.Bar
	for _, b := range d.bars {
		if b.TimestampNS >= startNS && b.TimestampNS < endNS {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, marketdata.ErrNoData
	}
	return out, nil
}

func (d *barsData) AvgVolume1h(symbol string, now time.Time) (float64, error) {
	return d.meanVolume(now.Add(-time.Hour), now)
}

func (d *barsData) VolumeVolatility(symbol string, window time.Duration, now time.Time) (float64, error) {
	startNS, endNS := now.Add(-window).UnixNano(), now.UnixNano()
	var vols []float64
	for _, b := range d.bars {
		if b.TimestampNS >= startNS && b.TimestampNS < endNS {
			vols = append(vols, b.Volume)
		}
	}
	if len(vols) == 0 {
		return 0, marketdata.ErrNoData
	}
	var sum float64
	for _, v := range vols {
		sum += v
	}
	mean := sum / float64(len(vols))
	if mean == 0 {
		return 0, nil
	}
	var variance float64
	for _, v := range vols {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance/float64(len(vols))) / mean, nil
}

func (d *barsData) RecentVolume(symbol string, window time.Duration, now time.Time) (float64, error) {
	startNS, endNS := now.Add(-window).UnixNano(), now.UnixNano()
	var sum float64
	for _, b := range d.bars {
		if b.TimestampNS >= startNS && b.TimestampNS < endNS {
			sum += b.Volume
		}
	}
	return sum, nil
}

func (d *barsData) meanVolume(start, end time.Time) (float64, error) {
	startNS, endNS := start.UnixNano(), end.UnixNano()
	var sum float64
	var n int
	for _, b := range d.bars {
		if b.TimestampNS >= startNS && b.TimestampNS < endNS {
			sum += b.Volume
			n++
		}
	}
	if n == 0 {
		return 0, marketdata.ErrNoData
	}
	return sum / float64(n), nil
}
