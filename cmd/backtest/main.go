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

// backtest replays a bar journal against a built-in strategy and writes
// the equity curve (NDJSON) plus a summary JSON to the output directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"njord/internal/backtest"
	"njord/internal/marketdata"
)

func main() {
	strategyName := flag.String("strategy", "buyhold", "Built-in strategy: buyhold or twap_demo")
	symbol := flag.String("symbol", "BTC/USDT", "Symbol to replay")
	startStr := flag.String("start", "", "Replay start date (YYYY-MM-DD)")
	endStr := flag.String("end", "", "Replay end date (YYYY-MM-DD, exclusive)")
	capital := flag.Float64("capital", 10000, "Initial capital")
	quantity := flag.Float64("quantity", 1, "Strategy order quantity")
	commission := flag.Float64("commission", 0.001, "Commission rate on plain fills")
	slippage := flag.Float64("slippage", 0, "Slippage coefficient for algorithmic fills")
	slippageModel := flag.String("slippage-model", "linear", "Slippage shape: linear or sqrt")
	timeframe := flag.String("timeframe", "1m", "Journal timeframe to replay")
	journalDir := flag.String("journal-dir", "data", "Bar journal directory")
	outputDir := flag.String("output-dir", ".", "Directory for equity curve and summary")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, options{
		strategy:      *strategyName,
		symbol:        *symbol,
		start:         *startStr,
		end:           *endStr,
		capital:       *capital,
		quantity:      *quantity,
		commission:    *commission,
		slippage:      *slippage,
		slippageModel: *slippageModel,
		timeframe:     *timeframe,
		journalDir:    *journalDir,
		outputDir:     *outputDir,
	}); err != nil {
		logger.Error("backtest failed", zap.Error(err))
		os.Exit(1)
	}
}

type options struct {
	strategy      string
	symbol        string
	start         string
	end           string
	capital       float64
	quantity      float64
	commission    float64
	slippage      float64
	slippageModel string
	timeframe     string
	journalDir    string
	outputDir     string
}

func run(logger *zap.Logger, opts options) error {
	start, end, err := parseRange(opts.start, opts.end)
	if err != nil {
		return err
	}
	strategy, err := backtest.NewStrategy(opts.strategy, opts.quantity)
	if err != nil {
		return err
	}
	slippage, err := buildSlippage(opts.slippageModel, opts.slippage)
	if err != nil {
		return err
	}

	reader := marketdata.NewReader(opts.journalDir, logger)
	bars, err := reader.Bars(opts.symbol, opts.timeframe, start, end)
	if err != nil {
		return err
	}

	engine := backtest.NewEngine(backtest.Config{
		Symbol:         opts.symbol,
		InitialCapital: opts.capital,
		Commission:     opts.commission,
		Slippage:       slippage,
		Logger:         logger,
	})
	result, err := engine.Run(strategy, bars)
	if err != nil {
		return err
	}
	if err := backtest.WriteResult(opts.outputDir, result); err != nil {
		return err
	}
	logger.Info("backtest written",
		zap.String("strategy", result.Strategy),
		zap.String("symbol", result.Symbol),
		zap.Int("bars", len(bars)),
		zap.Float64("final_capital", result.FinalCapital),
		zap.Float64("total_return_pct", result.TotalReturnPct),
		zap.String("equity_file", backtest.EquityFileName(result.Strategy, result.Symbol)))
	return nil
}

// parseRange parses the YYYY-MM-DD window. Missing bounds default to the
// whole journal.
func parseRange(startStr, endStr string) (start, end time.Time, err error) {
	end = time.Now().UTC()
	if startStr != "" {
		start, err = time.Parse("2006-01-02", startStr)
		if err != nil {
			return start, end, fmt.Errorf("bad --start: %w", err)
		}
	}
	if endStr != "" {
		end, err = time.Parse("2006-01-02", endStr)
		if err != nil {
			return start, end, fmt.Errorf("bad --end: %w", err)
		}
	}
	if !end.After(start) {
		return start, end, fmt.Errorf("--end must be after --start")
	}
	return start, end, nil
}

func buildSlippage(model string, coefficient float64) (backtest.SlippageModel, error) {
	if coefficient == 0 {
		return nil, nil
	}
	switch model {
	case "linear":
		return backtest.LinearSlippage{Coefficient: coefficient}, nil
	case "sqrt":
		return backtest.SquareRootSlippage{Coefficient: coefficient}, nil
	default:
		return nil, fmt.Errorf("unknown slippage model %q", model)
	}
}
