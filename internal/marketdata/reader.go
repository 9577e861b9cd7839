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

// Package marketdata reads historical OHLCV bars from NDJSON journals and
// derives the rolling volume statistics the execution layer consumes.
// Journal files are named <symbol>_<timeframe>.ndjson with "/" in symbols
// flattened to "-" (BTC/USDT 1m bars live in BTC-USDT_1m.ndjson).
package marketdata

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Bar is one OHLCV candle. TimestampNS marks the bar's open time.
type Bar struct {
	TimestampNS int64   `json:"timestamp_ns"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// TypicalPrice is the (high+low+close)/3 price used for VWAP benchmarks.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Reader errors.
var (
	ErrNoData = errors.New("marketdata: no bars in range")
)

// Reader serves bar queries from a journal directory.
type Reader struct {
	dir    string
	logger *zap.Logger
}

// NewReader builds a reader over dir.
func NewReader(dir string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{dir: dir, logger: logger}
}

// FileName maps (symbol, timeframe) to the journal filename.
func FileName(symbol, timeframe string) string {
	return strings.ReplaceAll(symbol, "/", "-") + "_" + timeframe + ".ndjson"
}

// Bars returns the symbol's bars with open time in [start, end), sorted by
// timestamp. A missing journal file is ErrNoData, not an I/O failure.
func (r *Reader) Bars(symbol, timeframe string, start, end time.Time) ([]Bar, error) {
	path := filepath.Join(r.dir, FileName(symbol, timeframe))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrNoData, symbol, timeframe)
		}
		return nil, err
	}
	defer f.Close()

	startNS, endNS := start.UnixNano(), end.UnixNano()
	var bars []Bar
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var b Bar
		if err := json.Unmarshal(raw, &b); err != nil {
			r.logger.Warn("skipping malformed bar",
				zap.String("file", path),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		if b.TimestampNS >= startNS && b.TimestampNS < endNS {
			bars = append(bars, b)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s [%s, %s)", ErrNoData, symbol, timeframe,
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TimestampNS < bars[j].TimestampNS })
	return bars, nil
}

// WriteBars appends bars to the symbol's journal, creating it if needed.
// Used by ingest tooling and tests.
func (r *Reader) WriteBars(symbol, timeframe string, bars []Bar) error {
	path := filepath.Join(r.dir, FileName(symbol, timeframe))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, b := range bars {
		if err := enc.Encode(b); err != nil {
			return err
		}
	}
	return w.Flush()
}

// AvgVolume1h is the mean per-minute volume over the trailing hour of 1m
// bars ending at now.
func (r *Reader) AvgVolume1h(symbol string, now time.Time) (float64, error) {
	bars, err := r.Bars(symbol, "1m", now.Add(-time.Hour), now)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, b := range bars {
		total += b.Volume
	}
	return total / float64(len(bars)), nil
}

// VolumeVolatility is the coefficient of variation (stddev/mean) of bar
// volumes over the window, on 1m bars. Zero mean volume reports zero.
func (r *Reader) VolumeVolatility(symbol string, window time.Duration, now time.Time) (float64, error) {
	bars, err := r.Bars(symbol, "1m", now.Add(-window), now)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	mean := sum / float64(len(bars))
	if mean == 0 {
		return 0, nil
	}
	var sq float64
	for _, b := range bars {
		d := b.Volume - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(bars))) / mean, nil
}

// RecentVolume is the total volume traded in the trailing window of 1m
// bars ending at now.
func (r *Reader) RecentVolume(symbol string, window time.Duration, now time.Time) (float64, error) {
	bars, err := r.Bars(symbol, "1m", now.Add(-window), now)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, b := range bars {
		total += b.Volume
	}
	return total, nil
}
