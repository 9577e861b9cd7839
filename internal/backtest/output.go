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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// EquityFileName is the NDJSON equity curve path for a run.
func EquityFileName(strategy, symbol string) string {
	return fmt.Sprintf("equity_%s_%s.ndjson", strategy, sanitizeSymbol(symbol))
}

// SummaryFileName is the run summary path written next to the curve.
func SummaryFileName(strategy, symbol string) string {
	return fmt.Sprintf("summary_%s_%s.json", strategy, sanitizeSymbol(symbol))
}

func sanitizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// WriteResult writes the equity curve as NDJSON plus a summary JSON into
// dir, creating it if needed. Output is deterministic for a deterministic
// result.
func WriteResult(dir string, r *Result) (err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, EquityFileName(r.Strategy, r.Symbol)))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, p := range r.EquityCurve {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	summary, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SummaryFileName(r.Strategy, r.Symbol)), append(summary, '\n'), 0o644)
}
