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

// Package journal implements the append-only NDJSON journal of aggregated
// metrics. One file per UTC day and resolution, named
// `metrics_YYYYMMDD_<resolution>.jsonl`; the retention engine later
// downsamples, compresses (`.jsonl.gz`) and deletes these files.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Resolution labels and their bucket widths in seconds.
var ResolutionSeconds = map[string]int{
	"1m": 60,
	"5m": 300,
	"1h": 3600,
	"1d": 86400,
}

// ResolutionForInterval maps a bucket width back to its label.
func ResolutionForInterval(seconds int) (string, bool) {
	for label, s := range ResolutionSeconds {
		if s == seconds {
			return label, true
		}
	}
	return "", false
}

// Record is one aggregated (bucket, family, label-tuple) line. Counters and
// gauges carry Value; histograms carry the raw Observations instead.
type Record struct {
	TimestampNS     int64             `json:"timestamp_ns"`
	MetricName      string            `json:"metric_name"`
	MetricType      string            `json:"metric_type"`
	Labels          map[string]string `json:"labels"`
	Value           *float64          `json:"value,omitempty"`
	Observations    []float64         `json:"observations,omitempty"`
	IntervalSeconds int               `json:"interval_seconds"`
}

// ValueOf returns the scalar value, or 0 for histogram records.
func (r *Record) ValueOf() float64 {
	if r.Value != nil {
		return *r.Value
	}
	return 0
}

// ScalarRecord builds a counter/gauge record.
func ScalarRecord(tsNS int64, name, metricType string, labels map[string]string, value float64, intervalSeconds int) Record {
	v := value
	return Record{
		TimestampNS:     tsNS,
		MetricName:      name,
		MetricType:      metricType,
		Labels:          labels,
		Value:           &v,
		IntervalSeconds: intervalSeconds,
	}
}

// FileName names the journal file for a day and resolution label.
func FileName(day time.Time, resolution string) string {
	return fmt.Sprintf("metrics_%s_%s.jsonl", day.UTC().Format("20060102"), resolution)
}

// ResolutionOf extracts the resolution label from a journal file name, e.g.
// "metrics_20251201_1m.jsonl" -> "1m". The second return is false for names
// that do not carry a known resolution suffix.
func ResolutionOf(name string) (string, bool) {
	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(name), ".gz"), ".jsonl")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return "", false
	}
	label := base[idx+1:]
	_, ok := ResolutionSeconds[label]
	return label, ok
}

// Append writes records to the journal file for their resolution in dir,
// creating it if needed. The file is opened per call; the journal is
// append-only and tolerates interleaved writers at line granularity.
func Append(dir string, day time.Time, resolution string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(day, resolution))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("journal: encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("journal: flush %s: %w", path, err)
	}
	return nil
}

// WriteFile replaces path with the given records (used by downsampling,
// which rewrites whole files rather than appending). Truncation matters:
// a retention pass that re-reaches an existing target must not duplicate
// its records.
func WriteFile(path string, records []Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("journal: encode: %w", err)
		}
	}
	return w.Flush()
}

// ReadFile loads every record from a journal file, transparently
// decompressing `.gz` files. Malformed lines abort the read; journals are
// machine-written and a bad line means truncation or corruption.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("journal: gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var records []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("journal: %s: bad line: %w", path, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	return records, nil
}
