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

package retention

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"njord/internal/telemetry/journal"
)

func testPolicy() Policy {
	return Policy{
		Tiers: []Tier{
			{Resolution: "1h", RetentionDays: 30},
			{Resolution: "1m", RetentionDays: 2},
			{Resolution: "5m", RetentionDays: 7},
		},
		Schedule: "0 3 * * *",
	}
}

func TestPolicyValidate_SortsTiersAscending(t *testing.T) {
	p := testPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := []string{"1m", "5m", "1h"}
	for i, tier := range p.Tiers {
		if tier.Resolution != want[i] {
			t.Fatalf("tier %d = %s, want %s", i, tier.Resolution, want[i])
		}
	}
	if p.LongestRetentionDays() != 30 {
		t.Fatalf("longest retention = %d, want 30", p.LongestRetentionDays())
	}
}

func TestPolicyValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		want   error
	}{
		{"no tiers", Policy{Schedule: "* * * * *"}, ErrNoTiers},
		{"bad resolution", Policy{Tiers: []Tier{{Resolution: "2m", RetentionDays: 1}}, Schedule: "* * * * *"}, ErrUnknownResolution},
		{"negative days", Policy{Tiers: []Tier{{Resolution: "1m", RetentionDays: -1}}, Schedule: "* * * * *"}, ErrNegativeRetention},
		{"bad schedule", Policy{Tiers: []Tier{{Resolution: "1m", RetentionDays: 1}}, Schedule: "nope"}, ErrBadSchedule},
	}
	for _, c := range cases {
		if err := c.policy.Validate(); !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	valid := []string{"* * * * *", "0 3 * * *", "*/5 0-12 1,15 * *", "0 0 1 1 0"}
	for _, s := range valid {
		if err := ValidateSchedule(s); err != nil {
			t.Errorf("%q should validate: %v", s, err)
		}
	}
	invalid := []string{"", "* * * *", "* * * * * *", "a * * * *", "0 3 * * mon"}
	for _, s := range invalid {
		if err := ValidateSchedule(s); !errors.Is(err, ErrBadSchedule) {
			t.Errorf("%q should fail validation, got %v", s, err)
		}
	}
}

func writeAged(t *testing.T, path string, age time.Duration, records []journal.Record) {
	t.Helper()
	if err := journal.WriteFile(path, records); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func someRecords(tsNS int64, n int) []journal.Record {
	out := make([]journal.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, journal.ScalarRecord(tsNS+int64(i)*int64(time.Minute), "c", "counter", nil, 1, 60))
	}
	return out
}

func TestApply_DownsamplesAgedTier(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewEngine(dir, testPolicy(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	// A 1m file older than tier 1's two-day retention: must roll into 5m.
	writeAged(t, filepath.Join(dir, "metrics_20250101_1m.jsonl"), 72*time.Hour, someRecords(0, 10))
	// A fresh 1m file: untouched.
	writeAged(t, filepath.Join(dir, "metrics_20250601_1m.jsonl"), time.Hour, someRecords(0, 3))

	counts, err := engine.Apply()
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if counts.Downsampled != 1 {
		t.Fatalf("downsampled = %d, want 1", counts.Downsampled)
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics_20250101_1m.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("source should be removed after downsample")
	}
	records, err := journal.ReadFile(filepath.Join(dir, "metrics_20250101_5m.jsonl"))
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	// Ten 1m counter records collapse into two 5m buckets of 5 each.
	if len(records) != 2 || records[0].ValueOf() != 5 || records[1].ValueOf() != 5 {
		t.Fatalf("unexpected downsampled records: %+v", records)
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics_20250601_1m.jsonl")); err != nil {
		t.Fatalf("fresh file must survive: %v", err)
	}
}

func TestApply_CompressesAndDeletes(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewEngine(dir, testPolicy(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	// Old 1h file (past 7-day compress age but inside 30-day retention).
	writeAged(t, filepath.Join(dir, "metrics_20250510_1h.jsonl"), 10*24*time.Hour, someRecords(0, 4))
	// Ancient 1h file past the longest tier: deleted.
	writeAged(t, filepath.Join(dir, "metrics_20240101_1h.jsonl"), 60*24*time.Hour, someRecords(0, 4))

	counts, err := engine.Apply()
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if counts.Compressed < 1 {
		t.Fatalf("compressed = %d, want >= 1", counts.Compressed)
	}
	gzPath := filepath.Join(dir, "metrics_20250510_1h.jsonl.gz")
	if _, err := os.Stat(gzPath); err != nil {
		t.Fatalf("expected gz output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics_20250510_1h.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("compressed source must be deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics_20240101_1h.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("expired file must be deleted")
	}

	// Round-trip through the gz file.
	records, err := journal.ReadFile(gzPath)
	if err != nil {
		t.Fatalf("read gz: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("gz round-trip lost records: %d", len(records))
	}
}

func TestApply_UnknownResolutionSkipped(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewEngine(dir, testPolicy(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	// A journal whose suffix is not a known resolution label is never
	// picked up by tier downsampling.
	writeAged(t, filepath.Join(dir, "metrics_20250101_raw.jsonl"), 72*time.Hour, someRecords(0, 2))

	counts, err := engine.Apply()
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if counts.Downsampled != 0 {
		t.Fatalf("nothing should downsample, got %d", counts.Downsampled)
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics_20250101_raw.jsonl")); err != nil {
		t.Fatalf("unknown-resolution file must survive the pass: %v", err)
	}
}
