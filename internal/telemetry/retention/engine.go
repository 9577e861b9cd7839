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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"njord/internal/telemetry/aggregator"
	"njord/internal/telemetry/journal"
)

// compressAfter is how old an uncompressed journal must be before it is
// rewritten to gzip.
const compressAfter = 7 * 24 * time.Hour

// Counts summarizes one retention pass. Failed per-file operations are
// counted in Failed and reported through the returned error, but never
// abort the pass; partial progress is the norm under transient I/O errors.
type Counts struct {
	Downsampled int
	Compressed  int
	Deleted     int
	Failed      int
}

// Engine applies a Policy to the aggregated-journal directory.
type Engine struct {
	dir    string
	policy Policy
	logger *zap.Logger

	now func() time.Time // test seam
}

// NewEngine validates the policy and builds an engine over dir.
func NewEngine(dir string, policy Policy, logger *zap.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{dir: dir, policy: policy, logger: logger, now: time.Now}, nil
}

// Apply runs one full retention pass: tier downsampling, then compression,
// then deletion past the longest tier.
func (e *Engine) Apply() (Counts, error) {
	var counts Counts
	var errs error

	for i := 0; i+1 < len(e.policy.Tiers); i++ {
		e.downsampleTier(e.policy.Tiers[i], e.policy.Tiers[i+1], &counts, &errs)
	}
	e.compressAged(&counts, &errs)
	e.deleteExpired(&counts, &errs)
	return counts, errs
}

// RunEvery invokes Apply on a fixed interval until ctx is cancelled. A
// convenience for hosts without an external cron.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := e.Apply()
			if err != nil {
				e.logger.Warn("retention pass had failures", zap.Error(err))
			}
			e.logger.Info("retention pass complete",
				zap.Int("downsampled", counts.Downsampled),
				zap.Int("compressed", counts.Compressed),
				zap.Int("deleted", counts.Deleted),
				zap.Int("failed", counts.Failed))
		}
	}
}

// downsampleTier rolls files of tier's resolution, older than its
// retention, into next's resolution.
func (e *Engine) downsampleTier(tier, next Tier, counts *Counts, errs *error) {
	pattern := filepath.Join(e.dir, "*_"+tier.Resolution+".jsonl")
	files, err := filepath.Glob(pattern)
	if err != nil {
		*errs = multierr.Append(*errs, err)
		counts.Failed++
		return
	}
	cutoff := e.now().Add(-time.Duration(tier.RetentionDays) * 24 * time.Hour)
	targetSeconds := journal.ResolutionSeconds[next.Resolution]

	for _, path := range files {
		if res, ok := journal.ResolutionOf(path); !ok || res != tier.Resolution {
			e.logger.Warn("skipping journal with unknown resolution", zap.String("file", path))
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			*errs = multierr.Append(*errs, err)
			counts.Failed++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := e.downsampleFile(path, tier.Resolution, next.Resolution, targetSeconds); err != nil {
			e.logger.Warn("downsample failed", zap.String("file", path), zap.Error(err))
			*errs = multierr.Append(*errs, err)
			counts.Failed++
			continue
		}
		counts.Downsampled++
	}
}

func (e *Engine) downsampleFile(path, fromRes, toRes string, targetSeconds int) error {
	records, err := journal.ReadFile(path)
	if err != nil {
		return err
	}
	rebucketed := aggregator.DownsampleToInterval(records, targetSeconds)
	target := strings.TrimSuffix(path, "_"+fromRes+".jsonl") + "_" + toRes + ".jsonl"
	if err := journal.WriteFile(target, rebucketed); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("retention: remove %s after downsample: %w", path, err)
	}
	e.logger.Debug("downsampled journal",
		zap.String("from", path),
		zap.String("to", target),
		zap.Int("records_in", len(records)),
		zap.Int("records_out", len(rebucketed)))
	return nil
}

// compressAged rewrites *.jsonl (never *.gz) older than 7 days to gzip.
func (e *Engine) compressAged(counts *Counts, errs *error) {
	files, err := filepath.Glob(filepath.Join(e.dir, "*.jsonl"))
	if err != nil {
		*errs = multierr.Append(*errs, err)
		counts.Failed++
		return
	}
	cutoff := e.now().Add(-compressAfter)
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			*errs = multierr.Append(*errs, err)
			counts.Failed++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := compressFile(path); err != nil {
			e.logger.Warn("compression failed", zap.String("file", path), zap.Error(err))
			*errs = multierr.Append(*errs, err)
			counts.Failed++
			continue
		}
		counts.Compressed++
	}
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path + ".gz")
		return err
	}
	// Source is deleted only after the gz file is durably written.
	return os.Remove(path)
}

// deleteExpired removes any *.jsonl* older than the longest tier.
func (e *Engine) deleteExpired(counts *Counts, errs *error) {
	files, err := filepath.Glob(filepath.Join(e.dir, "*.jsonl*"))
	if err != nil {
		*errs = multierr.Append(*errs, err)
		counts.Failed++
		return
	}
	cutoff := e.now().Add(-time.Duration(e.policy.LongestRetentionDays()) * 24 * time.Hour)
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			*errs = multierr.Append(*errs, err)
			counts.Failed++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			e.logger.Warn("delete failed", zap.String("file", path), zap.Error(err))
			*errs = multierr.Append(*errs, err)
			counts.Failed++
			continue
		}
		counts.Deleted++
	}
}
