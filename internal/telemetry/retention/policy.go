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

// Package retention downsamples, compresses and deletes aggregated journal
// files according to a multi-tier policy. Scheduling is the host's problem:
// an external scheduler (or telemetryd's ticker) invokes Apply.
package retention

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"njord/internal/telemetry/journal"
)

// Tier couples a journal resolution with how long files of that resolution
// are kept before rolling into the next tier.
type Tier struct {
	Resolution    string `yaml:"resolution"`
	RetentionDays int    `yaml:"retention_days"`
}

// Policy is a non-empty ordered sequence of tiers plus a cron-style cleanup
// schedule. Tiers are processed shortest-retention first; each tier
// downsamples into the next.
type Policy struct {
	Tiers    []Tier `yaml:"tiers"`
	Schedule string `yaml:"schedule"`
}

// Policy validation errors.
var (
	ErrNoTiers           = errors.New("retention: policy needs at least one tier")
	ErrUnknownResolution = errors.New("retention: unknown resolution label")
	ErrNegativeRetention = errors.New("retention: retention_days must be >= 0")
	ErrBadSchedule       = errors.New("retention: malformed cron schedule")
)

// Validate checks the policy and normalizes tier order (ascending by
// retention days).
func (p *Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return ErrNoTiers
	}
	for _, tier := range p.Tiers {
		if _, ok := journal.ResolutionSeconds[tier.Resolution]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownResolution, tier.Resolution)
		}
		if tier.RetentionDays < 0 {
			return fmt.Errorf("%w: %s has %d", ErrNegativeRetention, tier.Resolution, tier.RetentionDays)
		}
	}
	if err := ValidateSchedule(p.Schedule); err != nil {
		return err
	}
	sort.SliceStable(p.Tiers, func(i, j int) bool {
		return p.Tiers[i].RetentionDays < p.Tiers[j].RetentionDays
	})
	return nil
}

// LongestRetentionDays returns the retention of the last tier. Only valid
// after Validate.
func (p *Policy) LongestRetentionDays() int {
	if len(p.Tiers) == 0 {
		return 0
	}
	return p.Tiers[len(p.Tiers)-1].RetentionDays
}

// ValidateSchedule performs the syntactic cron check: exactly five
// space-separated fields, each composed of digits, '*', ',', '-' and '/'.
// Semantic interpretation is delegated to the host scheduler.
func ValidateSchedule(schedule string) error {
	fields := strings.Fields(schedule)
	if len(fields) != 5 {
		return fmt.Errorf("%w: want 5 fields, got %d", ErrBadSchedule, len(fields))
	}
	for _, field := range fields {
		for _, r := range field {
			switch {
			case r >= '0' && r <= '9':
			case r == '*' || r == ',' || r == '-' || r == '/':
			default:
				return fmt.Errorf("%w: field %q", ErrBadSchedule, field)
			}
		}
	}
	return nil
}
