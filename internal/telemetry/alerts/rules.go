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

// Package alerts evaluates threshold rules with duration hysteresis against
// the metric stream and publishes firing alerts on "telemetry.alerts".
package alerts

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one config-loaded alert rule. Condition is "<op> <number>" with
// op in {>, >=, <, <=, =, !=}; DurationSeconds is how long the condition
// must hold before firing (0 fires immediately).
type Rule struct {
	Name            string            `yaml:"name"`
	Metric          string            `yaml:"metric"`
	Condition       string            `yaml:"condition"`
	DurationSeconds int               `yaml:"duration"`
	Labels          map[string]string `yaml:"labels"`
	Annotations     map[string]string `yaml:"annotations"`
}

// Rule-file load errors.
var (
	ErrMissingField = errors.New("alerts: rule missing required field")
	ErrBadRulesFile = errors.New("alerts: malformed rules file")
)

type rulesFile struct {
	Alerts []Rule `yaml:"alerts"`
}

// LoadRules reads the YAML rules file. Missing required fields or a wrong
// top-level shape fail the load.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alerts: read %s: %w", path, err)
	}
	return ParseRules(raw)
}

// ParseRules parses rule file bytes.
func ParseRules(raw []byte) ([]Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRulesFile, err)
	}
	if file.Alerts == nil {
		return nil, fmt.Errorf("%w: missing top-level alerts list", ErrBadRulesFile)
	}
	for i, rule := range file.Alerts {
		if rule.Name == "" {
			return nil, fmt.Errorf("%w: alerts[%d].name", ErrMissingField, i)
		}
		if rule.Metric == "" {
			return nil, fmt.Errorf("%w: alerts[%d].metric", ErrMissingField, i)
		}
		if rule.Condition == "" {
			return nil, fmt.Errorf("%w: alerts[%d].condition", ErrMissingField, i)
		}
	}
	return file.Alerts, nil
}

// parseCondition splits "<op> <number>". ok is false for unknown operators
// or non-numeric thresholds; callers log and evaluate false.
func parseCondition(condition string) (op string, threshold float64, ok bool) {
	parts := strings.Fields(condition)
	if len(parts) != 2 {
		return "", 0, false
	}
	switch parts[0] {
	case ">", ">=", "<", "<=", "=", "!=":
	default:
		return "", 0, false
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], v, true
}

func compare(op string, value, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "=":
		return value == threshold
	case "!=":
		return value != threshold
	}
	return false
}

// renderAnnotations substitutes "{{ $labels.<k> }}" placeholders with the
// sample's label values. Unresolved placeholders are left as-is.
func renderAnnotations(annotations, labels map[string]string) map[string]string {
	if len(annotations) == 0 {
		return nil
	}
	out := make(map[string]string, len(annotations))
	for k, tmpl := range annotations {
		s := tmpl
		for lk, lv := range labels {
			s = strings.ReplaceAll(s, "{{ $labels."+lk+" }}", lv)
		}
		out[k] = s
	}
	return out
}
