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

package alerts

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"njord/internal/telemetry/metric"
	"njord/internal/telemetry/ops"
	"njord/pkg/bus"
)

// AlertsTopic is where firing alerts are published.
const AlertsTopic = "telemetry.alerts"

// dedupWindow suppresses repeat emissions for the same (rule, metric)
// identity. Measured on sample timestamps, not wall clock.
const dedupWindow = 5 * time.Minute

// Alert is the payload published on AlertsTopic when a rule fires.
type Alert struct {
	Name        string            `json:"name"`
	Metric      string            `json:"metric"`
	State       string            `json:"state"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	TimestampNS int64             `json:"timestamp_ns"`
}

const (
	stateFiring  = "firing"
	statePending = "pending"
)

// alertState tracks one active (rule, series) pair. Resolved pairs are not
// stored; resolution removes the entry.
type alertState struct {
	state         string
	currentValue  float64
	activeSinceNS int64
}

// Evaluator runs every rule against every matching sample and drives the
// pending/firing state machine. All timing is derived from sample
// timestamps so backtested streams alert identically to live ones.
type Evaluator struct {
	rules  []Rule
	pub    bus.Bus
	logger *zap.Logger
	opsm   *ops.Metrics

	mu        sync.Mutex
	active    map[string]*alertState
	lastFired map[string]int64 // rule.name + metric.name -> emission ts

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEvaluator builds an evaluator over a fixed rule set. pub may be nil
// in tests; emissions are then log-only.
func NewEvaluator(rules []Rule, pub bus.Bus, logger *zap.Logger, opsm *ops.Metrics) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		rules:     rules,
		pub:       pub,
		logger:    logger,
		opsm:      opsm,
		active:    make(map[string]*alertState),
		lastFired: make(map[string]int64),
		stopChan:  make(chan struct{}),
	}
}

// ReplaceRules swaps the rule set in place, used on config reload. Active
// state for rules that disappeared is dropped.
func (e *Evaluator) ReplaceRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keep := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		keep[r.Name] = struct{}{}
	}
	for key := range e.active {
		name, _, _ := splitAlertKey(key)
		if _, ok := keep[name]; !ok {
			delete(e.active, key)
		}
	}
	e.rules = rules
}

// Start subscribes to the metric stream and evaluates rules against every
// sample until Stop is called.
func (e *Evaluator) Start(ctx context.Context, b bus.Bus, topic string) error {
	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-e.stopChan:
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				s, err := metric.ParseSample(msg.Payload)
				if err != nil {
					e.logger.Warn("dropping malformed sample", zap.Error(err))
					continue
				}
				e.EvaluateSample(ctx, s)
			}
		}
	}()
	return nil
}

// Stop terminates the consume loop.
func (e *Evaluator) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

// EvaluateSample runs every rule whose metric matches the sample's name.
func (e *Evaluator) EvaluateSample(ctx context.Context, s metric.Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		rule := &e.rules[i]
		if rule.Metric != s.Name {
			continue
		}
		e.evaluateRuleLocked(ctx, rule, s)
	}
}

// ActiveCount reports the number of tracked (rule, series) entries.
func (e *Evaluator) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func alertKey(ruleName string, s metric.Sample) string {
	return ruleName + ":" + s.Name + ":" + metric.LabelKey(s.Labels)
}

// dedupKey identifies the (rule, metric) pair for emission dedup. Separated
// like alertKey so "high"+"_load" and "high_"+"load" stay distinct.
func dedupKey(ruleName, metricName string) string {
	return ruleName + ":" + metricName
}

// splitAlertKey recovers the rule name from an alert key.
func splitAlertKey(key string) (rule, metricName, labels string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			rest := key[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == ':' {
					return key[:i], rest[:j], rest[j+1:]
				}
			}
			return key[:i], rest, ""
		}
	}
	return key, "", ""
}

func (e *Evaluator) evaluateRuleLocked(ctx context.Context, rule *Rule, s metric.Sample) {
	op, threshold, ok := parseCondition(rule.Condition)
	if !ok {
		e.logger.Warn("unparseable alert condition",
			zap.String("rule", rule.Name),
			zap.String("condition", rule.Condition))
	}
	truth := ok && compare(op, s.Value, threshold)
	key := alertKey(rule.Name, s)
	st, exists := e.active[key]

	switch {
	case !exists && truth && rule.DurationSeconds == 0:
		e.active[key] = &alertState{state: stateFiring, currentValue: s.Value, activeSinceNS: s.TimestampNS}
		e.emitLocked(ctx, rule, s)

	case !exists && truth:
		e.active[key] = &alertState{state: statePending, currentValue: s.Value, activeSinceNS: s.TimestampNS}

	case !exists:
		// Condition false with no tracked state: nothing to do.

	case st.state == statePending && truth:
		st.currentValue = s.Value
		elapsed := s.TimestampNS - st.activeSinceNS
		if elapsed >= int64(rule.DurationSeconds)*int64(time.Second) {
			st.state = stateFiring
			e.emitLocked(ctx, rule, s)
		}

	case st.state == statePending:
		delete(e.active, key)

	case st.state == stateFiring && truth:
		st.currentValue = s.Value
		if s.TimestampNS-e.lastFired[dedupKey(rule.Name, s.Name)] >= dedupWindow.Nanoseconds() {
			e.emitLocked(ctx, rule, s)
		}

	case st.state == stateFiring:
		delete(e.active, key)
		e.logger.Info("alert resolved",
			zap.String("rule", rule.Name),
			zap.String("metric", s.Name),
			zap.Float64("value", s.Value),
			zap.Int64("timestamp_ns", s.TimestampNS))
	}
}

// emitLocked publishes a firing alert unless the dedup window for this
// (rule, metric) identity is still open.
func (e *Evaluator) emitLocked(ctx context.Context, rule *Rule, s metric.Sample) {
	key := dedupKey(rule.Name, s.Name)
	if last, ok := e.lastFired[key]; ok && s.TimestampNS-last < dedupWindow.Nanoseconds() {
		e.opsm.AlertSuppressed()
		e.logger.Info("alert suppressed by dedup window",
			zap.String("rule", rule.Name),
			zap.String("metric", s.Name))
		return
	}
	e.lastFired[key] = s.TimestampNS

	labels := make(map[string]string, len(rule.Labels)+len(s.Labels))
	for k, v := range s.Labels {
		labels[k] = v
	}
	for k, v := range rule.Labels {
		labels[k] = v
	}
	alert := Alert{
		Name:        rule.Name,
		Metric:      s.Name,
		State:       stateFiring,
		Value:       s.Value,
		Labels:      labels,
		Annotations: renderAnnotations(rule.Annotations, s.Labels),
		TimestampNS: s.TimestampNS,
	}
	e.opsm.AlertFired()
	e.logger.Warn("alert firing",
		zap.String("rule", rule.Name),
		zap.String("metric", s.Name),
		zap.Float64("value", s.Value))

	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		e.logger.Error("marshal alert", zap.Error(err))
		return
	}
	if err := e.pub.Publish(ctx, AlertsTopic, payload); err != nil {
		e.logger.Error("publish alert", zap.Error(err))
	}
}
