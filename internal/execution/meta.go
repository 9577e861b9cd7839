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

package execution

import "fmt"

// Well-known meta keys. Meta is an open map so strategies and brokers can
// attach keys the execution layer does not interpret; these are the ones it
// does.
const (
	MetaExecutionID   = "execution_id"
	MetaParentIntent  = "parent_intent_id"
	MetaAlgoType      = "algo_type"
	MetaSliceIdx      = "slice_idx"
	MetaSliceID       = "slice_id"
	MetaVolumeWeight  = "volume_weight"
	MetaBenchmarkVWAP = "benchmark_vwap"
	MetaTargetPOV     = "target_pov"
	MetaVisibleRatio  = "visible_ratio"
	MetaTotalQuantity = "total_quantity"
	MetaReplanned     = "replanned"
	MetaAction        = "action"
	MetaTargetSliceID = "target_slice_id"
	MetaExecution     = "execution"
)

// ActionCancel marks a cancellation intent.
const ActionCancel = "cancel"

// Meta is the open per-intent metadata map. Numeric values arriving over
// JSON decode as float64; accessors normalize.
type Meta map[string]any

// SliceID builds the canonical child slice identifier.
func SliceID(executionID string, sliceIdx int) string {
	return fmt.Sprintf("%s_slice_%d", executionID, sliceIdx)
}

func (m Meta) str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (m Meta) num(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (m Meta) ExecutionID() string { return m.str(MetaExecutionID) }

func (m Meta) AlgoType() AlgoType { return AlgoType(m.str(MetaAlgoType)) }

func (m Meta) SliceIDValue() string { return m.str(MetaSliceID) }

func (m Meta) Action() string { return m.str(MetaAction) }

func (m Meta) TargetSliceID() string { return m.str(MetaTargetSliceID) }

// SliceIdx returns the slice index, -1 when absent.
func (m Meta) SliceIdx() int {
	if v, ok := m.num(MetaSliceIdx); ok {
		return int(v)
	}
	return -1
}

func (m Meta) VolumeWeight() float64 {
	v, _ := m.num(MetaVolumeWeight)
	return v
}

func (m Meta) BenchmarkVWAP() float64 {
	v, _ := m.num(MetaBenchmarkVWAP)
	return v
}

func (m Meta) Replanned() bool {
	v, ok := m[MetaReplanned].(bool)
	return ok && v
}

// IsCancel reports whether this meta marks a cancellation intent.
func (m Meta) IsCancel() bool { return m.Action() == ActionCancel }

// Clone shallow-copies the map.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetMissing writes key=value only when the key is absent, preserving
// whatever the planner (or the strategy) already put there.
func (m Meta) SetMissing(key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
