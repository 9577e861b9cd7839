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

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"njord/pkg/bus"
)

// Router selection thresholds.
const (
	urgencyPOVSeconds    = 60
	icebergVolumeFactor  = 10
	volatilityVWAPCutoff = 0.5
)

// Router picks an execution algorithm for a parent intent, plans child
// intents, and publishes them on the intent topic wrapped as
// {"intent": ...}. It never talks to a venue.
type Router struct {
	planners map[AlgoType]Planner
	order    []AlgoType // registration order, for deterministic fallback
	data     HistoricalData
	pub      bus.Bus
	logger   *zap.Logger

	now func() time.Time // test seam
}

// NewRouter builds a router; register planners with Register.
func NewRouter(data HistoricalData, pub bus.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		planners: make(map[AlgoType]Planner),
		data:     data,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds a planner. Later registrations for the same algo type
// replace earlier ones.
func (r *Router) Register(p Planner) {
	if _, ok := r.planners[p.AlgoType()]; !ok {
		r.order = append(r.order, p.AlgoType())
	}
	r.planners[p.AlgoType()] = p
}

// selectAlgo applies the routing rules in order. urgency <= 0 means the
// caller expressed no urgency.
func (r *Router) selectAlgo(parent Intent, urgency time.Duration) AlgoType {
	if urgency > 0 && urgency < urgencyPOVSeconds*time.Second {
		return AlgoPOV
	}
	if r.data != nil {
		at := time.Unix(0, parent.TimestampNS)
		if avg, err := r.data.AvgVolume1h(parent.Symbol, at); err == nil && avg > 0 &&
			parent.Quantity > icebergVolumeFactor*avg {
			return AlgoIceberg
		}
		if vol, err := r.data.VolumeVolatility(parent.Symbol, time.Hour, at); err == nil &&
			vol > volatilityVWAPCutoff {
			return AlgoVWAP
		}
	}
	return AlgoTWAP
}

// defaultDuration picks the execution window by parent quantity.
func defaultDuration(qty float64) int {
	switch {
	case qty < 10:
		return 300
	case qty < 100:
		return 600
	default:
		return 900
	}
}

// RouteOrder selects an executor for the parent intent, plans the child
// intents, augments their meta and publishes each on the intent topic.
// The returned execution id correlates the children and their fills.
func (r *Router) RouteOrder(ctx context.Context, parent Intent, urgency time.Duration) (string, error) {
	if parent.Quantity <= 0 {
		return "", ErrInvalidQuantity
	}
	if len(r.planners) == 0 {
		return "", ErrNoExecutors
	}

	algoType := r.selectAlgo(parent, urgency)
	planner, ok := r.planners[algoType]
	if !ok {
		// Fall back to any registered executor.
		fallback := r.order[0]
		r.logger.Warn("selected executor not registered, falling back",
			zap.String("selected", string(algoType)),
			zap.String("fallback", string(fallback)))
		algoType = fallback
		planner = r.planners[fallback]
	}

	execID := uuid.NewString()
	algo := Algorithm{
		ExecutionID:     execID,
		AlgoType:        algoType,
		Symbol:          parent.Symbol,
		Side:            parent.Side,
		OrderType:       parent.Type,
		TotalQuantity:   parent.Quantity,
		DurationSeconds: defaultDuration(parent.Quantity),
		StartNS:         parent.TimestampNS,
		Params:          map[string]float64{},
	}
	if parent.LimitPrice > 0 {
		algo.Params["limit_price"] = parent.LimitPrice
	}

	intents, err := planner.Plan(algo)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExecutorFailed, algoType, err)
	}

	for i := range intents {
		if intents[i].Meta == nil {
			intents[i].Meta = Meta{}
		}
		m := intents[i].Meta
		m.SetMissing(MetaExecutionID, execID)
		m.SetMissing(MetaParentIntent, parent.ID)
		m.SetMissing(MetaAlgoType, string(algoType))
		m.SetMissing(MetaSliceIdx, i)
		m.SetMissing(MetaSliceID, SliceID(m.ExecutionID(), m.SliceIdx()))
		if intents[i].StrategyID == "" {
			intents[i].StrategyID = parent.StrategyID
		}
		if err := r.publishIntent(ctx, intents[i]); err != nil {
			return "", err
		}
	}
	r.logger.Info("order routed",
		zap.String("execution_id", execID),
		zap.String("algo", string(algoType)),
		zap.String("symbol", parent.Symbol),
		zap.Float64("qty", parent.Quantity),
		zap.Int("intents", len(intents)))
	return execID, nil
}

// intentEnvelope is the wire wrapper on the intent topic.
type intentEnvelope struct {
	Intent Intent `json:"intent"`
}

func (r *Router) publishIntent(ctx context.Context, in Intent) error {
	if r.pub == nil {
		return nil
	}
	payload, err := json.Marshal(intentEnvelope{Intent: in})
	if err != nil {
		return err
	}
	return r.pub.Publish(ctx, IntentTopic, payload)
}
