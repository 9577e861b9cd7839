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

package scrape

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"njord/internal/telemetry/metric"
	"njord/internal/telemetry/ops"
	"njord/internal/telemetry/registry"
	"njord/pkg/bus"
)

// Consumer applies samples published on the metrics topic directly to
// pre-registered registry families. It never registers a family itself —
// lazy registration belongs to the aggregator — which makes the scraper
// usable standalone for low-volume deployments where aggregation is
// overkill.
type Consumer struct {
	registry *registry.Registry
	logger   *zap.Logger
	opsm     *ops.Metrics

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer builds a consumer over the shared registry.
func NewConsumer(reg *registry.Registry, logger *zap.Logger, opsm *ops.Metrics) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		registry: reg,
		logger:   logger,
		opsm:     opsm,
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to topic and applies samples until Stop.
func (c *Consumer) Start(ctx context.Context, b bus.Bus, topic string) error {
	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-c.stopChan:
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				s, err := metric.ParseSample(msg.Payload)
				if err != nil {
					c.opsm.DropSample("protocol")
					c.logger.Warn("dropping malformed sample", zap.Error(err))
					continue
				}
				c.Apply(s)
			}
		}
	}()
	return nil
}

// Stop terminates the consume loop.
func (c *Consumer) Stop() {
	close(c.stopChan)
	c.wg.Wait()
}

// Apply routes one sample to its family: counter inc, gauge set, histogram
// and summary observe. Unregistered families are warned about and dropped.
func (c *Consumer) Apply(s metric.Sample) {
	kind, ok := c.registry.Kind(s.Name)
	if !ok {
		c.opsm.DropSample("unregistered")
		c.logger.Warn("sample for unregistered family discarded",
			zap.String("name", s.Name),
			zap.String("kind", string(s.Kind)))
		return
	}
	c.opsm.ConsumeSample()

	var err error
	switch kind {
	case metric.KindCounter:
		if f, found := c.registry.Counter(s.Name); found {
			err = f.Inc(s.Labels, s.Value)
		}
	case metric.KindGauge:
		if f, found := c.registry.Gauge(s.Name); found {
			err = f.Set(s.Labels, s.Value)
		}
	case metric.KindHistogram:
		if f, found := c.registry.Histogram(s.Name); found {
			err = f.Observe(s.Labels, s.Value)
		}
	case metric.KindSummary:
		if f, found := c.registry.Summary(s.Name); found {
			err = f.Observe(s.Labels, s.Value)
		}
	}
	if err != nil {
		c.opsm.DropSample("validation")
		c.logger.Warn("sample rejected by family",
			zap.String("name", s.Name),
			zap.Error(err))
	}
}
