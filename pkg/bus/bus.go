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

// Package bus defines the publish/subscribe fabric that glues the njord
// services together. Topics are dotted hierarchical strings
// ("telemetry.metrics", "fills.new"); payloads are opaque JSON documents.
//
// Delivery semantics are deliberately weak: per-publisher FIFO within a
// topic, no global ordering, no exactly-once. Subscribers only see messages
// published after they subscribed, and a slow subscriber loses messages
// rather than blocking publishers. Consumers are expected to be idempotent
// under duplicates and to reconcile missed messages at their own boundaries.
package bus

import (
	"context"
	"encoding/json"
	"strings"
)

// Message is a single payload delivered to a subscriber. Topic is the
// concrete topic it was published on, never the subscription pattern.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is an independent cursor over one topic pattern. Closing a
// subscription releases its buffer and causes C to be closed once drained.
type Subscription interface {
	// C returns the channel messages are delivered on. The channel is
	// closed when the subscription or the bus is closed.
	C() <-chan Message
	// Close cancels the subscription. Safe to call more than once.
	Close() error
}

// Bus is the minimal pub/sub contract shared by the in-memory and Redis
// implementations.
type Bus interface {
	// Publish sends payload on topic. Fire-and-forget: a nil error means
	// the message was accepted, not that anyone received it.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a new cursor for topic. A trailing "*" matches
	// any suffix ("telemetry.*" matches "telemetry.metrics").
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Close tears down the bus and closes every open subscription.
	Close() error
}

// TopicMatches reports whether a concrete topic matches a subscription
// pattern. The only wildcard form is a trailing "*".
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b Bus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, payload)
}
