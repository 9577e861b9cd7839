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

package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a bus that has been closed.
var ErrClosed = errors.New("bus: closed")

// DefaultSubscriberBuffer is the per-subscription channel capacity used when
// no explicit buffer size is configured. When a subscriber falls this far
// behind, further messages for it are dropped.
const DefaultSubscriberBuffer = 256

// MemoryBus is the in-process Bus used by single-binary deployments and by
// every test. Publish fans the message out to each matching subscription's
// buffered channel; a full buffer drops the message for that subscriber only.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	buffer int
	closed bool

	// onDrop, when set, is invoked with the topic of every message dropped
	// because a subscriber buffer was full. Used for ops counters.
	onDrop func(topic string)
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithSubscriberBuffer overrides the per-subscription channel capacity.
func WithSubscriberBuffer(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHandler installs a callback invoked once per dropped message.
// The callback must not block; it runs on the publisher's goroutine.
func WithDropHandler(fn func(topic string)) MemoryOption {
	return func(b *MemoryBus) { b.onDrop = fn }
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		subs:   make(map[*memorySub]struct{}),
		buffer: DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	// Closing under the write lock excludes in-flight Publish sends, which
	// hold the read lock for the duration of the fan-out.
	s.once.Do(func() { close(s.ch) })
	s.bus.mu.Unlock()
	return nil
}

// Publish delivers payload to every subscription whose pattern matches
// topic. Delivery to each subscriber is non-blocking.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	msg := Message{Topic: topic, Payload: payload}
	for sub := range b.subs {
		if !TopicMatches(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber: drop for this cursor only.
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}
	return nil
}

// Subscribe registers a new independent cursor for the given topic pattern.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, pattern: topic, ch: make(chan Message, b.buffer)}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close closes the bus and every open subscription. Messages already
// buffered remain readable until each subscriber drains its channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
	return nil
}
