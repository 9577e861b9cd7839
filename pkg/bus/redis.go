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
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub, for deployments where the
// producers and the telemetry services run in separate processes. Topic
// names map one-to-one onto Redis channels; the trailing-"*" wildcard maps
// onto PSUBSCRIBE. Redis pub/sub shares our delivery contract exactly:
// fire-and-forget, per-publisher ordering, drops under subscriber pressure.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBus wraps an existing go-redis client. The caller keeps ownership
// of the client's configuration; Close closes it.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[*redisSub]struct{}),
	}
}

// Publish sends payload on topic via Redis PUBLISH.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

type redisSub struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}

// Subscribe opens a dedicated Redis subscription. Patterns ending in "*"
// use PSUBSCRIBE; everything else uses SUBSCRIBE.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	var pubsub *redis.PubSub
	if strings.HasSuffix(topic, "*") {
		pubsub = b.client.PSubscribe(ctx, topic)
	} else {
		pubsub = b.client.Subscribe(ctx, topic)
	}
	// Force the subscription handshake so callers observe "messages after
	// subscription" semantics once Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		bus:    b,
		pubsub: pubsub,
		ch:     make(chan Message, DefaultSubscriberBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		in := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Close closes all subscriptions and the underlying client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return b.client.Close()
}
