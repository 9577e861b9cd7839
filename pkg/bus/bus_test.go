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
	"sync/atomic"
	"testing"
	"time"
)

func recvOne(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription channel closed unexpectedly")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"telemetry.metrics", "telemetry.metrics", true},
		{"telemetry.metrics", "telemetry.alerts", false},
		{"telemetry.*", "telemetry.metrics", true},
		{"telemetry.*", "fills.new", false},
		{"*", "anything.at.all", true},
		{"fills.new", "fills.new.sub", false},
	}
	for _, c := range cases {
		if got := TopicMatches(c.pattern, c.topic); got != c.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "telemetry.metrics")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "telemetry.metrics", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	m := recvOne(t, sub)
	if m.Topic != "telemetry.metrics" || string(m.Payload) != `{"a":1}` {
		t.Fatalf("unexpected message %q on %q", m.Payload, m.Topic)
	}
}

func TestMemoryBus_FanOutIndependentCursors(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	s1, _ := b.Subscribe(context.Background(), "fills.new")
	s2, _ := b.Subscribe(context.Background(), "fills.*")

	_ = b.Publish(context.Background(), "fills.new", []byte("x"))

	m1 := recvOne(t, s1)
	m2 := recvOne(t, s2)
	if string(m1.Payload) != "x" || string(m2.Payload) != "x" {
		t.Fatalf("both subscribers should receive the message, got %q / %q", m1.Payload, m2.Payload)
	}
	// The wildcard subscriber sees the concrete topic, not its pattern.
	if m2.Topic != "fills.new" {
		t.Fatalf("wildcard subscriber saw topic %q, want fills.new", m2.Topic)
	}
}

func TestMemoryBus_SubscriberSeesOnlyMessagesAfterSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	_ = b.Publish(context.Background(), "t", []byte("before"))
	sub, _ := b.Subscribe(context.Background(), "t")
	_ = b.Publish(context.Background(), "t", []byte("after"))

	m := recvOne(t, sub)
	if string(m.Payload) != "after" {
		t.Fatalf("subscriber must not observe pre-subscription messages, got %q", m.Payload)
	}
}

func TestMemoryBus_PerPublisherOrdering(t *testing.T) {
	b := NewMemoryBus(WithSubscriberBuffer(1024))
	defer b.Close()

	sub, _ := b.Subscribe(context.Background(), "t")
	for i := byte(0); i < 100; i++ {
		_ = b.Publish(context.Background(), "t", []byte{i})
	}
	for i := byte(0); i < 100; i++ {
		m := recvOne(t, sub)
		if m.Payload[0] != i {
			t.Fatalf("out-of-order delivery: got %d at position %d", m.Payload[0], i)
		}
	}
}

func TestMemoryBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	var drops atomic.Int64
	b := NewMemoryBus(
		WithSubscriberBuffer(2),
		WithDropHandler(func(string) { drops.Add(1) }),
	)
	defer b.Close()

	sub, _ := b.Subscribe(context.Background(), "t")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = b.Publish(context.Background(), "t", []byte("m"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}
	if got := drops.Load(); got != 8 {
		t.Fatalf("expected 8 drops with buffer 2 and 10 publishes, got %d", got)
	}
	// The buffered messages are still deliverable.
	recvOne(t, sub)
	recvOne(t, sub)
}

func TestMemoryBus_CloseDrainsSubscribers(t *testing.T) {
	b := NewMemoryBus()
	sub, _ := b.Subscribe(context.Background(), "t")
	_ = b.Publish(context.Background(), "t", []byte("last"))
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Buffered message first, then channel close.
	m := recvOne(t, sub)
	if string(m.Payload) != "last" {
		t.Fatalf("expected buffered message after close, got %q", m.Payload)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("channel should be closed after drain")
	}
	if err := b.Publish(context.Background(), "t", nil); err != ErrClosed {
		t.Fatalf("publish after close: got %v, want ErrClosed", err)
	}
}

func TestMemoryBus_SubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, _ := b.Subscribe(context.Background(), "t")
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	// Publishing after the cursor is gone must not panic or deliver.
	_ = b.Publish(context.Background(), "t", []byte("m"))
	if _, ok := <-sub.C(); ok {
		t.Fatalf("closed subscription received a message")
	}
}

func TestPublishJSON(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, _ := b.Subscribe(context.Background(), "t")
	if err := PublishJSON(context.Background(), b, "t", map[string]int{"n": 7}); err != nil {
		t.Fatalf("publish json: %v", err)
	}
	m := recvOne(t, sub)
	if string(m.Payload) != `{"n":7}` {
		t.Fatalf("unexpected payload %q", m.Payload)
	}
}
