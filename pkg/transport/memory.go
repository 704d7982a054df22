// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"sync"

	"github.com/rockbot/rockbot/pkg/envelope"
)

// MemoryBus is an in-process Bus used by pipeline, A2A, and scheduler tests.
// It delivers synchronously on Publish and has no prefetch bound, dead-letter
// queue, or redelivery: DeadLetter outcomes are recorded for assertions (see
// DeadLetters) and Retry outcomes are dropped, since there is no real queue
// behind it. Handlers receive Publish's ctx, so Unsubscribe stops further
// deliveries but does not cancel a handler call already in progress.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
	dead []DeadLetterRecord
}

// DeadLetterRecord captures a delivery MemoryBus routed to the DLQ, for test
// assertions.
type DeadLetterRecord struct {
	Topic string
	Env   *envelope.Envelope
}

type memorySub struct {
	pattern string
	queue   string
	handler Handler
	cancel  context.CancelFunc
	closed  bool
}

func (s *memorySub) Unsubscribe() error {
	s.cancel()
	s.closed = true
	return nil
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

// Publish delivers env synchronously to every matching, non-closed
// subscription. Within one queue name, only the first matching subscription
// receives the message (mirrors competing-consumer semantics); subscriptions
// on distinct queue names each get their own copy (fan-out).
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	b.mu.RLock()
	subs := append([]*memorySub(nil), b.subs[topic]...)
	for pattern, ss := range b.subs {
		if pattern == topic {
			continue
		}
		for _, s := range ss {
			if MatchTopic(pattern, topic) {
				subs = append(subs, s)
			}
		}
	}
	b.mu.RUnlock()

	delivered := make(map[string]bool)
	for _, s := range subs {
		if s.closed || delivered[s.queue] {
			continue
		}
		delivered[s.queue] = true
		outcome := s.handler(ctx, env.Clone())
		if outcome == DeadLetter {
			b.mu.Lock()
			b.dead = append(b.dead, DeadLetterRecord{Topic: topic, Env: env})
			b.mu.Unlock()
		}
	}
	return nil
}

// Subscribe registers handler against topicPattern under queueName.
func (b *MemoryBus) Subscribe(ctx context.Context, topicPattern, queueName string, handler Handler) (Subscription, error) {
	_, cancel := context.WithCancel(ctx)
	s := &memorySub{pattern: topicPattern, queue: queueName, handler: handler, cancel: cancel}

	b.mu.Lock()
	b.subs[topicPattern] = append(b.subs[topicPattern], s)
	b.mu.Unlock()

	return s, nil
}

// Close unsubscribes everything.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ss := range b.subs {
		for _, s := range ss {
			s.cancel()
			s.closed = true
		}
	}
	return nil
}

// DeadLetters returns a snapshot of every delivery that resulted in DeadLetter.
func (b *MemoryBus) DeadLetters() []DeadLetterRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]DeadLetterRecord(nil), b.dead...)
}
