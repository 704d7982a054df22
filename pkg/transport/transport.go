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

// Package transport defines the contract the host requires of any message
// bus binding. The concrete broker (durable queues, dead-letter routing,
// prefetch-based backpressure) lives outside this module; callers supply an
// implementation that satisfies Bus.
package transport

import (
	"context"

	"github.com/rockbot/rockbot/pkg/envelope"
)

// Outcome is the result a Handler returns for one delivered envelope.
type Outcome int

const (
	// Ack acknowledges successful processing; the broker may discard the message.
	Ack Outcome = iota
	// Retry redelivers the message, typically after a transient failure.
	Retry
	// DeadLetter routes the message to the topic's dead-letter queue.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Handler processes one delivered envelope and reports its disposition.
type Handler func(ctx context.Context, env *envelope.Envelope) Outcome

// Subscription represents an active subscription; Unsubscribe stops further
// deliveries and cancels the context passed to in-flight handler calls.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport contract the host depends on. Topic patterns use
// dot-separated segments with `*` matching exactly one segment and `#`
// matching the remainder, mirroring the topic conventions in the host's
// own topic names (agent.task, agent.response.{agent}, ...).
type Bus interface {
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error
	Subscribe(ctx context.Context, topicPattern, queueName string, handler Handler) (Subscription, error)
	Close() error
}
