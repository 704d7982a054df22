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

// Package pipeline translates incoming envelopes into typed handler
// invocations wrapped in an ordered middleware chain, and serializes
// delivery per session so one session's messages are never processed out of
// order.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/transport"
	"github.com/rockbot/rockbot/pkg/typeregistry"
)

// MessageContext is the per-delivery scope handed through the middleware
// chain and into the typed handler: the envelope, its decoded body, a
// mutable items bag for middleware to pass state downstream, and the result
// slot DispatchAsync fills once the chain has returned.
type MessageContext struct {
	Envelope *envelope.Envelope
	Body     any
	Items    map[string]any

	// Result is set by DispatchAsync after the whole chain, middleware
	// included, has returned; it is nil while any middleware is running.
	Result *transport.Outcome
}

// Handler processes one decoded message and reports how the pipeline should
// acknowledge it.
type Handler func(ctx context.Context, mc *MessageContext) transport.Outcome

// Middleware wraps a Handler with behavior that runs before/after the next
// link in the chain. Returning without calling next short-circuits.
type Middleware func(next Handler) Handler

// Chain composes middleware in the order given: the first middleware is
// outermost (runs first on the way in, last on the way out).
func Chain(mws []Middleware, final Handler) Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Dispatcher routes envelopes to the typed handler registered for their
// messageType, with middleware wrapped around every dispatch, and a
// per-session queue so one session's envelopes are never handled out of
// order or concurrently with each other.
type Dispatcher struct {
	types      *typeregistry.Registry
	handlers   map[string]Handler
	middleware []Middleware
	logger     *slog.Logger

	mu       sync.Mutex
	sessionQ map[string]chan struct{}
}

// New builds a Dispatcher. Middleware is applied in the given order around
// every registered handler.
func New(types *typeregistry.Registry, logger *slog.Logger, middleware ...Middleware) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		types:      types,
		handlers:   make(map[string]Handler),
		middleware: middleware,
		logger:     logger,
		sessionQ:   make(map[string]chan struct{}),
	}
}

// RegisterHandler binds a typed handler to a messageType. The type must
// already be registered with the type registry supplied to New.
func (d *Dispatcher) RegisterHandler(messageType string, h Handler) {
	d.handlers[messageType] = h
}

// sessionKeyed is implemented by decoded payloads that carry a session id
// the dispatcher should serialize on.
type sessionKeyed interface {
	DispatchSessionID() string
}

// DispatchAsync decodes env.Body using the type registry, resolves the
// handler for env.MessageType, and runs it through the middleware chain.
// Unrecognized types dead-letter without invoking any handler. Within one
// session id, calls block until prior calls for that session id have
// returned, guaranteeing sequential per-session delivery.
func (d *Dispatcher) DispatchAsync(ctx context.Context, env *envelope.Envelope) transport.Outcome {
	body, err := d.types.Decode(env.MessageType, env.Body)
	if err != nil {
		d.logger.Warn("pipeline: unrecognized or malformed message, dead-lettering",
			"messageType", env.MessageType, "messageId", env.MessageID, "error", err)
		return transport.DeadLetter
	}

	handler, ok := d.handlers[env.MessageType]
	if !ok {
		d.logger.Warn("pipeline: no handler registered for message type",
			"messageType", env.MessageType, "messageId", env.MessageID)
		return transport.DeadLetter
	}

	if sk, ok := body.(sessionKeyed); ok {
		if sid := sk.DispatchSessionID(); sid != "" {
			release := d.acquireSession(ctx, sid)
			if release == nil {
				return transport.Retry // context cancelled while waiting
			}
			defer release()
		}
	}

	mc := &MessageContext{Envelope: env, Body: body, Items: make(map[string]any)}
	chained := Chain(d.middleware, handler)
	outcome := chained(ctx, mc)
	mc.Result = &outcome
	return outcome
}

// acquireSession serializes handling for one session id via a per-session
// mutex implemented as a 1-buffered channel, so concurrent deliveries for
// the same session id block rather than race. Returns nil if ctx is
// cancelled before the slot is acquired.
func (d *Dispatcher) acquireSession(ctx context.Context, sessionID string) func() {
	d.mu.Lock()
	ch, ok := d.sessionQ[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		d.sessionQ[sessionID] = ch
	}
	d.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }
	case <-ctx.Done():
		return nil
	}
}
