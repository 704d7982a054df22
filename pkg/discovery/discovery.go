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

// Package discovery broadcasts this agent's own capability card once on
// startup and maintains a directory of every card observed on the
// discovery.announce topic, keyed by agent name.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/transport"
)

// Directory holds every AgentCard seen, including this process's own.
// Well-known agents seeded at construction are marked persistent and are
// never removed.
type Directory struct {
	mu         sync.RWMutex
	cards      map[string]messages.AgentCard
	persistent map[string]bool
}

// NewDirectory builds a Directory pre-seeded with wellKnown cards, each
// marked persistent.
func NewDirectory(wellKnown []messages.AgentCard) *Directory {
	d := &Directory{cards: make(map[string]messages.AgentCard), persistent: make(map[string]bool)}
	for _, c := range wellKnown {
		d.cards[c.Name] = c
		d.persistent[c.Name] = true
	}
	return d
}

// Upsert records or replaces a card by name.
func (d *Directory) Upsert(card messages.AgentCard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cards[card.Name] = card
}

// Get returns a directory entry by name.
func (d *Directory) Get(name string) (messages.AgentCard, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cards[name]
	return c, ok
}

// List returns every known card.
func (d *Directory) List() []messages.AgentCard {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]messages.AgentCard, 0, len(d.cards))
	for _, c := range d.cards {
		out = append(out, c)
	}
	return out
}

// Remove drops a card by name. Persistent (well-known) entries are never
// removed and this reports an error instead.
func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.persistent[name] {
		return fmt.Errorf("discovery: %q is a well-known agent and cannot be removed", name)
	}
	delete(d.cards, name)
	return nil
}

// Service owns announcing this agent's own card and subscribing to peer
// announcements.
type Service struct {
	self      string
	bus       transport.Bus
	directory *Directory
	own       *messages.AgentCard
}

// New builds a Service. own may be nil if this agent does not publish a
// card of its own (it can still observe others).
func New(self string, bus transport.Bus, directory *Directory, own *messages.AgentCard) *Service {
	return &Service{self: self, bus: bus, directory: directory, own: own}
}

// Start subscribes to discovery.announce and then publishes our own card
// once (if configured). Subscribing first ensures a peer that starts
// concurrently and announces immediately after is never missed.
func (s *Service) Start(ctx context.Context) (transport.Subscription, error) {
	sub, err := s.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Announce(ctx); err != nil {
		return sub, err
	}
	return sub, nil
}

// Subscribe registers this agent's directory-maintaining handler on
// discovery.announce, upserting every inbound card by name.
func (s *Service) Subscribe(ctx context.Context) (transport.Subscription, error) {
	sub, err := s.bus.Subscribe(ctx, messages.TopicDiscoveryAnnounce, "discovery-"+s.self, func(ctx context.Context, env *envelope.Envelope) transport.Outcome {
		var card messages.AgentCard
		if err := json.Unmarshal(env.Body, &card); err != nil {
			return transport.DeadLetter
		}
		s.directory.Upsert(card)
		return transport.Ack
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: subscribe: %w", err)
	}
	return sub, nil
}

// Announce publishes our own card once, if configured.
func (s *Service) Announce(ctx context.Context) error {
	if s.own == nil {
		return nil
	}
	card := *s.own
	card.Name = s.self
	card.AnnouncedAt = time.Now().UTC()
	s.directory.Upsert(card)

	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("discovery: marshal own card: %w", err)
	}
	env := envelope.New(s.self, messages.TypeAgentCard, body)
	if err := s.bus.Publish(ctx, messages.TopicDiscoveryAnnounce, env); err != nil {
		return fmt.Errorf("discovery: publish own card: %w", err)
	}
	return nil
}
