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

// Package typeregistry binds wire-level message type strings to concrete Go
// payload types, replacing reflection-based decoding with explicit
// registration at startup. A payload is always JSON on the wire; decoding
// goes JSON -> map[string]any -> mapstructure into the registered struct, so
// callers can register loosely-typed fixtures in tests without a concrete
// JSON tag convention.
package typeregistry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Factory produces a new zero-value pointer to the payload type bound to a
// message type string.
type Factory func() any

// Registry maps message type strings to payload factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds messageType to factory. Registering the same messageType
// twice replaces the prior binding; callers own this composition at startup.
func (r *Registry) Register(messageType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[messageType] = factory
}

// Decode resolves messageType and unmarshals body into a freshly constructed
// instance, returning it as `any` (the caller type-asserts to the concrete
// pointer type it registered). Returns an error if messageType is unknown or
// body does not decode.
func (r *Registry) Decode(messageType string, body []byte) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[messageType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("typeregistry: unregistered message type %q", messageType)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("typeregistry: decode %q body: %w", messageType, err)
	}

	target := factory()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("typeregistry: build decoder for %q: %w", messageType, err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("typeregistry: decode %q into payload: %w", messageType, err)
	}
	return target, nil
}

// Registered reports whether messageType has a bound factory.
func (r *Registry) Registered(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[messageType]
	return ok
}
