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

package ratelimit

import "fmt"

// RuleSpec is the wire shape hostconfig.RateLimitConfig decodes YAML rules
// into directly, before NewFromRules turns them into LimitRules. Kept
// separate from LimitRule so this package doesn't need to know anything
// about yaml.v3 tags.
type RuleSpec struct {
	Type   string
	Window string
	Limit  int64
}

// NewFromRules builds a RateLimiter backed by a MemoryStore from the raw
// rule specs and scope string a host config document decodes into. Returns
// (nil, "", nil) when enabled is false — pkg/host treats a nil limiter as
// "rate limiting middleware is a no-op" rather than special-casing it.
func NewFromRules(enabled bool, scope string, specs []RuleSpec, opts ...Option) (RateLimiter, Scope, error) {
	if !enabled {
		return nil, "", nil
	}

	limits := make([]LimitRule, len(specs))
	for i, s := range specs {
		limits[i] = LimitRule{
			Type:   ParseLimitType(s.Type),
			Window: ParseTimeWindow(s.Window),
			Limit:  s.Limit,
		}
	}

	resolvedScope := ParseScope(scope)
	if resolvedScope == "" {
		resolvedScope = ScopeSession
	}

	limiter, err := NewRateLimiter(&Config{Enabled: true, Limits: limits}, NewMemoryStore(), opts...)
	if err != nil {
		return nil, "", fmt.Errorf("ratelimit: build rate limiter: %w", err)
	}
	return limiter, resolvedScope, nil
}
