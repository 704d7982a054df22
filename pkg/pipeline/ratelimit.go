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

package pipeline

import (
	"context"

	"github.com/rockbot/rockbot/pkg/ratelimit"
	"github.com/rockbot/rockbot/pkg/transport"
)

// IdentityFunc extracts the rate-limit identity (session or user id) from a
// decoded message body. Messages it can't classify are never limited.
type IdentityFunc func(body any) (identity string, ok bool)

// RateLimit builds middleware that checks+records against limiter for every
// message IdentityFunc can classify, dead-lettering requests over the limit
// rather than retrying them (retrying would just burn the same window).
func RateLimit(limiter ratelimit.RateLimiter, scope ratelimit.Scope, identity IdentityFunc) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, mc *MessageContext) transport.Outcome {
			if limiter == nil {
				return next(ctx, mc)
			}
			id, ok := identity(mc.Body)
			if !ok {
				return next(ctx, mc)
			}

			result, err := limiter.CheckAndRecord(ctx, scope, id, 0, 1)
			if err != nil {
				// Store unavailable or similar: fail open, matching the
				// teacher's "never crash on a quota subsystem fault" stance.
				return next(ctx, mc)
			}
			if !result.Allowed {
				return transport.DeadLetter
			}
			return next(ctx, mc)
		}
	}
}
