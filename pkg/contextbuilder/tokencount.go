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

package contextbuilder

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens the way the target model will, so the context
// builder can keep conversation history and recall sections within a token
// budget instead of a crude character-count proxy.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter builds a counter for model, falling back to cl100k_base
// when the model isn't recognized by tiktoken-go.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("contextbuilder: get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding}, nil
}

// Count returns the token length of text.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

// FitWithinBudget selects messages from the end of history backwards until
// adding one more would exceed maxTokens, preserving chronological order in
// the result. Used to cap prior conversation turns (§4.8 step 7).
func (tc *TokenCounter) FitWithinBudget(turns []string, maxTokens int) []string {
	if len(turns) == 0 {
		return nil
	}
	const perMessageOverhead = 3

	var fitted []string
	current := perMessageOverhead
	for i := len(turns) - 1; i >= 0; i-- {
		cost := perMessageOverhead + tc.Count(turns[i])
		if current+cost > maxTokens {
			break
		}
		fitted = append([]string{turns[i]}, fitted...)
		current += cost
	}
	return fitted
}
