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

// Package contextbuilder assembles the fixed-order chat message list handed
// to the LLM for one turn: profile prompt, rules, skill index, recalls,
// patrol summary, history, and the new user turn. It never calls the LLM
// itself.
package contextbuilder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rockbot/rockbot/pkg/convmemory"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/skills"
	"github.com/rockbot/rockbot/pkg/workingmemory"
)

// Role mirrors convmemory.Role for the assembled message list.
type Role = convmemory.Role

// Message is one entry in the assembled chat list.
type Message struct {
	Role    Role
	Content string
}

// Behavior tunes how much recall/history the builder pulls in; the loop
// runner owns the concrete values per model.
type Behavior struct {
	RecallTopK          int
	RecallScoreFloor    float64
	NewSkillsTopK       int
	MaxTurnsPerSession  int
	MaxHistoryTokens    int
	TokenModel          string
}

// Sources bundles the stores the builder reads from. ActiveRules and the
// profile prompt are supplied per call since they can be hot-reloaded.
type Sources struct {
	Conversation *convmemory.Store
	LongTerm     *longtermmemory.Store
	Working      *workingmemory.Store
	Skills       *skills.Store
}

// Builder assembles chat message lists per §4.8.
type Builder struct {
	sources  Sources
	behavior Behavior
	counter  *TokenCounter
	now      func() time.Time
}

// New builds a Builder. A nil nowFn defaults to time.Now.
func New(sources Sources, behavior Behavior, counter *TokenCounter, nowFn func() time.Time) *Builder {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Builder{sources: sources, behavior: behavior, counter: counter, now: nowFn}
}

// Build assembles the message list for one turn.
func (b *Builder) Build(sessionID, profilePrompt string, activeRules []string, latestUserContent string) []Message {
	var msgs []Message

	now := b.now()
	msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: b.spliceTime(profilePrompt, now)})

	for _, rule := range activeRules {
		if strings.TrimSpace(rule) == "" {
			continue
		}
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: "- " + rule})
	}

	if b.sources.Skills != nil && b.sources.Skills.ShouldShowIndex(sessionID) {
		if idx := b.skillIndex(); idx != "" {
			msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: idx})
		}
	}

	if recall := b.ltmRecall(sessionID, latestUserContent); recall != "" {
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: recall})
	}

	if newSkills := b.newSkills(sessionID, latestUserContent); newSkills != "" {
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: newSkills})
	}

	if patrol := b.patrolSummary(); patrol != "" {
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: patrol})
	}

	msgs = append(msgs, b.history(sessionID)...)

	msgs = append(msgs, Message{Role: convmemory.RoleUser, Content: latestUserContent})
	return msgs
}

// BuildFromHistory assembles the message list for a fold-in re-entry: the
// triggering turn (an A2A result, a subagent result, a scheduled-task
// outcome) has already been appended to sessionID's history by the caller,
// so history's last turn stands in for latestUserContent instead of being
// appended a second time.
func (b *Builder) BuildFromHistory(sessionID, profilePrompt string, activeRules []string) []Message {
	turns := b.sources.Conversation.Get(sessionID)
	var latest string
	if len(turns) > 0 {
		latest = turns[len(turns)-1].Content
	}

	var msgs []Message
	now := b.now()
	msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: b.spliceTime(profilePrompt, now)})

	for _, rule := range activeRules {
		if strings.TrimSpace(rule) == "" {
			continue
		}
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: "- " + rule})
	}

	if b.sources.Skills != nil && b.sources.Skills.ShouldShowIndex(sessionID) {
		if idx := b.skillIndex(); idx != "" {
			msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: idx})
		}
	}

	if recall := b.ltmRecall(sessionID, latest); recall != "" {
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: recall})
	}

	if newSkills := b.newSkills(sessionID, latest); newSkills != "" {
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: newSkills})
	}

	if patrol := b.patrolSummary(); patrol != "" {
		msgs = append(msgs, Message{Role: convmemory.RoleSystem, Content: patrol})
	}

	msgs = append(msgs, b.history(sessionID)...)
	return msgs
}

func (b *Builder) spliceTime(prompt string, now time.Time) string {
	zone, _ := now.Zone()
	return fmt.Sprintf("%s\n\nCurrent time: %s (%s)", prompt, now.Format(time.RFC3339), zone)
}

func (b *Builder) skillIndex() string {
	if b.sources.Skills == nil {
		return ""
	}
	all := b.sources.Skills.List()
	if len(all) == 0 {
		return ""
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	var sb strings.Builder
	sb.WriteString("Skill index:\n")
	for _, s := range all {
		summary := s.Summary
		if summary == "" {
			summary = "(summary pending)"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, summary)
	}
	return sb.String()
}

func (b *Builder) ltmRecall(sessionID, query string) string {
	if b.sources.LongTerm == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	k := b.behavior.RecallTopK
	if k <= 0 {
		k = 5
	}
	entries, err := b.sources.LongTerm.Search(longtermmemory.Criteria{Query: query, MaxResults: k})
	if err != nil || len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Relevant memory:\n")
	wrote := false
	for _, e := range entries {
		sb.WriteString("- " + e.Content + "\n")
		wrote = true
	}
	if !wrote {
		return ""
	}
	return sb.String()
}

func (b *Builder) newSkills(sessionID, query string) string {
	if b.sources.Skills == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	k := b.behavior.NewSkillsTopK
	if k <= 0 {
		k = 3
	}
	candidates := b.sources.Skills.Search(query, k)
	fresh := b.sources.Skills.NewRecalls(sessionID, candidates)
	if len(fresh) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Available skills:\n")
	for _, s := range fresh {
		fmt.Fprintf(&sb, "- %s\n", s.Name)
	}
	return sb.String()
}

func (b *Builder) patrolSummary() string {
	if b.sources.Working == nil {
		return ""
	}
	entries := b.sources.Working.Search(workingmemory.Criteria{CategoryPrefix: "patrol"})
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Recent scheduled-task activity:\n")
	for _, e := range entries {
		sb.WriteString("- " + e.Value + "\n")
	}
	return sb.String()
}

func (b *Builder) history(sessionID string) []Message {
	if b.sources.Conversation == nil {
		return nil
	}
	turns := b.sources.Conversation.Get(sessionID)
	maxTurns := b.behavior.MaxTurnsPerSession
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	if b.counter != nil && b.behavior.MaxHistoryTokens > 0 {
		turns = b.fitTurnsToBudget(turns)
	}

	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: t.Role, Content: t.Content})
	}
	return out
}

func (b *Builder) fitTurnsToBudget(turns []convmemory.Turn) []convmemory.Turn {
	contents := make([]string, len(turns))
	for i, t := range turns {
		contents[i] = t.Content
	}
	fitted := b.counter.FitWithinBudget(contents, b.behavior.MaxHistoryTokens)
	if len(fitted) >= len(turns) {
		return turns
	}
	return turns[len(turns)-len(fitted):]
}
