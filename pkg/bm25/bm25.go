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

// Package bm25 implements the Okapi BM25 ranking function shared by working
// memory, long-term memory, and the skill store. Tokenization is lowercase,
// split on non-alphanumeric runs, with a small English stopword list
// filtered out — the same shape the teacher's keyword index uses, made
// deterministic so identical corpora always rank identically.
package bm25

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Params tunes the ranking function. Zero values fall back to the defaults
// (k1=1.5, b=0.75) in Rank.
type Params struct {
	K1 float64
	B  float64
}

// DefaultParams matches the glossary's stated defaults.
var DefaultParams = Params{K1: 1.5, B: 0.75}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true,
}

// Tokenize lowercases s, splits on runs of non-alphanumeric characters, and
// drops stopwords and empty tokens.
func Tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		cur.Reset()
		if !stopwords[tok] {
			tokens = append(tokens, tok)
		}
	}

	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

// Document is one corpus entry to rank. ID must be unique within a call to
// Rank; Tiebreak fields feed the deterministic tiebreaker when scores tie.
type Document struct {
	ID        string
	Tokens    []string
	UpdatedAt int64 // unix nanos, 0 if never updated
	CreatedAt int64 // unix nanos
}

// Result is one ranked hit.
type Result struct {
	ID    string
	Score float64
}

// Rank scores every document in corpus against query and returns the top
// maxResults, sorted by descending score with the tiebreaker
// updatedAt desc, createdAt desc, id asc — the same order regardless of
// corpus iteration order, satisfying the determinism invariant.
func Rank(query string, corpus []Document, params Params, maxResults int) []Result {
	if params.K1 == 0 && params.B == 0 {
		params = DefaultParams
	}
	queryTerms := dedupe(Tokenize(query))
	if len(queryTerms) == 0 || len(corpus) == 0 {
		return nil
	}

	docFreq := make(map[string]int, len(queryTerms))
	termFreqs := make([]map[string]int, len(corpus))
	var totalLen float64
	for i, doc := range corpus {
		tf := make(map[string]int, len(doc.Tokens))
		for _, t := range doc.Tokens {
			tf[t]++
		}
		termFreqs[i] = tf
		totalLen += float64(len(doc.Tokens))
		for _, qt := range queryTerms {
			if tf[qt] > 0 {
				docFreq[qt]++
			}
		}
	}

	n := float64(len(corpus))
	avgLen := totalLen / n

	results := make([]Result, 0, len(corpus))
	for i, doc := range corpus {
		score := score(queryTerms, termFreqs[i], len(doc.Tokens), docFreq, n, avgLen, params)
		if score > 0 {
			results = append(results, Result{ID: doc.ID, Score: score})
		}
	}

	byID := make(map[string]Document, len(corpus))
	for _, doc := range corpus {
		byID[doc.ID] = doc
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		di, dj := byID[results[i].ID], byID[results[j].ID]
		if di.UpdatedAt != dj.UpdatedAt {
			return di.UpdatedAt > dj.UpdatedAt
		}
		if di.CreatedAt != dj.CreatedAt {
			return di.CreatedAt > dj.CreatedAt
		}
		return di.ID < dj.ID
	})

	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

func score(queryTerms []string, tf map[string]int, docLen int, docFreq map[string]int, n, avgLen float64, p Params) float64 {
	var total float64
	for _, term := range queryTerms {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		df := float64(docFreq[term])
		idf := idf(n, df)
		denom := f + p.K1*(1-p.B+p.B*float64(docLen)/avgLen)
		total += idf * (f * (p.K1 + 1) / denom)
	}
	return total
}

// idf uses the standard BM25 (Robertson-Sparck Jones) formula with a +1
// inside the log to keep it non-negative for common terms.
func idf(n, df float64) float64 {
	x := (n-df+0.5)/(df+0.5) + 1
	return math.Log(x)
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
