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

// Package envelope defines the immutable wire record exchanged on the bus
// and the small set of reserved header keys the host reads.
package envelope

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Reserved header keys. Transports must preserve headers verbatim; the host
// only ever reads the rb-* namespace, never writes arbitrary keys into it.
const (
	HeaderContentTrust = "rb-content-trust"
	HeaderToolProvider = "rb-tool-provider"
	HeaderTimeoutMS    = "rb-timeout-ms"
	HeaderSource       = "rb-source"
	HeaderDestination  = "rb-destination"
	HeaderRetryCount   = "rb-retry-count"
)

// Content-trust values for HeaderContentTrust.
const (
	TrustToolRequest = "tool-request"
	TrustToolOutput  = "tool-output"
)

// Envelope is the immutable wrapper exchanged over the bus. Bodies are
// serialized out-of-band (typically JSON) and are opaque to the envelope
// itself; retries resend the same bytes, never re-encode.
type Envelope struct {
	MessageID     string
	MessageType   string
	CorrelationID string
	ReplyTo       string
	Source        string
	Destination   string
	Timestamp     time.Time
	Headers       map[string]string
	Body          []byte
}

// Option mutates an Envelope under construction. Envelopes are built once
// via New; the only later change is MarkForRetry's retry-count header.
type Option func(*Envelope)

// WithCorrelationID ties this envelope to a logical conversation or task.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithReplyTo sets the topic a responder should publish results to.
func WithReplyTo(topic string) Option {
	return func(e *Envelope) { e.ReplyTo = topic }
}

// WithDestination sets the intended recipient agent name.
func WithDestination(name string) Option {
	return func(e *Envelope) { e.Destination = name }
}

// WithHeader sets a single header. Reserved rb-* keys may be set this way
// by framework code; callers outside the host should avoid the prefix.
func WithHeader(key, value string) Option {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// New builds an Envelope with a fresh message id and the current UTC
// timestamp. messageType must resolve via a typeregistry.Registry on the
// receiving side.
func New(source, messageType string, body []byte, opts ...Option) *Envelope {
	e := &Envelope{
		MessageID:   uuid.NewString(),
		MessageType: messageType,
		Source:      source,
		Timestamp:   time.Now().UTC(),
		Headers:     make(map[string]string),
		Body:        body,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Header returns a header value and whether it was present.
func (e *Envelope) Header(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}

// Clone returns a deep copy safe for a retrying transport to hand to a new
// delivery attempt without aliasing the original's header map.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		c.Headers[k] = v
	}
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// RetryCount reads HeaderRetryCount, defaulting to 0 for a first delivery
// attempt or a malformed value.
func (e *Envelope) RetryCount() int {
	v, ok := e.Header(HeaderRetryCount)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// MarkForRetry sets HeaderRetryCount to one past the current value,
// in place. Middleware calls this on the envelope it is about to hand back
// as a Retry outcome, so the count a redelivering transport is expected to
// preserve verbatim reflects this attempt.
func (e *Envelope) MarkForRetry() {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[HeaderRetryCount] = strconv.Itoa(e.RetryCount() + 1)
}
