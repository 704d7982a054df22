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

package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// TLSConfig lets hostconfig.LLMConfig front a chat-completions endpoint
// sitting behind a corporate proxy with a custom CA, or a self-signed
// endpoint during local development.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification entirely.
	// Only meant for local development against a self-signed endpoint.
	InsecureSkipVerify bool

	// CACertificate is a path to a PEM-encoded CA certificate to trust in
	// addition to the system roots.
	CACertificate string
}

// ConfigureTLS builds an http.Transport from config. A nil config returns
// a transport with the system's default TLS settings.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}

	if config == nil {
		return transport, nil
	}

	if config.CACertificate != "" {
		caCert, err := os.ReadFile(config.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("httpclient: read CA certificate %s: %w", config.CACertificate, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("httpclient: parse CA certificate %s", config.CACertificate)
		}

		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if config.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
		slog.Warn("httpclient: TLS certificate verification disabled for chat-completions endpoint")
	}

	return transport, nil
}

// WithTLSConfig installs a transport built from config. Apply it after
// WithHTTPClient, not before, since it replaces whatever Transport the
// current client has.
func WithTLSConfig(config *TLSConfig) Option {
	return func(c *Client) {
		if config == nil {
			return
		}

		transport, err := ConfigureTLS(config)
		if err != nil {
			logger := c.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("httpclient: failed to configure TLS, using default transport", "error", err)
			return
		}

		if c.client != nil {
			timeout := c.client.Timeout
			c.client.Transport = transport
			c.client.Timeout = timeout
		} else {
			c.client = &http.Client{
				Transport: transport,
				Timeout:   60 * time.Second,
			}
		}
	}
}
