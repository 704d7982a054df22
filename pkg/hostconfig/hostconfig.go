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

// Package hostconfig loads the single YAML document describing one agent
// host: identity, on-disk layout, transport/LLM endpoints, and the tuning
// knobs the rest of the packages take as constructor arguments. Secrets are
// never stored in the YAML document; they load from the environment, with
// godotenv populating that environment from a local .env file for
// development convenience.
package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rockbot/rockbot/pkg/bm25"
	"github.com/rockbot/rockbot/pkg/ratelimit"
)

// Config is the root document loaded from the host's YAML config file.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Transport  TransportConfig  `yaml:"transport"`
	LLM        LLMConfig        `yaml:"llm"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Subagents  SubagentConfig   `yaml:"subagents"`
	A2A        A2AConfig        `yaml:"a2a"`
	Memory     MemoryConfig     `yaml:"memory"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
}

// AgentConfig names this process and where its profile documents live.
type AgentConfig struct {
	Name         string `yaml:"name"`
	ProfileDir   string `yaml:"profileDir"`
	StateDir     string `yaml:"stateDir"`
}

// TransportConfig points at the external pub/sub broker. The concrete
// transport implementation is deployment glue (§1 non-goal); this is just
// the connection string and queue-group name it's constructed with.
type TransportConfig struct {
	Endpoint   string `yaml:"endpoint"`
	QueueGroup string `yaml:"queueGroup"`
}

// LLMConfig points at the chat-completions endpoint the HTTP-backed
// llm.ChatModel talks to. APIKeyEnv names the environment variable holding
// the credential; the key itself never appears in YAML. CACertificate and
// InsecureSkipVerify cover a provider endpoint sitting behind a corporate
// TLS-intercepting proxy or a self-signed development deployment.
type LLMConfig struct {
	BaseURL            string `yaml:"baseUrl"`
	Model              string `yaml:"model"`
	APIKeyEnv          string `yaml:"apiKeyEnv"`
	CACertificate      string `yaml:"caCertificate"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// SchedulerConfig tunes the cron engine's timezone and tick topic.
type SchedulerConfig struct {
	Timezone string `yaml:"timezone"`
	Topic    string `yaml:"topic"`
}

// SubagentConfig bounds concurrent background loops.
type SubagentConfig struct {
	MaxConcurrent int           `yaml:"maxConcurrent"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// A2AConfig bounds outbound agent-to-agent invocations.
type A2AConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// MemoryConfig tunes the BM25 ranker shared by working/long-term/skill
// stores, plus the conversation window bound.
type MemoryConfig struct {
	BM25K1              float64       `yaml:"bm25K1"`
	BM25B               float64       `yaml:"bm25B"`
	MaxTurnsPerSession  int           `yaml:"maxTurnsPerSession"`
	SessionIdleTimeout  time.Duration `yaml:"sessionIdleTimeout"`
	ConsolidationEvery  time.Duration `yaml:"consolidationInterval"`
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DispatchConfig tunes the dispatcher's middleware chain.
type DispatchConfig struct {
	// MaxHandlerRetries bounds how many times recoverMiddleware redelivers
	// a handler panic as Retry before giving up and routing it DeadLetter.
	MaxHandlerRetries int `yaml:"maxHandlerRetries"`
}

// RateLimitConfig decodes directly into ratelimit.NewFromRules's arguments.
type RateLimitConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Scope   string               `yaml:"scope"`
	Rules   []ratelimit.RuleSpec `yaml:"rules"`
}

// Load reads and parses the YAML document at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("hostconfig: parse %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hostconfig: invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDotEnv populates the process environment from a local .env file, if
// one is present at path. A missing file is not an error: secrets may come
// from the real environment in production.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func (c *Config) setDefaults() {
	if c.Agent.StateDir == "" {
		c.Agent.StateDir = filepath.Join(".", "state", c.Agent.Name)
	}
	if c.Scheduler.Topic == "" {
		c.Scheduler.Topic = "agent.scheduled.tick"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Subagents.MaxConcurrent <= 0 {
		c.Subagents.MaxConcurrent = 3
	}
	if c.Subagents.DefaultTimeout <= 0 {
		c.Subagents.DefaultTimeout = 5 * time.Minute
	}
	if c.A2A.DefaultTimeout <= 0 {
		c.A2A.DefaultTimeout = 2 * time.Minute
	}
	if c.Memory.BM25K1 == 0 {
		c.Memory.BM25K1 = bm25.DefaultParams.K1
	}
	if c.Memory.BM25B == 0 {
		c.Memory.BM25B = bm25.DefaultParams.B
	}
	if c.Memory.MaxTurnsPerSession <= 0 {
		c.Memory.MaxTurnsPerSession = 40
	}
	if c.Memory.SessionIdleTimeout <= 0 {
		c.Memory.SessionIdleTimeout = 30 * time.Minute
	}
	if c.Memory.ConsolidationEvery <= 0 {
		c.Memory.ConsolidationEvery = 15 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Dispatch.MaxHandlerRetries <= 0 {
		c.Dispatch.MaxHandlerRetries = 3
	}
	if !c.RateLimit.Enabled && len(c.RateLimit.Rules) == 0 {
		c.RateLimit.Enabled = true
		c.RateLimit.Scope = "session"
		c.RateLimit.Rules = []ratelimit.RuleSpec{{Type: "count", Window: "minute", Limit: 30}}
	}
}

// Validate rejects a config missing fields nothing downstream can recover
// from.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("hostconfig: agent.name is required")
	}
	if c.Agent.ProfileDir == "" {
		return fmt.Errorf("hostconfig: agent.profileDir is required")
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("hostconfig: transport.endpoint is required")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("hostconfig: llm.baseUrl is required")
	}
	return nil
}

// BM25Params adapts the configured k1/b into a bm25.Params value.
func (c Config) BM25Params() bm25.Params {
	return bm25.Params{K1: c.Memory.BM25K1, B: c.Memory.BM25B}
}

// APIKey resolves the LLM credential from the configured environment
// variable.
func (c Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}
