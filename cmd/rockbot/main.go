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

// Command rockbot runs one agent host process: it loads a YAML config
// document, wires an HTTP-backed chat model and an in-process message bus,
// and runs until interrupted.
//
// Usage:
//
//	rockbot serve --config config.yaml
//	rockbot validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/rockbot/rockbot/pkg/hostconfig"
	"github.com/rockbot/rockbot/pkg/httpclient"
	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/logger"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/host"
	"github.com/rockbot/rockbot/pkg/transport"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Run the agent host."`
	Validate ValidateCmd `cmd:"" help:"Validate a config file without starting the host."`

	Config    string `short:"c" help:"Path to the host YAML config file." default:"config.yaml" type:"path"`
	EnvFile   string `help:"Path to a .env file to populate secrets from." default:".env" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (simple or verbose)."`
}

// ValidateCmd parses and validates the config file, then exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := hostconfig.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("config is valid")
	return nil
}

// ServeCmd starts the host and runs until interrupted.
type ServeCmd struct {
	MCPName    string   `name:"mcp-name" help:"Name for an optional MCP tool source."`
	MCPCommand string   `name:"mcp-command" help:"Command to launch an optional MCP tool source."`
	MCPArgs    []string `name:"mcp-arg" help:"Argument for the MCP command (repeatable)."`

	Description string   `help:"This agent's own capability card description, for discovery.announce."`
	Skills      []string `help:"Skill names advertised on this agent's capability card."`

	LLMTimeout    time.Duration `name:"llm-timeout" default:"60s" help:"HTTP timeout per chat completion request."`
	LLMMaxRetries int           `name:"llm-max-retries" default:"3" help:"Max retries for a failed chat completion request."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if err := hostconfig.LoadDotEnv(cli.EnvFile); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := hostconfig.Load(cli.Config)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	slogLevel, err := logger.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger.Init(slogLevel, os.Stderr, format)
	log := logger.GetLogger()

	var tlsConfig *httpclient.TLSConfig
	if cfg.LLM.CACertificate != "" || cfg.LLM.InsecureSkipVerify {
		tlsConfig = &httpclient.TLSConfig{
			CACertificate:      cfg.LLM.CACertificate,
			InsecureSkipVerify: cfg.LLM.InsecureSkipVerify,
		}
	}
	model := llm.NewHTTPModel(cfg.LLM.BaseURL, cfg.APIKey(), cfg.LLM.Model, c.LLMTimeout, c.LLMMaxRetries,
		llm.WithLogger(log),
		llm.WithTLSConfig(tlsConfig),
	)
	bus := transport.NewMemoryBus()

	var mcpSources []*toolregistry.MCPSource
	if c.MCPCommand != "" {
		name := c.MCPName
		if name == "" {
			name = "mcp-0"
		}
		mcpSources = append(mcpSources, toolregistry.NewMCPSource(name, c.MCPCommand, c.MCPArgs, nil, log))
	}

	var ownCard *messages.AgentCard
	if c.Description != "" || len(c.Skills) > 0 {
		ownCard = &messages.AgentCard{Description: c.Description, Skills: c.Skills}
	}

	h, err := host.New(*cfg, host.Deps{
		Bus:        bus,
		Model:      model,
		OwnCard:    ownCard,
		MCPSources: mcpSources,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("build host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("rockbot: shutdown signal received")
		cancel()
	}()

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	log.Info("rockbot: host started", "agent", cfg.Agent.Name)

	<-ctx.Done()
	h.Stop()
	if err := bus.Close(); err != nil {
		log.Warn("rockbot: close bus failed", "error", err)
	}
	log.Info("rockbot: host stopped")
	return nil
}

func main() {
	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("rockbot"),
		kong.Description("RockBot agent host runtime."),
		kong.UsageOnError(),
	)
	err := parser.Run(&cli)
	parser.FatalIfErrorf(err)
}
