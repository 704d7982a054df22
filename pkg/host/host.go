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

// Package host wires every other package into one running agent process: it
// owns construction order, the typed dispatch table, topic subscriptions,
// and the start/stop lifecycle of the background loops (scheduler,
// consolidation, discovery, profile watching).
package host

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rockbot/rockbot/pkg/a2acoord"
	"github.com/rockbot/rockbot/pkg/activitymonitor"
	"github.com/rockbot/rockbot/pkg/consolidation"
	"github.com/rockbot/rockbot/pkg/contextbuilder"
	"github.com/rockbot/rockbot/pkg/conversationlog"
	"github.com/rockbot/rockbot/pkg/convmemory"
	"github.com/rockbot/rockbot/pkg/discovery"
	"github.com/rockbot/rockbot/pkg/envelope"
	"github.com/rockbot/rockbot/pkg/feedback"
	"github.com/rockbot/rockbot/pkg/hostconfig"
	"github.com/rockbot/rockbot/pkg/llm"
	"github.com/rockbot/rockbot/pkg/longtermmemory"
	"github.com/rockbot/rockbot/pkg/looprunner"
	"github.com/rockbot/rockbot/pkg/messages"
	"github.com/rockbot/rockbot/pkg/pipeline"
	"github.com/rockbot/rockbot/pkg/profile"
	"github.com/rockbot/rockbot/pkg/ratelimit"
	"github.com/rockbot/rockbot/pkg/scheduler"
	"github.com/rockbot/rockbot/pkg/skills"
	"github.com/rockbot/rockbot/pkg/subagentmanager"
	"github.com/rockbot/rockbot/pkg/toolregistry"
	"github.com/rockbot/rockbot/pkg/transport"
	"github.com/rockbot/rockbot/pkg/typeregistry"
	"github.com/rockbot/rockbot/pkg/workingmemory"
	"github.com/rockbot/rockbot/pkg/workserializer"
)

// activityWindow bounds how long a session is considered "actively chatting"
// for the consolidation driver's deferral check; this is deliberately much
// shorter than the conversation-window idle timeout in hostconfig.
const activityWindow = 2 * time.Minute

// Host owns every long-lived component of one agent process.
type Host struct {
	cfg       hostconfig.Config
	bus       transport.Bus
	model     llm.ChatModel
	logger    *slog.Logger

	profileWatcher *profile.Watcher
	conv           *convmemory.Store
	working        *workingmemory.Store
	shared         *workingmemory.Store
	longTerm       *longtermmemory.Store
	skillsStore    *skills.Store
	feedbackStore  *feedback.Store
	convLog        *conversationlog.Log
	tools          *toolregistry.Registry
	mcpSources     []*toolregistry.MCPSource
	tokenCounter   *contextbuilder.TokenCounter
	builder        *contextbuilder.Builder
	runner         *looprunner.Runner
	serializer     *workserializer.Serializer
	activity       *activitymonitor.Monitor
	sched          *scheduler.Scheduler
	subagents      *subagentmanager.Manager
	discoveryDir   *discovery.Directory
	discoverySvc   *discovery.Service
	consolidator   *consolidation.Driver
	a2a            *a2acoord.Coordinator
	limiter        ratelimit.RateLimiter
	limiterScope   ratelimit.Scope
	maxHandlerRetries int

	dispatcher *pipeline.Dispatcher

	hostCtx context.Context
	cancel  context.CancelFunc
	subs    []transport.Subscription
}

// Deps bundles the runtime-only collaborators New needs beyond the config
// document: the bus binding, the chat model, this agent's own capability
// card (nil to stay silent on discovery.announce), the directory of
// well-known peer agents, and any configured MCP tool sources.
type Deps struct {
	Bus        transport.Bus
	Model      llm.ChatModel
	OwnCard    *messages.AgentCard
	WellKnown  []messages.AgentCard
	MCPSources []*toolregistry.MCPSource
	Logger     *slog.Logger
}

// New constructs every component in dependency order but starts nothing;
// call Start to begin consuming from the bus and arming background loops.
func New(cfg hostconfig.Config, deps Deps) (*Host, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	profileWatcher, err := profile.NewWatcher(cfg.Agent.Name, cfg.Agent.ProfileDir, logger)
	if err != nil {
		return nil, fmt.Errorf("host: load profile: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		logger.Warn("host: unknown scheduler timezone, defaulting to UTC", "timezone", cfg.Scheduler.Timezone, "error", err)
		loc = time.UTC
	}

	bm25Params := cfg.BM25Params()
	stateDir := cfg.Agent.StateDir

	h := &Host{
		cfg:        cfg,
		bus:        deps.Bus,
		model:      deps.Model,
		logger:     logger,
		mcpSources: deps.MCPSources,

		profileWatcher: profileWatcher,
		conv:           convmemory.New(cfg.Memory.MaxTurnsPerSession, cfg.Memory.SessionIdleTimeout),
		working:        workingmemory.New(filepath.Join(stateDir, "working-memory"), bm25Params, 0, logger),
		shared:         workingmemory.New(filepath.Join(stateDir, "shared-memory"), bm25Params, 0, logger),
		longTerm:       longtermmemory.New(filepath.Join(stateDir, "memory"), bm25Params, logger),
		feedbackStore:  feedback.New(filepath.Join(stateDir, "feedback")),
		convLog:        conversationlog.New(filepath.Join(stateDir, "conversation-log")),
		activity:       activitymonitor.New(activityWindow),
	}

	h.skillsStore = skills.New(filepath.Join(stateDir, "skills"), filepath.Join(stateDir, "skill-usage"), bm25Params, h.summarizeSkill, logger)

	h.tools = toolregistry.New()
	h.registerBakedTools()
	for _, src := range h.mcpSources {
		if err := src.Refresh(context.Background(), h.tools); err != nil {
			logger.Warn("host: initial mcp refresh failed", "error", err)
		}
	}

	tokenCounter, err := contextbuilder.NewTokenCounter(cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("host: build token counter: %w", err)
	}
	h.tokenCounter = tokenCounter

	h.builder = contextbuilder.New(contextbuilder.Sources{
		Conversation: h.conv,
		LongTerm:     h.longTerm,
		Working:      h.working,
		Skills:       h.skillsStore,
	}, contextbuilder.Behavior{
		RecallTopK:         5,
		NewSkillsTopK:      3,
		MaxTurnsPerSession: cfg.Memory.MaxTurnsPerSession,
		MaxHistoryTokens:   6000,
		TokenModel:         cfg.LLM.Model,
	}, tokenCounter, nil)

	loopCfg := looprunner.DefaultConfig
	h.runner = looprunner.New(h.model, h.tools, h.working, loopCfg, logger)
	h.serializer = workserializer.New(context.Background())

	schedPath := filepath.Join(stateDir, "scheduled-tasks.json")
	h.sched = scheduler.New(schedPath, cfg.Agent.Name, cfg.Scheduler.Topic, loc, deps.Bus, logger)

	h.subagents = subagentmanager.New(subagentmanager.Deps{
		Bus:       deps.Bus,
		AgentName: cfg.Agent.Name,
		Model:     h.model,
		BaseTools: h.tools,
		Working:   h.working,
		LongTerm:  h.longTerm,
		LoopCfg:   loopCfg,
		Logger:    logger,
	}, cfg.Subagents.MaxConcurrent)

	h.discoveryDir = discovery.NewDirectory(deps.WellKnown)
	h.discoverySvc = discovery.New(cfg.Agent.Name, deps.Bus, h.discoveryDir, deps.OwnCard)

	h.consolidator = consolidation.New(consolidation.Config{Interval: cfg.Memory.ConsolidationEvery}, cfg.Agent.Name,
		h.convLog, h.longTerm, h.working, h.model, h.activity, h.serializer, logger)

	h.a2a = a2acoord.New(cfg.Agent.Name, deps.Bus, h.working, h, h.handleInboundA2ATask, logger)

	limiter, scope, err := ratelimit.NewFromRules(cfg.RateLimit.Enabled, cfg.RateLimit.Scope, cfg.RateLimit.Rules, ratelimit.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("host: build rate limiter: %w", err)
	}
	h.limiter = limiter
	h.limiterScope = scope
	h.maxHandlerRetries = cfg.Dispatch.MaxHandlerRetries
	if h.maxHandlerRetries <= 0 {
		h.maxHandlerRetries = 3
	}

	h.dispatcher = h.buildDispatcher()

	return h, nil
}

// buildDispatcher constructs the type registry, the middleware chain, and
// registers every typed handler.
func (h *Host) buildDispatcher() *pipeline.Dispatcher {
	types := typeregistry.New()
	types.Register(messages.TypeUserMessage, func() any { return &messages.UserMessage{} })
	types.Register(messages.TypeScheduledTaskMessage, func() any { return &messages.ScheduledTaskMessage{} })
	types.Register(messages.TypeSubagentProgressMessage, func() any { return &messages.SubagentProgressMessage{} })
	types.Register(messages.TypeSubagentResultMessage, func() any { return &messages.SubagentResultMessage{} })
	types.Register(messages.TypeAgentTaskRequest, func() any { return &messages.AgentTaskRequest{} })
	types.Register(messages.TypeAgentTaskCancel, func() any { return &messages.AgentTaskCancel{} })
	types.Register(messages.TypeAgentTaskStatusUpdate, func() any { return &messages.AgentTaskStatusUpdate{} })
	types.Register(messages.TypeAgentTaskResult, func() any { return &messages.AgentTaskResult{} })
	types.Register(messages.TypeAgentTaskError, func() any { return &messages.AgentTaskError{} })

	d := pipeline.New(types, h.logger, h.recoverMiddleware, h.rateLimitMiddleware)
	d.RegisterHandler(messages.TypeUserMessage, h.handleUserMessage)
	d.RegisterHandler(messages.TypeScheduledTaskMessage, h.handleScheduledTask)
	d.RegisterHandler(messages.TypeSubagentProgressMessage, h.handleSubagentProgress)
	d.RegisterHandler(messages.TypeSubagentResultMessage, h.handleSubagentResult)
	d.RegisterHandler(messages.TypeAgentTaskRequest, h.handleAgentTaskRequest)
	d.RegisterHandler(messages.TypeAgentTaskCancel, h.handleAgentTaskCancel)
	d.RegisterHandler(messages.TypeAgentTaskStatusUpdate, h.handleAgentTaskStatusUpdate)
	d.RegisterHandler(messages.TypeAgentTaskResult, h.handleAgentTaskResult)
	d.RegisterHandler(messages.TypeAgentTaskError, h.handleAgentTaskError)
	return d
}

// recoverMiddleware turns a panicking handler into Retry, redelivering up to
// maxHandlerRetries attempts (tracked via the envelope's rb-retry-count
// header), and DeadLetter once that budget is exhausted.
func (h *Host) recoverMiddleware(next pipeline.Handler) pipeline.Handler {
	return func(ctx context.Context, mc *pipeline.MessageContext) (outcome transport.Outcome) {
		defer func() {
			if r := recover(); r != nil {
				attempt := mc.Envelope.RetryCount()
				if attempt < h.maxHandlerRetries {
					mc.Envelope.MarkForRetry()
					h.logger.Warn("host: handler panicked, retrying",
						"messageType", mc.Envelope.MessageType, "panic", r,
						"attempt", attempt+1, "max", h.maxHandlerRetries)
					outcome = transport.Retry
					return
				}
				h.logger.Error("host: handler panicked, retry budget exhausted, dead-lettering",
					"messageType", mc.Envelope.MessageType, "panic", r, "attempts", attempt)
				outcome = transport.DeadLetter
			}
		}()
		return next(ctx, mc)
	}
}

// rateLimitMiddleware enforces the configured limiter against inbound user
// turns only; every other message type is exempt since it is never directly
// user-paced.
func (h *Host) rateLimitMiddleware(next pipeline.Handler) pipeline.Handler {
	return func(ctx context.Context, mc *pipeline.MessageContext) transport.Outcome {
		if h.limiter == nil || mc.Envelope.MessageType != messages.TypeUserMessage {
			return next(ctx, mc)
		}
		msg, ok := mc.Body.(*messages.UserMessage)
		if !ok {
			return next(ctx, mc)
		}
		result, err := h.limiter.CheckAndRecord(ctx, h.limiterScope, msg.SessionID, 0, 1)
		if err != nil {
			h.logger.Warn("host: rate limit check failed, allowing request", "session", msg.SessionID, "error", err)
			return next(ctx, mc)
		}
		if result.IsExceeded() {
			h.publishReply(ctx, msg.SessionID, "You're sending messages faster than I can keep up with; please slow down a little.", true)
			return transport.Ack
		}
		return next(ctx, mc)
	}
}

// summarizeSkill asks the configured model for a short skill summary; it is
// the Summarizer callback skills.Store backfills with after a skill is saved
// without one.
func (h *Host) summarizeSkill(content string) (string, error) {
	if h.model == nil {
		return "", fmt.Errorf("host: no model configured for skill summarization")
	}
	resp, err := h.model.Generate(context.Background(), []llm.Message{
		{Role: "system", Content: "Summarize the following skill procedure in 15 words or fewer, as a single line with no trailing period."},
		{Role: "user", Content: content},
	}, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Start subscribes every topic the dispatcher handles, starts the
// background loops, and arms the scheduler's persisted tasks.
func (h *Host) Start(ctx context.Context) error {
	h.hostCtx, h.cancel = context.WithCancel(ctx)

	topics := []string{
		messages.TopicUserRequest,
		h.sched.Topic(),
		messages.TopicSubagentProgress,
		messages.TopicSubagentResult,
		messages.TopicAgentTask,
		messages.TopicAgentTaskCancel,
		h.a2a.ResultTopic(),
	}
	for _, topic := range topics {
		if err := h.subscribeDispatched(h.hostCtx, topic); err != nil {
			return fmt.Errorf("host: subscribe %s: %w", topic, err)
		}
	}

	if sub, err := h.bus.Subscribe(h.hostCtx, messages.TopicToolMetaRefresh, h.cfg.Agent.Name+"-mcp-refresh", h.handleMCPRefresh); err != nil {
		return fmt.Errorf("host: subscribe mcp refresh: %w", err)
	} else {
		h.subs = append(h.subs, sub)
	}

	if err := h.sched.Load(h.hostCtx); err != nil {
		return fmt.Errorf("host: load scheduled tasks: %w", err)
	}
	h.sched.Start()

	if sub, err := h.discoverySvc.Start(h.hostCtx); err != nil {
		h.logger.Warn("host: discovery start failed", "error", err)
	} else if sub != nil {
		h.subs = append(h.subs, sub)
	}

	go h.consolidator.Start(h.hostCtx)

	return nil
}

func (h *Host) subscribeDispatched(ctx context.Context, topic string) error {
	sub, err := h.bus.Subscribe(ctx, topic, h.cfg.Agent.Name+"-"+topic, h.dispatcher.DispatchAsync)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)
	return nil
}

// Stop cancels every background loop and releases transport subscriptions.
// It does not close the underlying bus; the caller owns that lifecycle.
func (h *Host) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.sched.Stop().Done()
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("host: unsubscribe failed", "error", err)
		}
	}
	for _, src := range h.mcpSources {
		if err := src.Close(); err != nil {
			h.logger.Warn("host: close mcp source failed", "error", err)
		}
	}
	if err := h.profileWatcher.Close(); err != nil {
		h.logger.Warn("host: close profile watcher failed", "error", err)
	}
}

// handleMCPRefresh reconciles every configured MCP source's tool set into
// the base registry in response to a tool.meta.mcp.refresh message.
func (h *Host) handleMCPRefresh(ctx context.Context, env *envelope.Envelope) transport.Outcome {
	for _, src := range h.mcpSources {
		if err := src.Refresh(ctx, h.tools); err != nil {
			h.logger.Warn("host: mcp refresh failed", "error", err)
			return transport.Retry
		}
	}
	return transport.Ack
}
