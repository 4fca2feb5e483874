// Package flow runs conversation turns against the model and executes the
// business tools the model calls.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BizMitra/BizMitra/internal/genai"
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/openai/openai-go"
)

// DefaultMaxToolHops bounds the number of tool executions within one turn.
const DefaultMaxToolHops = 5

// FallbackReply is returned when a turn exhausts its tool hops without a final answer.
const FallbackReply = "I ran into trouble, a human will follow up"

// ModelGateway is the model API used by the orchestrator.
type ModelGateway interface {
	Converse(ctx context.Context, history []models.HistoryEntry, instructions string, tools []openai.ChatCompletionToolParam) (genai.Response, error)
	Continue(ctx context.Context, toolResult string, prior genai.ResponseRef, tools []openai.ChatCompletionToolParam) (genai.Response, error)
}

// ToolRunner executes tool calls for a thread.
type ToolRunner interface {
	Execute(ctx context.Context, threadID, name string, args json.RawMessage) (string, error)
}

// ProfileSource supplies business profiles.
type ProfileSource interface {
	GetProfileByBusinessID(ctx context.Context, businessID string) (*models.BusinessProfile, error)
}

// ThreadStore is the persistence the orchestrator needs.
type ThreadStore interface {
	store.ThreadRepo
	store.BusinessRepo
}

var (
	_ ModelGateway  = (*genai.Gateway)(nil)
	_ ToolRunner    = (*ToolExecutor)(nil)
	_ ProfileSource = (*ProfileProvider)(nil)
)

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	MaxToolHops int
	Escalator   *Escalator
	Now         func() time.Time
}

// Option defines a functional option for configuring the Orchestrator.
type Option func(*Opts)

// WithMaxToolHops sets the tool hop bound of a turn.
func WithMaxToolHops(n int) Option {
	return func(o *Opts) {
		o.MaxToolHops = n
	}
}

// WithEscalator sets how calendar/booking inconsistencies are escalated.
func WithEscalator(e *Escalator) Option {
	return func(o *Opts) {
		o.Escalator = e
	}
}

// WithClock overrides the clock used for the current-time line of the instructions.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Orchestrator runs conversation turns: one inbound message in, one assistant reply out,
// with a bounded number of tool calls in between.
type Orchestrator struct {
	st        ThreadStore
	gateway   ModelGateway
	tools     ToolRunner
	profiles  ProfileSource
	locks     *ThreadLocks
	escalator *Escalator
	maxHops   int
	now       func() time.Time
	toolDefs  []openai.ChatCompletionToolParam
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st ThreadStore, gateway ModelGateway, tools ToolRunner, profiles ProfileSource, opts ...Option) *Orchestrator {
	cfg := Opts{MaxToolHops: DefaultMaxToolHops, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxToolHops <= 0 {
		cfg.MaxToolHops = DefaultMaxToolHops
	}
	if cfg.Escalator == nil {
		cfg.Escalator = NewEscalator(EscalationLog, nil, nil)
	}
	return &Orchestrator{
		st:        st,
		gateway:   gateway,
		tools:     tools,
		profiles:  profiles,
		locks:     NewThreadLocks(),
		escalator: cfg.Escalator,
		maxHops:   cfg.MaxToolHops,
		now:       cfg.Now,
		toolDefs:  ToolDefinitions(),
	}
}

// HandleTurn processes one inbound message for threadID and returns the assistant reply.
//
// Only one turn per thread runs at a time; a concurrent call fails fast with
// models.ErrThreadBusy. Gateway failures, unknown threads or businesses and store
// failures abort the turn and leave the thread unchanged.
func (o *Orchestrator) HandleTurn(ctx context.Context, threadID, inboundText string) (string, error) {
	m := getMetrics()
	if strings.TrimSpace(inboundText) == "" {
		return "", models.ErrEmptyMessage
	}

	release, ok := o.locks.TryAcquire(threadID)
	if !ok {
		m.busyTotal.Inc()
		m.turnsTotal.WithLabelValues("busy").Inc()
		slog.Warn("Orchestrator.HandleTurn: thread busy", "threadID", threadID)
		return "", models.ErrThreadBusy
	}
	defer release()

	reply, hops, err := o.runTurn(ctx, threadID, inboundText)
	if err != nil {
		m.turnsTotal.WithLabelValues(turnOutcome(err)).Inc()
		slog.Error("Orchestrator.HandleTurn: turn failed", "threadID", threadID, "hops", hops, "error", err)
		return "", err
	}
	m.toolHops.Observe(float64(hops))
	if reply == FallbackReply {
		m.turnsTotal.WithLabelValues("fallback").Inc()
	} else {
		m.turnsTotal.WithLabelValues("ok").Inc()
	}
	slog.Info("Orchestrator.HandleTurn: turn complete", "threadID", threadID, "hops", hops, "replyLength", len(reply))
	return reply, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, threadID, inboundText string) (string, int, error) {
	thread, err := o.st.GetThread(ctx, threadID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	business, err := o.st.GetBusiness(ctx, thread.BusinessID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load business %s: %w", thread.BusinessID, err)
	}
	profile, err := o.profiles.GetProfileByBusinessID(ctx, business.ID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load profile: %w", err)
	}

	thread.Append(models.RoleUser, inboundText)
	instructions := BuildInstructions(profile, business.Location(), o.now())

	resp, err := o.gateway.Converse(ctx, thread.History, instructions, o.toolDefs)
	if err != nil {
		return "", 0, err
	}
	firstResponseID := resp.Ref.ID

	hops := 0
	reply := ""
	for resp.Kind == genai.ResponseToolInvocation {
		if hops >= o.maxHops {
			slog.Warn("Orchestrator.runTurn: tool hop bound reached", "threadID", threadID, "maxHops", o.maxHops)
			reply = FallbackReply
			break
		}
		hops++

		if len(resp.Invocations) > 1 {
			ignored := make([]string, 0, len(resp.Invocations)-1)
			for _, inv := range resp.Invocations[1:] {
				ignored = append(ignored, inv.Name)
			}
			slog.Warn("Orchestrator.runTurn: ignoring extra tool invocations", "threadID", threadID, "ignored", ignored)
		}

		result := o.executeTool(ctx, threadID, resp.Invocations[0])
		resp, err = o.gateway.Continue(ctx, result, resp.Ref, o.toolDefs)
		if err != nil {
			return "", hops, err
		}
	}
	if reply == "" {
		reply = resp.Text
	}
	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}

	thread.Append(models.RoleAssistant, reply)
	thread.LastResponseID = resp.Ref.ID
	if thread.ExternalThreadID == "" {
		thread.ExternalThreadID = firstResponseID
	}
	if err := o.st.SaveThread(ctx, thread); err != nil {
		return "", hops, fmt.Errorf("failed to save thread %s: %w", threadID, err)
	}
	return reply, hops, nil
}

// executeTool runs one invocation and always returns text for the model.
func (o *Orchestrator) executeTool(ctx context.Context, threadID string, inv genai.ToolInvocation) string {
	m := getMetrics()
	slog.Info("Orchestrator.executeTool: executing tool",
		"threadID", threadID, "tool", inv.Name, "callID", inv.CallID, "arguments", formatToolArgumentsForLog(inv.Args))

	if inv.Malformed {
		err := fmt.Errorf("%w: %s", models.ErrMalformedToolCall, inv.Name)
		m.toolCallsTotal.WithLabelValues(toolLabel(inv.Name), "malformed").Inc()
		slog.Warn("Orchestrator.executeTool: malformed tool call", "threadID", threadID, "tool", inv.Name)
		return softResult(inv.Name, err)
	}

	result, err := o.tools.Execute(ctx, threadID, inv.Name, inv.Args)
	if err == nil {
		m.toolCallsTotal.WithLabelValues(inv.Name, "ok").Inc()
		return result
	}

	var toolErr *models.ToolExecutionError
	var inc *models.InconsistencyError
	switch {
	case errors.As(err, &inc):
		m.toolCallsTotal.WithLabelValues(inv.Name, "inconsistency").Inc()
		o.escalator.Escalate(ctx, inc)
	case errors.As(err, &toolErr):
		m.toolCallsTotal.WithLabelValues(inv.Name, "failed").Inc()
		slog.Warn("Orchestrator.executeTool: tool failed", "threadID", threadID, "tool", inv.Name, "error", err)
	case errors.Is(err, models.ErrMalformedToolCall):
		m.toolCallsTotal.WithLabelValues(toolLabel(inv.Name), "malformed").Inc()
		slog.Warn("Orchestrator.executeTool: malformed tool call", "threadID", threadID, "tool", inv.Name, "error", err)
	default:
		m.toolCallsTotal.WithLabelValues(inv.Name, "error").Inc()
		slog.Error("Orchestrator.executeTool: tool infrastructure failure", "threadID", threadID, "tool", inv.Name, "error", err)
	}
	return softResult(inv.Name, err)
}

// toolLabel bounds the metric label set to known tool names.
func toolLabel(name string) string {
	if models.IsValidToolName(name) {
		return name
	}
	return "unknown"
}

func turnOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, models.ErrGatewayRejected):
		return "gateway_rejected"
	case errors.Is(err, models.ErrThreadNotFound), errors.Is(err, models.ErrBusinessNotFound):
		return "not_found"
	default:
		return "error"
	}
}
