package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// DefaultCallTimeout bounds a single model call.
const DefaultCallTimeout = 30 * time.Second

// ResponseKind tags a model response.
type ResponseKind int

const (
	ResponseText ResponseKind = iota
	ResponseToolInvocation
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseText:
		return "text"
	case ResponseToolInvocation:
		return "tool_invocation"
	default:
		return "unknown"
	}
}

// ToolInvocation is one tool call requested by the model.
type ToolInvocation struct {
	CallID string
	Name   string
	Args   json.RawMessage
	// Malformed is set when the name is outside the tool enumeration or the
	// arguments are not a JSON document.
	Malformed bool
}

// ResponseRef carries what is needed to continue a response: its id and
// the transcript so far. It is opaque to callers.
type ResponseRef struct {
	ID         string
	transcript []openai.ChatCompletionMessageParamUnion
	callID     string
}

// Response is either final text or a list of tool invocations.
type Response struct {
	Kind        ResponseKind
	Text        string
	Invocations []ToolInvocation
	Ref         ResponseRef
}

// GatewayOpts holds configuration for the Gateway.
type GatewayOpts struct {
	ConverseModel string
	ContinueModel string
	CallTimeout   time.Duration
}

// GatewayOption configures the Gateway.
type GatewayOption func(*GatewayOpts)

// WithConverseModel sets the model used to open a turn.
func WithConverseModel(model string) GatewayOption {
	return func(o *GatewayOpts) { o.ConverseModel = model }
}

// WithContinueModel sets the model used after a tool result.
func WithContinueModel(model string) GatewayOption {
	return func(o *GatewayOpts) { o.ContinueModel = model }
}

// WithCallTimeout bounds each model call.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(o *GatewayOpts) { o.CallTimeout = d }
}

// Gateway turns a thread history plus instructions into a model response,
// and continues a response with a tool result. It keeps no state between calls.
type Gateway struct {
	client        *Client
	converseModel string
	continueModel string
	callTimeout   time.Duration
}

// NewGateway creates a Gateway on top of a GenAI client.
func NewGateway(client *Client, opts ...GatewayOption) *Gateway {
	cfg := GatewayOpts{CallTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ConverseModel == "" {
		cfg.ConverseModel = client.Model()
	}
	if cfg.ContinueModel == "" {
		cfg.ContinueModel = cfg.ConverseModel
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Gateway{
		client:        client,
		converseModel: cfg.ConverseModel,
		continueModel: cfg.ContinueModel,
		callTimeout:   cfg.CallTimeout,
	}
}

// Converse opens a turn: instructions as the system message followed by the history.
func (g *Gateway) Converse(ctx context.Context, history []models.HistoryEntry, instructions string, tools []openai.ChatCompletionToolParam) (Response, error) {
	transcript := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	transcript = append(transcript, openai.SystemMessage(instructions))
	for _, entry := range history {
		switch entry.Role {
		case models.RoleAssistant:
			transcript = append(transcript, openai.AssistantMessage(entry.Content))
		default:
			transcript = append(transcript, openai.UserMessage(entry.Content))
		}
	}
	return g.call(ctx, "Converse", g.converseModel, transcript, tools)
}

// Continue feeds a tool result back to the model for the pending invocation of prior.
func (g *Gateway) Continue(ctx context.Context, toolResult string, prior ResponseRef, tools []openai.ChatCompletionToolParam) (Response, error) {
	if prior.callID == "" {
		return Response{}, fmt.Errorf("continue response %s: no pending tool invocation", prior.ID)
	}
	transcript := make([]openai.ChatCompletionMessageParamUnion, 0, len(prior.transcript)+1)
	transcript = append(transcript, prior.transcript...)
	transcript = append(transcript, openai.ToolMessage(toolResult, prior.callID))
	return g.call(ctx, "Continue", g.continueModel, transcript, tools)
}

func (g *Gateway) call(ctx context.Context, method, model string, transcript []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: transcript,
		Tools:    tools,
	}
	resp, err := g.client.complete(ctx, method, model, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			slog.Warn("Gateway.call: API error", "method", method, "statusCode", apiErr.StatusCode)
			if !retryableStatus(apiErr.StatusCode) {
				return Response{}, fmt.Errorf("%w: %s: status %d: %w", models.ErrGatewayRejected, method, apiErr.StatusCode, err)
			}
		}
		return Response{}, fmt.Errorf("%w: %s: %w", models.ErrGatewayUnavailable, method, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: %s: %w", models.ErrGatewayUnavailable, method, ErrNoChoicesReturned)
	}
	return parseResponse(resp, transcript), nil
}

// retryableStatus reports whether an API status may succeed on a later call.
// Client errors other than timeouts and rate limits are the caller's fault.
func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code < 400 || code >= 500
}

// parseResponse converts the first choice into a tagged Response. Only the
// first tool call is recorded in the transcript; it is the only one executed.
func parseResponse(resp openai.ChatCompletion, transcript []openai.ChatCompletionMessageParamUnion) Response {
	msg := resp.Choices[0].Message

	if len(msg.ToolCalls) == 0 {
		next := append(transcript[:len(transcript):len(transcript)], openai.AssistantMessage(msg.Content))
		return Response{
			Kind: ResponseText,
			Text: msg.Content,
			Ref:  ResponseRef{ID: resp.ID, transcript: next},
		}
	}

	invocations := make([]ToolInvocation, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		inv := ToolInvocation{
			CallID: tc.ID,
			Name:   tc.Function.Name,
			Args:   json.RawMessage(tc.Function.Arguments),
		}
		if !models.IsValidToolName(inv.Name) || !json.Valid(inv.Args) {
			inv.Malformed = true
			slog.Warn("Gateway.parseResponse: malformed tool call", "tool", inv.Name, "callID", inv.CallID)
		}
		invocations = append(invocations, inv)
	}

	first := msg.ToolCalls[0]
	assistant := openai.ChatCompletionAssistantMessageParam{
		ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
			ID:   first.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      first.Function.Name,
				Arguments: first.Function.Arguments,
			},
		}},
	}
	if msg.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(msg.Content),
		}
	}
	next := append(transcript[:len(transcript):len(transcript)],
		openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

	return Response{
		Kind:        ResponseToolInvocation,
		Text:        msg.Content,
		Invocations: invocations,
		Ref:         ResponseRef{ID: resp.ID, transcript: next, callID: first.ID},
	}
}
