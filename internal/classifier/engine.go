package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/gwtoolzone/open-swe/internal/session"
	"github.com/gwtoolzone/open-swe/pkg/models"
)

var (
	// ErrNoUserMessage indicates a classification request whose history
	// carries no human-authored message.
	ErrNoUserMessage = errors.New("conversation has no user message")

	// ErrClassificationFailed indicates the model did not return exactly one
	// well-formed route choice. Fatal to the pipeline pass; the next external
	// trigger retries.
	ErrClassificationFailed = errors.New("classification failed")
)

const routeToolName = "route_request"

// Config selects the classification model.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	Temperature float64
}

// Request carries everything the classifier considers for one message.
type Request struct {
	History          []models.Message
	PlannerStatus    models.SessionStatus
	ProgrammerStatus models.SessionStatus
	TaskPlan         *models.TaskPlan
	ProposedPlan     *models.TaskPlan
	RequestSource    models.RequestSource
}

// Decision is the classifier's structured answer.
type Decision struct {
	Route     session.Route `json:"route"`
	Reply     string        `json:"reply"`
	Reasoning string        `json:"reasoning"`
}

// Engine asks a model to pick exactly one route for an incoming message. It
// has no side effects beyond the network call.
type Engine struct {
	llm         llms.Model
	temperature float64
}

// NewEngine builds the engine for the configured provider.
func NewEngine(cfg Config) (*Engine, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "anthropic":
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	case "openai":
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("unsupported classifier provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifier model: %w", err)
	}
	return &Engine{llm: model, temperature: cfg.Temperature}, nil
}

// NewEngineWithModel wires a prebuilt model, used by tests.
func NewEngineWithModel(model llms.Model) *Engine {
	return &Engine{llm: model}
}

// Classify makes exactly one model call and returns the chosen route. No
// internal retry: a malformed or missing tool call aborts the pipeline pass.
func (e *Engine) Classify(ctx context.Context, req Request) (*Decision, error) {
	if !hasHumanMessage(req.History) {
		return nil, ErrNoUserMessage
	}

	offered := session.OfferedRoutes(req.PlannerStatus, req.ProgrammerStatus)

	resp, err := e.llm.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt(req, offered)),
			llms.TextParts(llms.ChatMessageTypeHuman, conversationPrompt(req.History)),
		},
		llms.WithTools([]llms.Tool{routeTool(offered)}),
		llms.WithTemperature(e.temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassificationFailed, err)
	}

	decision, err := parseDecision(resp, offered)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("route", string(decision.Route)).
		Str("source", string(req.RequestSource)).
		Msg("Classified incoming request")

	return decision, nil
}

// parseDecision extracts the single expected tool invocation from the model
// response. Tool arguments pass through jsonrepair first; models emit
// trailing commas often enough that discarding a repairable payload would be
// needless failure, but an unrepairable one is still fatal.
func parseDecision(resp *llms.ContentResponse, offered []session.Route) (*Decision, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty model response", ErrClassificationFailed)
	}

	var call *llms.ToolCall
	for i := range resp.Choices[0].ToolCalls {
		tc := &resp.Choices[0].ToolCalls[i]
		if tc.FunctionCall != nil && tc.FunctionCall.Name == routeToolName {
			if call != nil {
				return nil, fmt.Errorf("%w: multiple route invocations in response", ErrClassificationFailed)
			}
			call = tc
		}
	}
	if call == nil {
		return nil, fmt.Errorf("%w: no route invocation in response", ErrClassificationFailed)
	}

	args := call.FunctionCall.Arguments
	if repaired, err := jsonrepair.JSONRepair(args); err == nil {
		args = repaired
	}

	var decision Decision
	if err := json.Unmarshal([]byte(args), &decision); err != nil {
		return nil, fmt.Errorf("%w: malformed route arguments: %v", ErrClassificationFailed, err)
	}

	if !session.Contains(offered, decision.Route) {
		return nil, fmt.Errorf("%w: model chose route %q outside the offered set", ErrClassificationFailed, decision.Route)
	}

	return &decision, nil
}

func hasHumanMessage(history []models.Message) bool {
	for _, m := range history {
		if m.Role == models.RoleHuman {
			return true
		}
	}
	return false
}
