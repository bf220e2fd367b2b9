// Package agents contains the conversational layer: the intent router,
// the trade-detail extractor, and the supervisor that orchestrates a
// client turn end to end.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/clients/llm"
)

// AgentType is the sub-agent a client turn routes to.
type AgentType string

const (
	AgentPortfolioAnalysis AgentType = "portfolio_analysis"
	AgentTradeExecution    AgentType = "trade_execution"
	AgentComplianceReview  AgentType = "compliance_review"
)

// Route is the router's classification of one client turn.
type Route struct {
	Agent AgentType `json:"agent"`
	Task  string    `json:"task"`
}

const routerSystemPrompt = `You are the routing layer of an investment advisory assistant.
Classify the user's message into exactly one agent:
- "portfolio_analysis": questions, analysis, opinions, general advice ("should I buy NVDA?", "how is my portfolio doing?")
- "trade_execution": explicit imperatives to trade ("buy 10 NVDA", "sell all SPY")
- "compliance_review": explicit requests to check a trade against compliance rules

Respond with a JSON object: {"agent": "<one of the three>", "task": "<one-line restatement of what to do>"}.`

// Router classifies client turns with a single JSON-mode LLM call.
type Router struct {
	provider llm.Provider
	log      zerolog.Logger
}

// NewRouter creates the intent router.
func NewRouter(provider llm.Provider, log zerolog.Logger) *Router {
	return &Router{provider: provider, log: log.With().Str("component", "router").Logger()}
}

// Classify routes one message. Any failure — LLM error, malformed JSON,
// unknown agent — falls back to portfolio_analysis, the safe read-only
// path.
func (r *Router) Classify(ctx context.Context, message, portfolioSummary, clientProfile string) Route {
	fallback := Route{Agent: AgentPortfolioAnalysis, Task: message}

	var userPrompt strings.Builder
	userPrompt.WriteString("Message: " + message)
	if portfolioSummary != "" {
		userPrompt.WriteString("\n\nPortfolio summary:\n" + portfolioSummary)
	}
	if clientProfile != "" {
		userPrompt.WriteString("\n\nClient profile:\n" + clientProfile)
	}

	resp, err := r.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: routerSystemPrompt},
			{Role: "user", Content: userPrompt.String()},
		},
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("router LLM call failed; defaulting to portfolio_analysis")
		return fallback
	}

	route, err := parseRoute(resp.Content)
	if err != nil {
		r.log.Warn().Err(err).Str("raw", resp.Content).Msg("router returned invalid JSON; defaulting")
		return fallback
	}
	if route.Task == "" {
		route.Task = message
	}
	return route
}

func parseRoute(raw string) (Route, error) {
	var route Route
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &route); err != nil {
		return Route{}, err
	}
	switch route.Agent {
	case AgentPortfolioAnalysis, AgentTradeExecution, AgentComplianceReview:
		return route, nil
	}
	return Route{}, fmt.Errorf("unknown agent %q", route.Agent)
}

// extractJSONObject trims prose or code fences around the first JSON
// object in a model response.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
