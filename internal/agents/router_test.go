package agents

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/meridianhq/advisor/internal/clients/llm"
)

func TestClassifyParsesValidRoute(t *testing.T) {
	provider := llm.NewMockProvider(`{"agent": "trade_execution", "task": "buy 10 NVDA"}`)
	router := NewRouter(provider, zerolog.Nop())

	route := router.Classify(context.Background(), "buy 10 NVDA", "", "")
	assert.Equal(t, AgentTradeExecution, route.Agent)
	assert.Equal(t, "buy 10 NVDA", route.Task)

	// The call ran in JSON mode with the message in the prompt.
	assert.True(t, provider.Requests[0].JSONMode)
	assert.Contains(t, provider.Requests[0].Messages[1].Content, "buy 10 NVDA")
}

func TestClassifyStripsCodeFences(t *testing.T) {
	provider := llm.NewMockProvider("```json\n{\"agent\": \"compliance_review\", \"task\": \"check it\"}\n```")
	router := NewRouter(provider, zerolog.Nop())

	route := router.Classify(context.Background(), "is this trade compliant?", "", "")
	assert.Equal(t, AgentComplianceReview, route.Agent)
}

func TestClassifyFallsBackOnBadJSON(t *testing.T) {
	provider := llm.NewMockProvider("I think this is a trade request.")
	router := NewRouter(provider, zerolog.Nop())

	route := router.Classify(context.Background(), "should I buy NVDA?", "", "")
	assert.Equal(t, AgentPortfolioAnalysis, route.Agent)
	assert.Equal(t, "should I buy NVDA?", route.Task)
}

func TestClassifyFallsBackOnUnknownAgent(t *testing.T) {
	provider := llm.NewMockProvider(`{"agent": "day_trading_bot", "task": "yolo"}`)
	router := NewRouter(provider, zerolog.Nop())

	route := router.Classify(context.Background(), "hello", "", "")
	assert.Equal(t, AgentPortfolioAnalysis, route.Agent)
}

func TestClassifyFallsBackOnProviderError(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.Err = assert.AnError
	router := NewRouter(provider, zerolog.Nop())

	route := router.Classify(context.Background(), "anything", "", "")
	assert.Equal(t, AgentPortfolioAnalysis, route.Agent)
}
