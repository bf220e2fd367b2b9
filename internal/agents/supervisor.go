package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/clients/llm"
	"github.com/meridianhq/advisor/internal/compliance"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/modules/advisor"
	"github.com/meridianhq/advisor/internal/modules/execution"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
	"github.com/meridianhq/advisor/internal/modules/sessions"
)

// Chunk is one streamed unit of a supervisor response.
type Chunk struct {
	Type    string                 `json:"type"` // content | final | error
	Content string                 `json:"content,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// ChunkWriter delivers chunks to the transport. Returning an error
// aborts the turn (client went away).
type ChunkWriter func(Chunk) error

// Request is one client turn.
type Request struct {
	UserID    string
	Message   string
	SessionID string
}

// TradeExecutor is the execution-service surface the supervisor needs.
type TradeExecutor interface {
	CreatePendingTrade(ctx context.Context, intent execution.TradeIntent) (*domain.Transaction, *compliance.TradeVerdict, error)
	ApproveWorkflow(ctx context.Context, userID string) (*domain.Transaction, error)
}

// preGuardLimit is the post-trade position share above which the
// supervisor refuses without consulting compliance at all.
var preGuardLimit = decimal.RequireFromString("0.5")

const historyDepth = 10

// Supervisor orchestrates one client turn: session logging, the approve
// fast-path, routing, and the streamed sub-agent responses.
type Supervisor struct {
	provider  llm.Provider
	router    *Router
	extractor *Extractor
	executor  TradeExecutor
	store     *portfolio.Store
	sessions  *sessions.Service
	analytics *advisor.Service
	broker    domain.BrokerClient
	log       zerolog.Logger
}

// NewSupervisor wires the supervisor.
func NewSupervisor(
	provider llm.Provider,
	router *Router,
	extractor *Extractor,
	executor TradeExecutor,
	store *portfolio.Store,
	sessionSvc *sessions.Service,
	analytics *advisor.Service,
	broker domain.BrokerClient,
	log zerolog.Logger,
) *Supervisor {
	return &Supervisor{
		provider:  provider,
		router:    router,
		extractor: extractor,
		executor:  executor,
		store:     store,
		sessions:  sessionSvc,
		analytics: analytics,
		broker:    broker,
		log:       log.With().Str("component", "supervisor").Logger(),
	}
}

// Process runs one turn. Sub-component failures become error chunks with
// a user-safe message; the full cause goes to the log.
func (s *Supervisor) Process(ctx context.Context, req Request, emit ChunkWriter) (string, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		id, err := s.sessions.Start(req.UserID, sessionTypeFor(req.Message), nil)
		if err != nil {
			return "", s.fail(emit, err, "could not start a session")
		}
		sessionID = id
	}
	s.sessions.LogMessage(sessionID, "user", "user", req.Message, 0)

	var err error
	if isApproval(req.Message) {
		wf := s.sessions.StartWorkflow(sessionID, req.UserID, string(AgentTradeExecution))
		err = s.handleApproval(ctx, req, sessionID, emit)
		s.finishWorkflow(wf, err)
	} else {
		summary, profile := s.context(req.UserID)
		route := s.router.Classify(ctx, req.Message, summary, profile)
		wf := s.sessions.StartWorkflow(sessionID, req.UserID, string(route.Agent))
		switch route.Agent {
		case AgentTradeExecution, AgentComplianceReview:
			err = s.handleTrade(ctx, req, sessionID, emit)
		default:
			err = s.handleAnalysis(ctx, req, sessionID, summary, profile, emit)
		}
		s.finishWorkflow(wf, err)
	}
	return sessionID, err
}

// finishWorkflow closes the turn's workflow record with the outcome.
func (s *Supervisor) finishWorkflow(workflowID string, turnErr error) {
	if turnErr != nil {
		s.sessions.FinishWorkflow(workflowID, sessions.WorkflowFailed, turnErr.Error())
		return
	}
	s.sessions.FinishWorkflow(workflowID, sessions.WorkflowCompleted, "")
}

// isApproval detects the approval fast-path trigger.
func isApproval(message string) bool {
	return strings.Contains(strings.ToLower(message), "approve")
}

// sessionTypeFor derives the session type from request keywords.
func sessionTypeFor(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "buy") || strings.Contains(lower, "sell") || strings.Contains(lower, "approve"):
		return "execution"
	case strings.Contains(lower, "complian") || strings.Contains(lower, "rule"):
		return "compliance"
	case strings.Contains(lower, "portfolio") || strings.Contains(lower, "analy"):
		return "advisory"
	default:
		return "general"
	}
}

// handleApproval executes the most recent pending trade without routing.
func (s *Supervisor) handleApproval(ctx context.Context, req Request, sessionID string, emit ChunkWriter) error {
	tx, err := s.executor.ApproveWorkflow(ctx, req.UserID)
	if errors.Is(err, domain.ErrNoPendingTrade) {
		msg := "You have no pending trades to approve."
		if err := s.respond(sessionID, "supervisor", msg, emit); err != nil {
			return err
		}
		return emit(Chunk{Type: "final", Result: map[string]interface{}{
			"session_id": sessionID,
			"status":     "no_pending_trade",
		}})
	}
	if err != nil && tx == nil {
		return s.fail(emit, err, "the trade could not be executed")
	}

	var narrative string
	switch tx.Status {
	case domain.StatusExecuted:
		price := ""
		if tx.Price != nil {
			price = " at $" + tx.Price.StringFixed(2)
		}
		narrative = fmt.Sprintf("Done. Executed %s %s %s%s.", tx.Type, tx.Quantity, tx.Symbol, price)
	case domain.StatusPending:
		narrative = fmt.Sprintf("Your %s order for %s %s was submitted and is still working at the broker; it will settle on the next sync.", tx.Type, tx.Quantity, tx.Symbol)
	default:
		narrative = fmt.Sprintf("The trade could not be completed: it is now %s. %s", tx.Status, tx.Notes)
	}
	if err := s.respond(sessionID, "execution", narrative, emit); err != nil {
		return err
	}
	return emit(Chunk{Type: "final", Result: map[string]interface{}{
		"session_id":     sessionID,
		"transaction_id": tx.ID,
		"status":         string(tx.Status),
	}})
}

// handleTrade runs the execution path: narrative, extraction, the
// concentration pre-guard, then the compliance-gated pending trade.
func (s *Supervisor) handleTrade(ctx context.Context, req Request, sessionID string, emit ChunkWriter) error {
	var full strings.Builder
	narrative, err := s.provider.Stream(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are an investment advisor. In two or three sentences, describe the trade the user is asking for and one key consideration. Do not give a verdict."},
			{Role: "user", Content: req.Message},
		},
	}, func(delta string) error {
		full.WriteString(delta)
		return emit(Chunk{Type: "content", Content: delta})
	})
	if err != nil {
		return s.failPartial(sessionID, full.String(), emit, err, "the advisor stream was interrupted")
	}
	tokens := narrative.TokensUsed

	details, err := s.extractor.Extract(ctx, req.Message)
	if err != nil {
		return s.failPartial(sessionID, full.String(), emit, err, "I could not work out the trade details; please restate the symbol and quantity")
	}

	pf, err := s.store.Portfolios.GetPrimaryPortfolio(req.UserID)
	if err != nil {
		return s.failPartial(sessionID, full.String(), emit, err, "your portfolio could not be loaded")
	}

	symbol := details.Symbol
	if resolved, rerr := s.broker.ResolveSymbol(ctx, details.Symbol); rerr == nil && resolved != "" {
		symbol = resolved
	}
	position, posErr := s.store.Positions.GetPositionBySymbol(pf.ID, symbol)

	if details.SellAll {
		if posErr != nil {
			return s.failPartial(sessionID, full.String(), emit, posErr,
				fmt.Sprintf("you hold no %s to sell", symbol))
		}
		details.Quantity = position.Quantity
	}

	// Concentration pre-guard: refuse extreme positions before they
	// reach the compliance reviewer or the audit trail.
	if blocked, explanation := s.preGuard(ctx, details, symbol, pf, position, posErr == nil); blocked {
		full.WriteString("\n\n" + explanation)
		if err := emit(Chunk{Type: "content", Content: "\n\n" + explanation}); err != nil {
			return err
		}
		s.sessions.LogMessage(sessionID, "supervisor", "assistant", full.String(), tokens)
		return emit(Chunk{Type: "final", Result: map[string]interface{}{
			"session_id": sessionID,
			"blocked":    true,
			"reason":     "extreme_concentration",
		}})
	}

	rec := &domain.Recommendation{
		UserID:    req.UserID,
		Symbol:    symbol,
		Action:    details.Action,
		Quantity:  details.Quantity,
		OrderType: details.OrderType,
		Rationale: details.Rationale,
	}
	if err := s.store.Recommendations.CreateRecommendation(rec); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record recommendation")
	}

	tx, verdict, err := s.executor.CreatePendingTrade(ctx, execution.TradeIntent{
		UserID:           req.UserID,
		Symbol:           symbol,
		Type:             details.Action,
		Quantity:         details.Quantity,
		OrderType:        details.OrderType,
		Notes:            details.Rationale,
		RecommendationID: rec.ID,
	})
	if err != nil {
		return s.failPartial(sessionID, full.String(), emit, err, "the trade could not be prepared")
	}

	verdictText := formatVerdict(verdict, tx)
	full.WriteString("\n\n" + verdictText)
	if err := emit(Chunk{Type: "content", Content: "\n\n" + verdictText}); err != nil {
		return err
	}
	s.sessions.LogMessage(sessionID, "supervisor", "assistant", full.String(), tokens)

	result := map[string]interface{}{
		"session_id":             sessionID,
		"transaction_id":         tx.ID,
		"status":                 string(tx.Status),
		"compliance_score":       verdict.Score,
		"requires_user_approval": tx.Status == domain.StatusPending,
	}
	if tx.Status == domain.StatusPending {
		result["trade_recommendations"] = []map[string]interface{}{{
			"id":       rec.ID,
			"symbol":   tx.Symbol,
			"action":   string(tx.Type),
			"quantity": tx.Quantity.String(),
		}}
	}
	return emit(Chunk{Type: "final", Result: result})
}

// preGuard computes the would-be position share after the trade. Above
// the limit — or a sell of the entire position — it blocks.
func (s *Supervisor) preGuard(ctx context.Context, details *TradeDetails, symbol string, pf *domain.Portfolio, position *domain.Position, havePosition bool) (bool, string) {
	if details.Action == domain.TransactionSell {
		if details.SellAll || (havePosition && details.Quantity.GreaterThanOrEqual(position.Quantity)) {
			return true, fmt.Sprintf(
				"**Hold on.** Selling your entire %s position is an extreme change that concentrates everything that remains. "+
					"If you are sure, ask again with an explicit share count below your full holding.", symbol)
		}
		return false, ""
	}

	if !pf.TotalValue.IsPositive() {
		return false, ""
	}
	price := decimal.Zero
	if quote, err := s.broker.GetPrice(ctx, symbol); err == nil {
		price = quote.Price
	}
	if !price.IsPositive() {
		return false, ""
	}

	existing := decimal.Zero
	if havePosition {
		existing = position.MarketValue
	}
	newShare := existing.Add(details.Quantity.Mul(price)).Div(pf.TotalValue)
	if newShare.GreaterThan(preGuardLimit) {
		pct := newShare.Mul(decimal.NewFromInt(100))
		return true, fmt.Sprintf(
			"**I won't prepare this trade.** It would put %s%% of your portfolio into %s — an extreme concentration risk. "+
				"Consider a smaller position.", pct.StringFixed(1), symbol)
	}
	return false, ""
}

// handleAnalysis runs the advisory path: history-aware streamed answer
// plus derived metrics in the final chunk.
func (s *Supervisor) handleAnalysis(ctx context.Context, req Request, sessionID, summary, profile string, emit ChunkWriter) error {
	messages := []llm.Message{{
		Role: "system",
		Content: "You are a careful investment advisor. Ground every statement in the portfolio context provided. " +
			"Be specific about holdings and allocations; do not invent positions.\n\nPortfolio context:\n" + summary +
			"\n\nClient profile:\n" + profile,
	}}
	if history, err := s.sessions.History(sessionID, historyDepth); err == nil {
		for _, m := range history {
			role := m.Role
			if role != "user" && role != "assistant" {
				role = "assistant"
			}
			messages = append(messages, llm.Message{Role: role, Content: m.Content})
		}
	}
	// History already ends with the user message logged this turn.
	if len(messages) == 1 {
		messages = append(messages, llm.Message{Role: "user", Content: req.Message})
	}

	var full strings.Builder
	resp, err := s.provider.Stream(ctx, llm.Request{Messages: messages}, func(delta string) error {
		full.WriteString(delta)
		return emit(Chunk{Type: "content", Content: delta})
	})
	if err != nil {
		return s.failPartial(sessionID, full.String(), emit, err, "the advisor stream was interrupted")
	}
	s.sessions.LogMessage(sessionID, "advisor", "assistant", full.String(), resp.TokensUsed)

	result := map[string]interface{}{"session_id": sessionID}
	if pf, err := s.store.Portfolios.GetPrimaryPortfolio(req.UserID); err == nil {
		if metrics, merr := s.analytics.PortfolioMetrics(pf.ID); merr == nil {
			result["risk_score"] = int(metrics.TopHoldingWeight * 100)
			result["diversification_score"] = int((1 - metrics.ConcentrationHHI) * 100)
			result["tech_allocation"] = metrics.SectorAllocations["Technology"]
		}
	}
	return emit(Chunk{Type: "final", Result: result})
}

// context builds the portfolio summary and client profile strings for
// prompts. Failures degrade to empty context.
func (s *Supervisor) context(userID string) (summary, profile string) {
	if pf, err := s.store.Portfolios.GetPrimaryPortfolio(userID); err == nil {
		if metrics, merr := s.analytics.PortfolioMetrics(pf.ID); merr == nil {
			summary = s.analytics.Describe(metrics)
		}
	}
	if user, err := s.store.Users.GetUser(userID); err == nil {
		profile = fmt.Sprintf("Risk tolerance: %s. Objective: %s.", user.RiskTolerance, user.Objective)
	}
	return summary, profile
}

// respond streams one complete message as a single content chunk and
// logs it.
func (s *Supervisor) respond(sessionID, agent, message string, emit ChunkWriter) error {
	s.sessions.LogMessage(sessionID, agent, "assistant", message, 0)
	return emit(Chunk{Type: "content", Content: message})
}

// formatVerdict renders a compliance verdict as Markdown for the chat.
func formatVerdict(verdict *compliance.TradeVerdict, tx *domain.Transaction) string {
	var b strings.Builder
	if verdict.Approved {
		b.WriteString(fmt.Sprintf("**Compliance review: approved** (score %d/100).\n", verdict.Score))
		b.WriteString(fmt.Sprintf("The %s order for %s %s is pending — reply \"approve\" to execute.", tx.Type, tx.Quantity, tx.Symbol))
	} else {
		b.WriteString(fmt.Sprintf("**Compliance review: rejected** (score %d/100).\n", verdict.Score))
		for _, v := range verdict.Violations {
			b.WriteString(fmt.Sprintf("- [%s/%s] %s\n", v.RuleID, v.Severity, v.Message))
		}
		if verdict.RecommendedWaitDate != nil {
			b.WriteString(fmt.Sprintf("Recommended wait date: %s.\n", verdict.RecommendedWaitDate.Format("2006-01-02")))
		}
	}
	for _, w := range verdict.Warnings {
		b.WriteString(fmt.Sprintf("- Warning: %s\n", w))
	}
	for _, r := range verdict.Recommendations {
		b.WriteString(fmt.Sprintf("- Note: %s\n", r))
	}
	return strings.TrimRight(b.String(), "\n")
}

// fail emits an error chunk with a user-safe message.
func (s *Supervisor) fail(emit ChunkWriter, cause error, message string) error {
	s.log.Error().Err(cause).Msg("turn failed")
	return emit(Chunk{Type: "error", Error: "internal_error", Message: message})
}

// failPartial logs whatever was streamed before the failure, then emits
// the error chunk.
func (s *Supervisor) failPartial(sessionID, partial string, emit ChunkWriter, cause error, message string) error {
	if partial != "" {
		s.sessions.LogMessage(sessionID, "supervisor", "assistant", partial, 0)
	}
	return s.fail(emit, cause, message)
}
