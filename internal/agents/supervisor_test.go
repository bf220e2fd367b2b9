package agents

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/clients/alpaca"
	"github.com/meridianhq/advisor/internal/clients/llm"
	"github.com/meridianhq/advisor/internal/compliance"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/modules/advisor"
	"github.com/meridianhq/advisor/internal/modules/execution"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
	"github.com/meridianhq/advisor/internal/modules/sessions"
)

func decimalFromInt(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubExecutor struct {
	pendingTx  *domain.Transaction
	verdict    *compliance.TradeVerdict
	approveTx  *domain.Transaction
	approveErr error
	intents    []execution.TradeIntent
	approvals  int
}

func (s *stubExecutor) CreatePendingTrade(_ context.Context, intent execution.TradeIntent) (*domain.Transaction, *compliance.TradeVerdict, error) {
	s.intents = append(s.intents, intent)
	return s.pendingTx, s.verdict, nil
}

func (s *stubExecutor) ApproveWorkflow(_ context.Context, _ string) (*domain.Transaction, error) {
	s.approvals++
	return s.approveTx, s.approveErr
}

type supFixture struct {
	sup      *Supervisor
	store    *portfolio.Store
	sessions *sessions.Service
	executor *stubExecutor
	provider *llm.MockProvider
	userID   string
	pfID     string
}

func newSupFixture(t *testing.T, scripted ...string) *supFixture {
	t.Helper()
	coreDB, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s_core?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	require.NoError(t, err)
	require.NoError(t, coreDB.Migrate())
	t.Cleanup(func() { _ = coreDB.Close() })

	agentsDB, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s_agents?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileStandard,
		Name:    "agents",
	})
	require.NoError(t, err)
	require.NoError(t, agentsDB.Migrate())
	t.Cleanup(func() { _ = agentsDB.Close() })

	store := portfolio.NewStore(coreDB, nil, zerolog.Nop())
	user := &domain.User{Email: "s@example.com", RiskTolerance: domain.RiskModerate}
	_, err = store.Users.CreateUser(user)
	require.NoError(t, err)
	pf := &domain.Portfolio{
		UserID: user.ID, IsPrimary: true, Type: "taxable",
		TotalValue: dec("100000"), CashBalance: dec("55000"),
	}
	_, err = store.Portfolios.CreatePortfolio(pf)
	require.NoError(t, err)

	sessionSvc := sessions.NewService(sessions.NewRepository(agentsDB, zerolog.Nop()), nil, zerolog.Nop())
	provider := llm.NewMockProvider(scripted...)
	executor := &stubExecutor{}
	analytics := advisor.NewService(store, nil, zerolog.Nop())
	broker := alpaca.NewMockClient(zerolog.Nop())

	sup := NewSupervisor(
		provider,
		NewRouter(provider, zerolog.Nop()),
		NewExtractor(provider, zerolog.Nop()),
		executor,
		store,
		sessionSvc,
		analytics,
		broker,
		zerolog.Nop(),
	)
	return &supFixture{
		sup: sup, store: store, sessions: sessionSvc,
		executor: executor, provider: provider,
		userID: user.ID, pfID: pf.ID,
	}
}

func collect(t *testing.T, f *supFixture, message string) (string, []Chunk) {
	t.Helper()
	var chunks []Chunk
	sessionID, err := f.sup.Process(context.Background(), Request{
		UserID:  f.userID,
		Message: message,
	}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	return sessionID, chunks
}

func finalChunk(t *testing.T, chunks []Chunk) Chunk {
	t.Helper()
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	require.Equal(t, "final", last.Type)
	return last
}

func TestApprovalFastPathNoPending(t *testing.T) {
	f := newSupFixture(t)
	f.executor.approveErr = domain.ErrNoPendingTrade

	_, chunks := collect(t, f, "approve")
	assert.Equal(t, 1, f.executor.approvals)

	final := finalChunk(t, chunks)
	assert.Equal(t, "no_pending_trade", final.Result["status"])
	// The router was never consulted: no LLM calls at all.
	assert.Empty(t, f.provider.Requests)
}

func TestApprovalFastPathExecutes(t *testing.T) {
	f := newSupFixture(t)
	price := dec("875.10")
	f.executor.approveTx = &domain.Transaction{
		ID: "tx-1", Symbol: "NVDA", Type: domain.TransactionBuy,
		Quantity: dec("4"), Status: domain.StatusExecuted, Price: &price,
	}

	_, chunks := collect(t, f, "approve the trade")
	final := finalChunk(t, chunks)
	assert.Equal(t, "executed", final.Result["status"])
	assert.Equal(t, "tx-1", final.Result["transaction_id"])

	// The narrative mentions the fill.
	assert.Contains(t, chunks[0].Content, "NVDA")
	assert.Contains(t, chunks[0].Content, "875.10")
}

func TestApprovalBrokerFailureReportsFailed(t *testing.T) {
	f := newSupFixture(t)
	f.executor.approveTx = &domain.Transaction{
		ID: "tx-3", Symbol: "TSLA", Type: domain.TransactionBuy,
		Quantity: dec("2"), Status: domain.StatusFailed,
		Notes: "broker rejected submission: insufficient buying power",
	}
	f.executor.approveErr = fmt.Errorf("failed to place order: insufficient buying power")

	_, chunks := collect(t, f, "approve")
	final := finalChunk(t, chunks)
	assert.Equal(t, "failed", final.Result["status"])

	// The narrative must not claim the order is still working.
	assert.Contains(t, chunks[0].Content, "could not be completed")
	assert.Contains(t, chunks[0].Content, "failed")
	assert.NotContains(t, chunks[0].Content, "still working")
}

func TestAnalysisPathStreamsAndScores(t *testing.T) {
	f := newSupFixture(t,
		`{"agent": "portfolio_analysis", "task": "review the portfolio"}`,
		"Your portfolio is heavily weighted toward technology.",
	)
	require.NoError(t, f.store.Positions.UpsertPosition(&domain.Position{
		PortfolioID: f.pfID, Symbol: "MSFT", Sector: "Technology",
		Quantity: dec("100"), AverageCost: dec("400"),
		CurrentPrice: dec("401.25"), MarketValue: dec("40125"),
	}))

	sessionID, chunks := collect(t, f, "how is my portfolio doing?")

	var content string
	for _, c := range chunks {
		if c.Type == "content" {
			content += c.Content
		}
	}
	assert.Contains(t, content, "technology")

	final := finalChunk(t, chunks)
	assert.Contains(t, final.Result, "risk_score")
	assert.Contains(t, final.Result, "diversification_score")
	assert.InDelta(t, 0.40125, final.Result["tech_allocation"].(float64), 1e-6)

	// User turn and assembled response both landed in the session log.
	history, err := f.sessions.History(sessionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestConcentrationPreGuardBlocksBuy(t *testing.T) {
	f := newSupFixture(t,
		`{"agent": "trade_execution", "task": "buy 100 AAPL"}`,
		"You are asking to buy a large block of Apple stock.",
		`{"symbol": "AAPL", "action": "buy", "quantity": 100, "sell_all": false, "order_type": "market"}`,
	)
	// Existing $45,000 AAPL position; 100 more at the $185.50 mock quote
	// lands well past half the $100,000 portfolio.
	require.NoError(t, f.store.Positions.UpsertPosition(&domain.Position{
		PortfolioID: f.pfID, Symbol: "AAPL", Sector: "Technology",
		Quantity: dec("242"), AverageCost: dec("180"),
		CurrentPrice: dec("185.50"), MarketValue: dec("45000"),
	}))

	_, chunks := collect(t, f, "buy 100 AAPL")

	final := finalChunk(t, chunks)
	assert.Equal(t, true, final.Result["blocked"])
	assert.Equal(t, "extreme_concentration", final.Result["reason"])

	// The trade never reached the execution service.
	assert.Empty(t, f.executor.intents)

	var content string
	for _, c := range chunks {
		if c.Type == "content" {
			content += c.Content
		}
	}
	assert.Contains(t, content, "concentration")
}

func TestSellAllPreGuardBlocks(t *testing.T) {
	f := newSupFixture(t,
		`{"agent": "trade_execution", "task": "sell all SPY"}`,
		"You want to liquidate your entire index position.",
		`{"symbol": "SPY", "action": "sell", "quantity": 0, "sell_all": true, "order_type": "market"}`,
	)
	require.NoError(t, f.store.Positions.UpsertPosition(&domain.Position{
		PortfolioID: f.pfID, Symbol: "SPY", Sector: "Index",
		Quantity: dec("30"), AverageCost: dec("500"),
		CurrentPrice: dec("512.30"), MarketValue: dec("15369"),
	}))

	_, chunks := collect(t, f, "sell all SPY")
	final := finalChunk(t, chunks)
	assert.Equal(t, true, final.Result["blocked"])
	assert.Empty(t, f.executor.intents)

	var content string
	for _, c := range chunks {
		if c.Type == "content" {
			content += c.Content
		}
	}
	assert.Contains(t, content, "entire SPY position")
}

func TestTradePathCreatesPendingTrade(t *testing.T) {
	f := newSupFixture(t,
		`{"agent": "trade_execution", "task": "buy 10 MSFT"}`,
		"Microsoft is a core large-cap holding.",
		`{"symbol": "microsoft", "action": "buy", "quantity": 10, "sell_all": false, "order_type": "market", "rationale": "diversify"}`,
	)
	f.executor.pendingTx = &domain.Transaction{
		ID: "tx-9", Symbol: "MSFT", Type: domain.TransactionBuy,
		Quantity: dec("10"), Status: domain.StatusPending,
	}
	f.executor.verdict = &compliance.TradeVerdict{Approved: true, Score: 95, Warnings: []string{"large order"}}

	_, chunks := collect(t, f, "buy 10 MSFT")

	require.Len(t, f.executor.intents, 1)
	assert.Equal(t, "MSFT", f.executor.intents[0].Symbol)
	assert.Equal(t, "diversify", f.executor.intents[0].Notes)

	// The advised trade was recorded and linked into the intent.
	recs, err := f.store.Recommendations.GetRecentRecommendations(f.userID, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, recs[0].ID, f.executor.intents[0].RecommendationID)
	assert.Equal(t, "MSFT", recs[0].Symbol)

	final := finalChunk(t, chunks)
	assert.Equal(t, true, final.Result["requires_user_approval"])
	assert.Equal(t, "tx-9", final.Result["transaction_id"])
	assert.Equal(t, 95, final.Result["compliance_score"])

	var content string
	for _, c := range chunks {
		if c.Type == "content" {
			content += c.Content
		}
	}
	assert.Contains(t, content, "approved")
	assert.Contains(t, content, "large order")
	assert.Contains(t, content, `reply "approve"`)
}

func TestRejectedVerdictStreamsViolations(t *testing.T) {
	f := newSupFixture(t,
		`{"agent": "trade_execution", "task": "buy 50 NVDA"}`,
		"Nvidia again, shortly after selling at a loss.",
		`{"symbol": "NVDA", "action": "buy", "quantity": 50, "sell_all": false, "order_type": "market"}`,
	)
	f.executor.pendingTx = &domain.Transaction{
		ID: "tx-2", Symbol: "NVDA", Type: domain.TransactionBuy,
		Quantity: dec("50"), Status: domain.StatusRejected,
	}
	f.executor.verdict = &compliance.TradeVerdict{
		Approved: false,
		Score:    70,
		Violations: []compliance.Violation{{
			RuleID: "TAX-001", Severity: "major",
			Message: "wash sale: repurchase within 30 days of a $5000.00 realized loss",
		}},
	}

	_, chunks := collect(t, f, "buy 50 NVDA")
	final := finalChunk(t, chunks)
	assert.Equal(t, false, final.Result["requires_user_approval"])

	var content string
	for _, c := range chunks {
		if c.Type == "content" {
			content += c.Content
		}
	}
	assert.Contains(t, content, "TAX-001")
	assert.Contains(t, content, "rejected")
}

func TestStreamErrorEmitsErrorChunk(t *testing.T) {
	f := newSupFixture(t,
		`{"agent": "portfolio_analysis", "task": "chat"}`,
	)
	// The second provider call (the stream) has nothing scripted and fails.
	var chunks []Chunk
	_, err := f.sup.Process(context.Background(), Request{
		UserID:  f.userID,
		Message: "tell me about my portfolio",
	}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)

	last := chunks[len(chunks)-1]
	assert.Equal(t, "error", last.Type)
	assert.NotEmpty(t, last.Message)
}
