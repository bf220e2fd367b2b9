// Package execution owns the trade lifecycle: compliance-gated intake,
// broker submission with bounded status polling, and the atomic
// application of fills to the portfolio.
package execution

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/compliance"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/events"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
)

const (
	// Bounded polling after order submission. Orders still working after
	// the last poll stay pending and are resolved by the synchronizer.
	pollAttempts = 10
	pollInterval = 250 * time.Millisecond
)

// ComplianceChecker is the evaluator surface the service needs.
type ComplianceChecker interface {
	CheckTrade(ctx context.Context, input compliance.TradeInput) *compliance.TradeVerdict
}

// TradeIntent is a validated trade request from the agent layer or the
// API. Symbol may be free text; it is resolved before evaluation.
type TradeIntent struct {
	UserID     string
	Symbol     string
	Type       domain.TransactionType
	Quantity   decimal.Decimal
	OrderType  domain.OrderType
	LimitPrice *decimal.Decimal
	Notes      string

	// RecommendationID links the compliance check back to the advised
	// trade when the intent came through the agent layer.
	RecommendationID string
}

// Service drives trades from intent to settled portfolio state.
type Service struct {
	store   *portfolio.Store
	broker  domain.BrokerClient
	checker ComplianceChecker
	bus     *events.Bus
	log     zerolog.Logger
}

// NewService wires the execution service. bus may be nil.
func NewService(store *portfolio.Store, broker domain.BrokerClient, checker ComplianceChecker, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		broker:  broker,
		checker: checker,
		bus:     bus,
		log:     log.With().Str("service", "execution").Logger(),
	}
}

// CreatePendingTrade resolves the symbol, runs the compliance check and
// persists the transaction. A blocked verdict persists a rejected row so
// the refusal is part of the permanent record; the verdict is returned
// either way.
func (s *Service) CreatePendingTrade(ctx context.Context, intent TradeIntent) (*domain.Transaction, *compliance.TradeVerdict, error) {
	if intent.Type != domain.TransactionBuy && intent.Type != domain.TransactionSell {
		return nil, nil, fmt.Errorf("%w: unknown trade type %q", domain.ErrInvalidOrder, intent.Type)
	}
	if !intent.Quantity.IsPositive() {
		return nil, nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}

	symbol, err := s.broker.ResolveSymbol(ctx, intent.Symbol)
	if err != nil || symbol == "" {
		symbol = intent.Symbol
	}

	user, err := s.store.Users.GetUser(intent.UserID)
	if err != nil {
		return nil, nil, err
	}
	pf, err := s.store.Portfolios.GetPrimaryPortfolio(intent.UserID)
	if err != nil {
		return nil, nil, err
	}

	position, posErr := s.store.Positions.GetPositionBySymbol(pf.ID, symbol)
	if intent.Type == domain.TransactionSell {
		if posErr != nil {
			return nil, nil, fmt.Errorf("%w: no %s position to sell", domain.ErrInvalidOrder, symbol)
		}
		if position.Quantity.LessThan(intent.Quantity) {
			return nil, nil, fmt.Errorf("%w: holding %s shares of %s, cannot sell %s",
				domain.ErrInvalidOrder, position.Quantity, symbol, intent.Quantity)
		}
	}

	var price *decimal.Decimal
	if intent.LimitPrice != nil {
		price = intent.LimitPrice
	} else if quote, err := s.broker.GetPrice(ctx, symbol); err == nil {
		p := quote.Price
		price = &p
	}

	assetType := "stock"
	if posErr == nil && position.AssetType != "" {
		assetType = position.AssetType
	}

	verdict := s.checker.CheckTrade(ctx, compliance.TradeInput{
		TradeType:      intent.Type,
		Symbol:         symbol,
		Quantity:       intent.Quantity,
		Price:          price,
		PortfolioValue: pf.TotalValue,
		ClientType:     "individual",
		AccountType:    pf.Type,
		RiskTolerance:  user.RiskTolerance,
		AssetRisk:      compliance.AssetRisk(assetType),

		UserID:           user.ID,
		PortfolioID:      pf.ID,
		RecommendationID: intent.RecommendationID,
	})

	tx := &domain.Transaction{
		UserID:      user.ID,
		PortfolioID: &pf.ID,
		Symbol:      symbol,
		Type:        intent.Type,
		Quantity:    intent.Quantity,
		OrderType:   intent.OrderType,
		Notes:       intent.Notes,
	}
	if price != nil {
		tx.TotalAmount = intent.Quantity.Mul(*price)
	}
	if intent.OrderType == domain.OrderLimit || intent.OrderType == domain.OrderStopLimit {
		// Limit price rides in the price column until the fill replaces
		// it with the actual execution price.
		tx.Price = intent.LimitPrice
	}

	if !verdict.Approved {
		tx.Status = domain.StatusRejected
		tx.Notes = joinNotes(tx.Notes, "compliance: "+strings.Join(verdict.ViolationMessages(), "; "))
		if _, err := s.store.Transactions.CreateTransaction(tx); err != nil {
			return nil, verdict, err
		}
		s.emitRejected(tx, verdict)
		return tx, verdict, nil
	}

	tx.Status = domain.StatusPending
	if _, err := s.store.Transactions.CreateTransaction(tx); err != nil {
		return nil, verdict, err
	}
	s.log.Info().
		Str("transaction_id", tx.ID).
		Str("symbol", symbol).
		Str("type", string(intent.Type)).
		Int("score", verdict.Score).
		Msg("trade approved and pending")
	return tx, verdict, nil
}

// Execute submits a pending transaction to the broker and polls for the
// outcome. A still-working order keeps the row pending with its broker
// reference; the synchronizer settles it later.
func (s *Service) Execute(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.store.Transactions.GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPending {
		return tx, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidStateTransition, tx.Status)
	}

	req := domain.OrderRequest{
		Symbol:    tx.Symbol,
		Side:      domain.SideFromTransactionType(tx.Type),
		Quantity:  tx.Quantity,
		OrderType: tx.OrderType,
	}
	if tx.OrderType == domain.OrderLimit && tx.Price != nil {
		req.LimitPrice = tx.Price
	}

	order, err := s.broker.PlaceOrder(ctx, req)
	if err != nil {
		s.markFailed(tx, fmt.Sprintf("broker rejected submission: %v", err))
		return tx, fmt.Errorf("failed to place order: %w", err)
	}

	if err := s.store.Transactions.UpdateTransaction(tx.ID, map[string]interface{}{
		"broker_ref": order.OrderID,
	}); err != nil {
		s.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to record broker ref")
	}
	tx.BrokerRef = &order.OrderID

	// The mock broker fills synchronously; its response is authoritative
	// and needs no polling.
	if order.Status.IsTerminal() {
		return s.settle(tx, order)
	}

	for i := 0; i < pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case <-time.After(pollInterval):
		}
		polled, err := s.broker.GetOrderStatus(ctx, order.OrderID)
		if err != nil {
			s.log.Warn().Err(err).Str("order_id", order.OrderID).Msg("order status poll failed")
			continue
		}
		if polled.Status.IsTerminal() {
			return s.settle(tx, polled)
		}
	}

	s.log.Info().
		Str("transaction_id", tx.ID).
		Str("order_id", order.OrderID).
		Msg("order still working after polling; left pending for sync")
	return s.store.Transactions.GetTransaction(tx.ID)
}

// settle applies a terminal broker order to the transaction row.
func (s *Service) settle(tx *domain.Transaction, order *domain.BrokerOrder) (*domain.Transaction, error) {
	switch order.Status {
	case domain.BrokerOrderFilled:
		if err := s.ApplyFill(tx, order); err != nil {
			return tx, err
		}
	case domain.BrokerOrderRejected:
		if err := s.store.Transactions.UpdateTransaction(tx.ID, map[string]interface{}{
			"status": domain.StatusRejected,
			"notes":  joinNotes(tx.Notes, "rejected by broker"),
		}); err != nil {
			return tx, err
		}
		s.emitRejected(tx, nil)
	case domain.BrokerOrderCanceled:
		if err := s.store.Transactions.UpdateTransaction(tx.ID, map[string]interface{}{
			"status": domain.StatusCancelled,
			"notes":  joinNotes(tx.Notes, "canceled at broker"),
		}); err != nil {
			return tx, err
		}
	}
	return s.store.Transactions.GetTransaction(tx.ID)
}

// ResolvePending settles any of the user's pending transactions whose
// broker order has since reached a terminal state. Returns how many
// fills were applied; individual failures are logged and skipped so one
// stuck order cannot block the rest.
func (s *Service) ResolvePending(ctx context.Context, userID string) (int, error) {
	pending, err := s.store.Transactions.GetPendingWithBrokerRef(userID)
	if err != nil {
		return 0, err
	}

	filled := 0
	for i := range pending {
		if ctx.Err() != nil {
			return filled, ctx.Err()
		}
		tx := &pending[i]
		order, err := s.broker.GetOrderStatus(ctx, *tx.BrokerRef)
		if err != nil {
			s.log.Warn().Err(err).
				Str("transaction_id", tx.ID).
				Str("broker_ref", *tx.BrokerRef).
				Msg("order status lookup failed; leaving pending")
			continue
		}
		if !order.Status.IsTerminal() {
			continue
		}
		settled, err := s.settle(tx, order)
		if err != nil {
			s.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to settle resolved order")
			continue
		}
		if settled.Status == domain.StatusExecuted {
			filled++
		}
	}
	return filled, nil
}

// ApplyFill lands a filled order in one database transaction: the
// transaction row turns executed, the position is blended or reduced,
// cash moves, and the portfolio total is recomputed from its parts.
func (s *Service) ApplyFill(tx *domain.Transaction, order *domain.BrokerOrder) error {
	if tx.PortfolioID == nil {
		return fmt.Errorf("%w: transaction has no portfolio", domain.ErrStore)
	}
	fillPrice := order.FilledAvgPrice
	fillQty := order.FilledQty
	if fillQty.IsZero() {
		fillQty = tx.Quantity
	}
	if !fillPrice.IsPositive() {
		return fmt.Errorf("%w: fill without a price", domain.ErrStore)
	}
	total := fillQty.Mul(fillPrice)

	pf, err := s.store.Portfolios.GetPortfolio(*tx.PortfolioID)
	if err != nil {
		return err
	}
	position, posErr := s.store.Positions.GetPositionBySymbol(pf.ID, tx.Symbol)

	var costBasis *decimal.Decimal
	newPosition := domain.Position{
		PortfolioID:  pf.ID,
		Symbol:       tx.Symbol,
		CurrentPrice: fillPrice,
	}
	newCash := pf.CashBalance

	switch tx.Type {
	case domain.TransactionBuy:
		oldQty := decimal.Zero
		oldCost := decimal.Zero
		if posErr == nil {
			newPosition = *position
			oldQty = position.Quantity
			oldCost = position.AverageCost
		}
		newQty := oldQty.Add(fillQty)
		// Weighted-average cost blend.
		newPosition.Quantity = newQty
		newPosition.AverageCost = oldQty.Mul(oldCost).Add(total).Div(newQty)
		newPosition.CurrentPrice = fillPrice
		newPosition.MarketValue = newQty.Mul(fillPrice)
		newCash = pf.CashBalance.Sub(total)

	case domain.TransactionSell:
		if posErr != nil {
			return fmt.Errorf("%w: no %s position to reduce", domain.ErrStore, tx.Symbol)
		}
		basis := position.AverageCost
		costBasis = &basis
		newPosition = *position
		newPosition.Quantity = position.Quantity.Sub(fillQty)
		newPosition.CurrentPrice = fillPrice
		newPosition.MarketValue = newPosition.Quantity.Mul(fillPrice)
		newCash = pf.CashBalance.Add(total)

	default:
		return fmt.Errorf("%w: unknown trade type %q", domain.ErrStore, tx.Type)
	}

	executedAt := time.Now().UTC()
	if order.FilledAt != nil {
		executedAt = order.FilledAt.UTC()
	}

	err = database.WithTransaction(s.store.DB().Conn(), func(dbTx *sql.Tx) error {
		fields := map[string]interface{}{
			"status":         domain.StatusExecuted,
			"price":          fillPrice,
			"quantity":       fillQty,
			"total_amount":   total,
			"execution_date": executedAt.Format(time.RFC3339),
		}
		if costBasis != nil {
			fields["cost_basis"] = *costBasis
		}
		if err := s.store.Transactions.UpdateTransactionTx(dbTx, tx.ID, fields); err != nil {
			return err
		}
		if err := s.store.Positions.UpsertPositionTx(dbTx, &newPosition); err != nil {
			return err
		}
		positionsTotal, err := s.store.Positions.SumMarketValueTx(dbTx, pf.ID)
		if err != nil {
			return err
		}
		return s.store.Portfolios.UpdatePortfolioTx(dbTx, pf.ID, map[string]interface{}{
			"cash_balance": newCash,
			"total_value":  newCash.Add(positionsTotal),
		})
	})
	if err != nil {
		return err
	}

	s.store.CreateAuditEntry(tx.UserID, "transaction", tx.ID, "trade_executed", nil, map[string]interface{}{
		"symbol":     tx.Symbol,
		"type":       string(tx.Type),
		"quantity":   fillQty.String(),
		"fill_price": fillPrice.String(),
	})
	if s.bus != nil {
		s.bus.Emit(events.TradeExecuted, "execution", &events.TradeExecutedData{
			TransactionID: tx.ID,
			UserID:        tx.UserID,
			Symbol:        tx.Symbol,
			Side:          string(tx.Type),
			Quantity:      fillQty.String(),
			FillPrice:     fillPrice.String(),
			BrokerRef:     order.OrderID,
		})
	}
	s.log.Info().
		Str("transaction_id", tx.ID).
		Str("symbol", tx.Symbol).
		Str("fill_price", fillPrice.String()).
		Msg("fill applied")
	return nil
}

// CancelPending cancels a pending transaction. Terminal rows surface
// ErrInvalidStateTransition through the repository guard.
func (s *Service) CancelPending(txID, reason string) error {
	fields := map[string]interface{}{"status": domain.StatusCancelled}
	if reason != "" {
		fields["notes"] = reason
	}
	return s.store.Transactions.UpdateTransaction(txID, fields)
}

// ApproveWorkflow executes the user's most recent pending trade, the
// "approve" fast-path from chat.
func (s *Service) ApproveWorkflow(ctx context.Context, userID string) (*domain.Transaction, error) {
	pending, err := s.store.Transactions.GetPendingTransactions(userID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, domain.ErrNoPendingTrade
	}
	return s.Execute(ctx, pending[0].ID)
}

// markFailed moves the row to failed and mirrors the change on the
// in-memory transaction, so callers that return tx report the real
// terminal state.
func (s *Service) markFailed(tx *domain.Transaction, reason string) {
	tx.Status = domain.StatusFailed
	tx.Notes = joinNotes(tx.Notes, reason)
	if err := s.store.Transactions.UpdateTransaction(tx.ID, map[string]interface{}{
		"status": domain.StatusFailed,
		"notes":  tx.Notes,
	}); err != nil {
		s.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to mark transaction failed")
	}
}

func (s *Service) emitRejected(tx *domain.Transaction, verdict *compliance.TradeVerdict) {
	if s.bus == nil {
		return
	}
	data := &events.TradeRejectedData{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Symbol:        tx.Symbol,
	}
	if verdict != nil {
		data.Reasons = verdict.ViolationMessages()
		data.Score = verdict.Score
	}
	s.bus.Emit(events.TradeRejected, "execution", data)
}

func joinNotes(existing, added string) string {
	if existing == "" {
		return added
	}
	if added == "" {
		return existing
	}
	return existing + "; " + added
}
