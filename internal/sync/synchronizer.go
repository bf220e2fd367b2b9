// Package sync reconciles local portfolios against the broker. A pass
// settles pending orders, refreshes positions and balances from the
// account snapshot, and records the result in the audit trail. The
// cadence follows the US market phase: every few minutes while the
// market trades, relaxed outside hours.
package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/clientdata"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/events"
	"github.com/meridianhq/advisor/internal/modules/execution"
	"github.com/meridianhq/advisor/internal/modules/market_hours"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
)

// staleAfter is how long a portfolio may go without a refresh before a
// pass picks it up even with no pending orders.
const staleAfter = time.Hour

const quoteSource = "alpaca_sync"

// PassReport summarizes one synchronization pass.
type PassReport struct {
	Phase    market_hours.Phase
	Synced   int
	Failed   int
	Skipped  bool
	Duration time.Duration
}

// Synchronizer runs market-aware reconciliation passes.
type Synchronizer struct {
	store    *portfolio.Store
	broker   domain.BrokerClient
	executor *execution.Service
	cache    *clientdata.Cache
	hours    *market_hours.Service
	bus      *events.Bus
	log      zerolog.Logger

	inFlight atomic.Bool
}

// New wires the synchronizer. cache and bus may be nil.
func New(
	store *portfolio.Store,
	broker domain.BrokerClient,
	executor *execution.Service,
	cache *clientdata.Cache,
	hours *market_hours.Service,
	bus *events.Bus,
	log zerolog.Logger,
) *Synchronizer {
	return &Synchronizer{
		store:    store,
		broker:   broker,
		executor: executor,
		cache:    cache,
		hours:    hours,
		bus:      bus,
		log:      log.With().Str("component", "synchronizer").Logger(),
	}
}

// Run loops until the context is cancelled, sleeping the phase-derived
// interval between passes. The in-flight pass finishes before Run
// returns.
func (s *Synchronizer) Run(ctx context.Context) {
	s.log.Info().Msg("synchronizer started")
	for {
		interval := s.hours.NextInterval()
		select {
		case <-ctx.Done():
			s.log.Info().Msg("synchronizer stopped")
			return
		case <-time.After(interval):
		}
		report := s.RunPass(ctx)
		if report.Skipped {
			continue
		}
		s.log.Info().
			Str("phase", string(report.Phase)).
			Int("synced", report.Synced).
			Int("failed", report.Failed).
			Dur("duration", report.Duration).
			Msg("sync pass completed")
	}
}

// candidate is one portfolio a pass must look at.
type candidate struct {
	userID string
	pf     *domain.Portfolio
	stale  bool
}

// RunPass executes one synchronization pass. Passes are single-flight:
// a pass that starts while another is running returns immediately with
// Skipped set.
func (s *Synchronizer) RunPass(ctx context.Context) PassReport {
	report := PassReport{Phase: s.hours.CurrentPhase()}
	if !s.inFlight.CompareAndSwap(false, true) {
		report.Skipped = true
		s.log.Debug().Msg("sync pass already in flight; skipping")
		return report
	}
	defer s.inFlight.Store(false)
	start := time.Now()

	for _, c := range s.candidates() {
		if ctx.Err() != nil {
			break
		}
		if err := s.syncPortfolio(ctx, c); err != nil {
			report.Failed++
			s.log.Warn().Err(err).
				Str("user_id", c.userID).
				Str("portfolio_id", c.pf.ID).
				Msg("portfolio sync failed")
			continue
		}
		report.Synced++
	}

	report.Duration = time.Since(start)
	if s.bus != nil {
		s.bus.Emit(events.SyncCompleted, "sync", &events.SyncCompletedData{
			Portfolios: report.Synced,
			Failed:     report.Failed,
			DurationMS: report.Duration.Milliseconds(),
			Phase:      string(report.Phase),
		})
	}
	return report
}

// candidates gathers portfolios with pending orders plus portfolios
// whose last refresh is older than staleAfter, deduplicated.
func (s *Synchronizer) candidates() []candidate {
	seen := map[string]int{}
	var out []candidate

	userIDs, err := s.store.Transactions.UsersWithPending()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list users with pending orders")
	}
	for _, userID := range userIDs {
		pf, err := s.store.Portfolios.GetPrimaryPortfolio(userID)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("pending user has no portfolio")
			continue
		}
		seen[pf.ID] = len(out)
		out = append(out, candidate{userID: userID, pf: pf})
	}

	stale, err := s.store.Portfolios.GetStalePortfolios(time.Now().UTC().Add(-staleAfter))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list stale portfolios")
	}
	for i := range stale {
		pf := &stale[i]
		if idx, ok := seen[pf.ID]; ok {
			out[idx].stale = true
			continue
		}
		out = append(out, candidate{userID: pf.UserID, pf: pf, stale: true})
	}
	return out
}

// syncPortfolio settles the user's pending orders, then reconciles the
// portfolio against the broker account when anything filled or the
// portfolio is stale.
func (s *Synchronizer) syncPortfolio(ctx context.Context, c candidate) error {
	filled, err := s.executor.ResolvePending(ctx, c.userID)
	if err != nil {
		return err
	}
	if filled == 0 && !c.stale {
		return nil
	}
	return s.reconcile(ctx, c.userID, c.pf)
}

// reconcile replaces local positions and balances with the broker's
// account snapshot.
func (s *Synchronizer) reconcile(ctx context.Context, userID string, pf *domain.Portfolio) error {
	account, err := s.broker.AccountSnapshot(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, bp := range account.Positions {
		pos := &domain.Position{
			PortfolioID:  pf.ID,
			Symbol:       bp.Symbol,
			Quantity:     bp.Quantity,
			AverageCost:  bp.AvgEntryPrice,
			CurrentPrice: bp.CurrentPrice,
			MarketValue:  bp.MarketValue,
			Sector:       bp.Sector,
			AssetType:    bp.AssetType,
		}
		if err := s.store.Positions.UpsertPosition(pos); err != nil {
			return err
		}
		if s.cache != nil && bp.CurrentPrice.IsPositive() {
			if err := s.cache.Put(domain.Quote{
				Symbol: bp.Symbol,
				Price:  bp.CurrentPrice,
				AsOf:   now,
			}, quoteSource); err != nil {
				s.log.Warn().Err(err).Str("symbol", bp.Symbol).Msg("failed to cache synced price")
			}
		}
	}

	if err := s.store.Portfolios.UpdatePortfolio(pf.ID, map[string]interface{}{
		"total_value":  account.PortfolioValue,
		"cash_balance": account.Cash,
	}); err != nil {
		return err
	}

	s.store.CreateAuditEntry(userID, "portfolio", pf.ID, "alpaca_sync", nil, map[string]interface{}{
		"total_value":  account.PortfolioValue.String(),
		"cash_balance": account.Cash.String(),
		"positions":    len(account.Positions),
	})
	s.log.Debug().
		Str("portfolio_id", pf.ID).
		Int("positions", len(account.Positions)).
		Msg("portfolio reconciled from broker")
	return nil
}
