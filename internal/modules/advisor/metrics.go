// Package advisor computes portfolio analytics: allocation breakdowns,
// concentration, realized volatility from cached price history, and
// simple trend signals. The agent layer renders these into advice; the
// analytics endpoint serves them raw.
package advisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/meridianhq/advisor/internal/clientdata"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
)

const (
	smaPeriod     = 20
	historyWindow = 60 * 24 * time.Hour
)

// Holding is one position with its computed weight.
type Holding struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
	Weight      float64         `json:"weight"`
	Sector      string          `json:"sector"`
	AssetType   string          `json:"asset_type"`
	GainPct     float64         `json:"gain_pct"`
}

// Trend is a moving-average signal for one symbol.
type Trend struct {
	Symbol    string  `json:"symbol"`
	SMA       float64 `json:"sma"`
	LastPrice float64 `json:"last_price"`
	AboveSMA  bool    `json:"above_sma"`
}

// Metrics is the full analytics view of a portfolio.
type Metrics struct {
	PortfolioID       string             `json:"portfolio_id"`
	TotalValue        decimal.Decimal    `json:"total_value"`
	CashBalance       decimal.Decimal    `json:"cash_balance"`
	CashWeight        float64            `json:"cash_weight"`
	PositionCount     int                `json:"position_count"`
	Holdings          []Holding          `json:"holdings"`
	SectorAllocations map[string]float64 `json:"sector_allocations"`
	// Herfindahl index over position weights: 1.0 is a single holding,
	// 1/n is perfectly even.
	ConcentrationHHI float64            `json:"concentration_hhi"`
	TopHoldingWeight float64            `json:"top_holding_weight"`
	DailyVolatility  map[string]float64 `json:"daily_volatility,omitempty"`
	Trends           []Trend            `json:"trends,omitempty"`
	ComputedAt       time.Time          `json:"computed_at"`
}

// Service computes metrics from the portfolio store and the price cache.
type Service struct {
	store *portfolio.Store
	cache *clientdata.Cache
	log   zerolog.Logger
}

// NewService wires the analytics service. cache may be nil; volatility
// and trends are skipped without history.
func NewService(store *portfolio.Store, cache *clientdata.Cache, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		cache: cache,
		log:   log.With().Str("service", "advisor").Logger(),
	}
}

// PortfolioMetrics computes the analytics view for one portfolio.
func (s *Service) PortfolioMetrics(portfolioID string) (*Metrics, error) {
	pf, err := s.store.Portfolios.GetPortfolio(portfolioID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.PositionsOf(portfolioID)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{
		PortfolioID:       pf.ID,
		TotalValue:        pf.TotalValue,
		CashBalance:       pf.CashBalance,
		PositionCount:     len(positions),
		SectorAllocations: map[string]float64{},
		ComputedAt:        time.Now().UTC(),
	}
	if pf.TotalValue.IsPositive() {
		metrics.CashWeight, _ = pf.CashBalance.Div(pf.TotalValue).Float64()
	}

	weights := make([]float64, 0, len(positions))
	for _, pos := range positions {
		weight := 0.0
		if pf.TotalValue.IsPositive() {
			weight, _ = pos.MarketValue.Div(pf.TotalValue).Float64()
		}
		weights = append(weights, weight)

		gain := 0.0
		if pos.AverageCost.IsPositive() {
			gain, _ = pos.CurrentPrice.Sub(pos.AverageCost).Div(pos.AverageCost).Float64()
		}
		metrics.Holdings = append(metrics.Holdings, Holding{
			Symbol:      pos.Symbol,
			Quantity:    pos.Quantity,
			MarketValue: pos.MarketValue,
			Weight:      weight,
			Sector:      pos.Sector,
			AssetType:   pos.AssetType,
			GainPct:     gain,
		})

		sector := pos.Sector
		if sector == "" {
			sector = "Unclassified"
		}
		metrics.SectorAllocations[sector] += weight
		if weight > metrics.TopHoldingWeight {
			metrics.TopHoldingWeight = weight
		}
	}
	metrics.ConcentrationHHI = herfindahl(weights)

	sort.Slice(metrics.Holdings, func(i, j int) bool {
		return metrics.Holdings[i].MarketValue.GreaterThan(metrics.Holdings[j].MarketValue)
	})

	if s.cache != nil {
		s.addHistoryMetrics(metrics, positions)
	}
	return metrics, nil
}

// herfindahl sums squared weights. Cash is excluded, so the index
// reflects only invested capital.
func herfindahl(weights []float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	hhi := 0.0
	for _, w := range weights {
		normalized := w / total
		hhi += normalized * normalized
	}
	return hhi
}

// addHistoryMetrics computes per-symbol daily-return volatility and SMA
// trends from cached price history. Symbols with thin history are
// skipped silently.
func (s *Service) addHistoryMetrics(metrics *Metrics, positions []domain.Position) {
	since := time.Now().Add(-historyWindow)
	volatility := map[string]float64{}

	for _, pos := range positions {
		history, err := s.cache.History(pos.Symbol, since)
		if err != nil || len(history) < 2 {
			continue
		}
		closes := make([]float64, len(history))
		for i, q := range history {
			closes[i], _ = q.Price.Float64()
		}

		returns := make([]float64, 0, len(closes)-1)
		for i := 1; i < len(closes); i++ {
			if closes[i-1] != 0 {
				returns = append(returns, closes[i]/closes[i-1]-1)
			}
		}
		if len(returns) >= 2 {
			volatility[pos.Symbol] = stat.StdDev(returns, nil)
		}

		if len(closes) >= smaPeriod {
			sma := talib.Sma(closes, smaPeriod)
			last := sma[len(sma)-1]
			lastPrice := closes[len(closes)-1]
			metrics.Trends = append(metrics.Trends, Trend{
				Symbol:    pos.Symbol,
				SMA:       last,
				LastPrice: lastPrice,
				AboveSMA:  lastPrice > last,
			})
		}
	}
	if len(volatility) > 0 {
		metrics.DailyVolatility = volatility
	}
}

// Describe renders a compact text summary for the agent prompt context.
func (s *Service) Describe(metrics *Metrics) string {
	out := fmt.Sprintf("Portfolio value $%s with $%s cash (%.0f%% cash), %d positions, concentration HHI %.2f.",
		metrics.TotalValue.StringFixed(2), metrics.CashBalance.StringFixed(2),
		metrics.CashWeight*100, metrics.PositionCount, metrics.ConcentrationHHI)
	for _, h := range metrics.Holdings {
		out += fmt.Sprintf("\n- %s: %s shares, $%s (%.1f%%), sector %s, gain %.1f%%",
			h.Symbol, h.Quantity, h.MarketValue.StringFixed(2), h.Weight*100, h.Sector, h.GainPct*100)
	}
	return out
}
