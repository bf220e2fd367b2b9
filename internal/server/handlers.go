package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/modules/execution"
)

type ctxKey string

const ctxUserID ctxKey = "user_id"

// authMiddleware reads the bearer token and stashes it as the user id.
// Handlers decide whether a missing token is fatal: /chat and /execute
// also accept a user_id in the body.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			r = r.WithContext(context.WithValue(r.Context(), ctxUserID, token))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxUserID).(string); ok {
		return id
	}
	return ""
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// passwordDigest is deliberately simple: this surface is a demo auth
// contract, not production credential storage.
func passwordDigest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return fmt.Sprintf("%x", sum)
}

// handleHealth reports component status plus basic host metrics.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]string{}
	dbStatus := "ok"
	for name, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			dbStatus = fmt.Sprintf("error: %s: %v", name, err)
			break
		}
	}
	services["database"] = dbStatus

	brokerStatus := "ok"
	if s.broker == nil {
		brokerStatus = "unconfigured"
	} else if err := s.broker.HealthCheck(ctx); err != nil {
		brokerStatus = fmt.Sprintf("error: %v", err)
	} else if s.broker.IsMock() {
		brokerStatus = "ok (mock)"
	}
	services["broker"] = brokerStatus

	agentStatus := "ok"
	if s.chat == nil {
		agentStatus = "unconfigured"
	}
	services["ai_agents"] = agentStatus

	status := "ok"
	for _, v := range services {
		if strings.HasPrefix(v, "error") {
			status = "degraded"
		}
	}

	system := map[string]interface{}{}
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		system["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		system["memory_percent"] = memStat.UsedPercent
	}

	payload := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
		"system":    system,
	}
	if s.hours != nil {
		payload["market_phase"] = string(s.hours.CurrentPhase())
	}
	respondJSON(w, http.StatusOK, payload)
}

type credentialsRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func userResponse(user *domain.User) map[string]interface{} {
	return map[string]interface{}{
		"user": map[string]string{
			"id":        user.ID,
			"firstName": user.FirstName,
			"lastName":  user.LastName,
			"email":     user.Email,
		},
		"token": user.ID,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.store.Users.GetUserByEmail(req.Email)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	digest := passwordDigest(req.Password)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(user.PasswordHash)) != 1 {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	respondJSON(w, http.StatusOK, userResponse(user))
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if _, err := s.store.Users.GetUserByEmail(req.Email); err == nil {
		respondError(w, http.StatusConflict, "an account with this email already exists")
		return
	}

	user := &domain.User{
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PasswordHash: passwordDigest(req.Password),
	}
	if _, err := s.store.Users.CreateUser(user); err != nil {
		respondError(w, http.StatusInternalServerError, "signup failed")
		return
	}
	if _, err := s.store.Portfolios.CreatePortfolio(&domain.Portfolio{
		UserID:    user.ID,
		IsPrimary: true,
	}); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to create initial portfolio")
	}
	respondJSON(w, http.StatusCreated, userResponse(user))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	user, err := s.store.Users.GetUser(userID)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":             user.ID,
		"firstName":      user.FirstName,
		"lastName":       user.LastName,
		"email":          user.Email,
		"risk_tolerance": string(user.RiskTolerance),
		"objective":      string(user.Objective),
		"annual_income":  user.AnnualIncome.String(),
		"net_worth":      user.NetWorth.String(),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	pf, err := s.store.Portfolios.GetPrimaryPortfolio(userID)
	if errors.Is(err, domain.ErrNoPortfolio) {
		respondError(w, http.StatusNotFound, "no portfolio")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}
	metrics, err := s.analytics.PortfolioMetrics(pf.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}

	holdings := make([]map[string]interface{}, 0, len(metrics.Holdings))
	harvesting := make([]map[string]interface{}, 0)
	for _, h := range metrics.Holdings {
		holdings = append(holdings, map[string]interface{}{
			"symbol":       h.Symbol,
			"quantity":     h.Quantity.String(),
			"market_value": h.MarketValue.String(),
			"weight":       h.Weight,
			"sector":       h.Sector,
			"asset_type":   h.AssetType,
			"gain_pct":     h.GainPct,
		})
		if h.GainPct < 0 {
			harvesting = append(harvesting, map[string]interface{}{
				"symbol":              h.Symbol,
				"unrealized_loss_pct": h.GainPct * 100,
			})
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"portfolio_id":        pf.ID,
		"total_value":         pf.TotalValue.String(),
		"cash_balance":        pf.CashBalance.String(),
		"invested_value":      pf.TotalValue.Sub(pf.CashBalance).String(),
		"holdings":            holdings,
		"sector_allocations":  metrics.SectorAllocations,
		"concentration_hhi":   metrics.ConcentrationHHI,
		"top_holding_weight":  metrics.TopHoldingWeight,
		"tax_loss_harvesting": harvesting,
	})
}

type executeRequest struct {
	Symbol   string      `json:"symbol"`
	Action   string      `json:"action"`
	Quantity json.Number `json:"quantity"`
	UserID   string      `json:"user_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := s.userID(r)
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing user")
		return
	}

	var txType domain.TransactionType
	switch strings.ToLower(req.Action) {
	case "buy":
		txType = domain.TransactionBuy
	case "sell":
		txType = domain.TransactionSell
	default:
		respondError(w, http.StatusBadRequest, "action must be buy or sell")
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity.String())
	if err != nil || !quantity.IsPositive() {
		respondError(w, http.StatusBadRequest, "quantity must be a positive number")
		return
	}

	tx, verdict, err := s.executor.CreatePendingTrade(r.Context(), execution.TradeIntent{
		UserID:    userID,
		Symbol:    req.Symbol,
		Type:      txType,
		Quantity:  quantity,
		OrderType: domain.OrderMarket,
		Notes:     "direct api order",
	})
	if errors.Is(err, domain.ErrInvalidOrder) || errors.Is(err, domain.ErrNoPortfolio) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "order preparation failed")
		return
	}

	if !verdict.Approved {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"status":   "rejected",
			"order_id": tx.ID,
			"message":  "trade rejected by compliance review",
			"details": map[string]interface{}{
				"score":      verdict.Score,
				"violations": verdict.Violations,
			},
		})
		return
	}

	executed, err := s.executor.Execute(r.Context(), tx.ID)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status":   string(domain.StatusFailed),
			"order_id": tx.ID,
			"message":  "order submission failed",
			"details":  map[string]interface{}{"notes": executedNotes(executed)},
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   string(executed.Status),
		"order_id": executed.ID,
		"message":  fmt.Sprintf("%s order for %s %s is %s", executed.Type, executed.Quantity, executed.Symbol, executed.Status),
		"details": map[string]interface{}{
			"compliance_score": verdict.Score,
			"warnings":         verdict.Warnings,
		},
	})
}

func executedNotes(tx *domain.Transaction) string {
	if tx == nil {
		return ""
	}
	return tx.Notes
}

// handleAnalytics returns the metrics snapshot plus recent price series
// for each holding.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	pf, err := s.store.Portfolios.GetPrimaryPortfolio(userID)
	if errors.Is(err, domain.ErrNoPortfolio) {
		respondError(w, http.StatusNotFound, "no portfolio")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}
	metrics, err := s.analytics.PortfolioMetrics(pf.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}

	series := map[string][]map[string]interface{}{}
	if s.cache != nil {
		since := time.Now().UTC().AddDate(0, 0, -30)
		for _, h := range metrics.Holdings {
			quotes, err := s.cache.History(h.Symbol, since)
			if err != nil {
				continue
			}
			points := make([]map[string]interface{}, 0, len(quotes))
			for _, q := range quotes {
				points = append(points, map[string]interface{}{
					"as_of": q.AsOf.UTC().Format(time.RFC3339),
					"price": q.Price.String(),
				})
			}
			series[h.Symbol] = points
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": metrics,
		"series":  series,
	})
}
