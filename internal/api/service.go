// Package api provides the HTTP handlers for the coverage engine:
// tranche and round queries, purchase and collateral intake, settlement
// operations, portfolio views, and the system health endpoint.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/fault"
	"github.com/dinyk/coverage-engine/internal/intake"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/monitor"
	"github.com/dinyk/coverage-engine/internal/pool"
	"github.com/dinyk/coverage-engine/internal/portfolio"
	"github.com/dinyk/coverage-engine/internal/pricefeed"
	"github.com/dinyk/coverage-engine/internal/round"
	"github.com/dinyk/coverage-engine/internal/settlement"
)

// Service wires the engine's components behind the HTTP surface.
type Service struct {
	ledger     ledger.Ledger
	intake     *intake.Service
	settlement *settlement.Engine
	portfolio  *portfolio.Service
	monitor    *monitor.Monitor
	prices     *pricefeed.Source
	wsHub      *WSHub // optional hub for lifecycle broadcasts
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(l ledger.Ledger, in *intake.Service, se *settlement.Engine, po *portfolio.Service, mo *monitor.Monitor, pr *pricefeed.Source, hub *WSHub) *Service {
	return &Service{
		ledger:     l,
		intake:     in,
		settlement: se,
		portfolio:  po,
		monitor:    mo,
		prices:     pr,
		wsHub:      hub,
	}
}

// Routes mounts every handler under /api/v1 plus the WebSocket endpoint.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/tranches", s.ListTranches)
	r.Get("/tranches/{trancheID}", s.GetTranche)
	r.Get("/tranches/{trancheID}/pool", s.GetPool)
	r.Get("/tranches/{trancheID}/rounds", s.ListRounds)
	r.Get("/tranches/{trancheID}/quote/purchase", s.QuotePurchase)
	r.Get("/tranches/{trancheID}/quote/deposit", s.QuoteDeposit)
	r.Post("/tranches/{trancheID}/withdraw", s.Withdraw)

	r.Get("/rounds/{roundID}", s.GetRound)
	r.Get("/rounds/{roundID}/settlement", s.GetSettlement)
	r.Post("/rounds/{roundID}/purchase", s.Purchase)
	r.Post("/rounds/{roundID}/collateral", s.Deposit)
	r.Post("/rounds/{roundID}/advance", s.Advance)
	r.Post("/rounds/{roundID}/observe", s.Observe)
	r.Post("/rounds/{roundID}/finalize", s.Finalize)
	r.Post("/rounds/{roundID}/claim", s.Claim)

	r.Get("/portfolio/{holder}", s.GetPortfolio)
	r.Get("/prices/{routeID}", s.GetPrice)
	r.Get("/system/health", s.GetHealth)
}

// --- Request types ---

// OrderRequest is the JSON body for purchases, deposits, and withdrawals.
type OrderRequest struct {
	Holder string          `json:"holder"`
	Amount decimal.Decimal `json:"amount"`
}

// ClaimRequest is the JSON body for POST /rounds/{roundID}/claim.
type ClaimRequest struct {
	Holder string `json:"holder"`
}

// AdvanceRequest is the JSON body for POST /rounds/{roundID}/advance.
type AdvanceRequest struct {
	State model.RoundState `json:"state"`
}

// --- Tranche and round queries ---

// ListTranches handles GET /api/v1/tranches
func (s *Service) ListTranches(w http.ResponseWriter, r *http.Request) {
	tranches, err := s.ledger.ListActiveTranches(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if tranches == nil {
		tranches = []model.Tranche{}
	}
	writeJSON(w, http.StatusOK, tranches)
}

// GetTranche handles GET /api/v1/tranches/{trancheID}
func (s *Service) GetTranche(w http.ResponseWriter, r *http.Request) {
	tranche, err := s.ledger.GetTranche(r.Context(), chi.URLParam(r, "trancheID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tranche)
}

// GetPool handles GET /api/v1/tranches/{trancheID}/pool
// Returns the derived pool snapshot: NAV, utilization, available liquidity.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.GetPoolTotals(r.Context(), chi.URLParam(r, "trancheID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	snap, err := pool.NewSnapshot(totals, time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListRounds handles GET /api/v1/tranches/{trancheID}/rounds
func (s *Service) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.ledger.ListTrancheRounds(r.Context(), chi.URLParam(r, "trancheID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if rounds == nil {
		rounds = []model.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetRound handles GET /api/v1/rounds/{roundID}
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	rnd, err := s.ledger.GetRound(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rnd)
}

// GetSettlement handles GET /api/v1/rounds/{roundID}/settlement
func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetSettlementInfo(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Quotes ---

// QuotePurchase handles GET /api/v1/tranches/{trancheID}/quote/purchase?amount=N
func (s *Service) QuotePurchase(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount parameter", http.StatusBadRequest)
		return
	}
	quote, err := s.intake.QuotePurchase(r.Context(), chi.URLParam(r, "trancheID"), amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// QuoteDeposit handles GET /api/v1/tranches/{trancheID}/quote/deposit?amount=N
func (s *Service) QuoteDeposit(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount parameter", http.StatusBadRequest)
		return
	}
	quote, err := s.intake.QuoteDeposit(r.Context(), chi.URLParam(r, "trancheID"), amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// --- Intake ---

// Purchase handles POST /api/v1/rounds/{roundID}/purchase
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrder(w, r)
	if !ok {
		return
	}
	roundID := chi.URLParam(r, "roundID")

	res, err := s.intake.SubmitPurchase(r.Context(), roundID, req.Holder, req.Amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.broadcast(WSMessage{Type: "purchase_accepted", RoundID: roundID, Amount: req.Amount.String()})
	writeJSON(w, http.StatusCreated, res)
}

// Deposit handles POST /api/v1/rounds/{roundID}/collateral
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrder(w, r)
	if !ok {
		return
	}
	roundID := chi.URLParam(r, "roundID")

	res, err := s.intake.DepositCollateral(r.Context(), roundID, req.Holder, req.Amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.broadcast(WSMessage{Type: "collateral_accepted", RoundID: roundID, Amount: req.Amount.String()})
	writeJSON(w, http.StatusCreated, res)
}

// Withdraw handles POST /api/v1/tranches/{trancheID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrder(w, r)
	if !ok {
		return
	}

	res, err := s.intake.WithdrawCollateral(r.Context(), chi.URLParam(r, "trancheID"), req.Holder, req.Amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Advance handles POST /api/v1/rounds/{roundID}/advance
// Operator endpoint: the ledger validates the transition and performs
// matching or unwinding as a side effect. The sweep worker drives the
// same transitions on the clock.
func (s *Service) Advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" {
		writeError(w, "state is required", http.StatusBadRequest)
		return
	}
	roundID := chi.URLParam(r, "roundID")

	receipt, err := s.ledger.AdvanceRound(r.Context(), roundID, req.State)
	if errors.Is(err, round.ErrIllegalTransition) {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	s.broadcast(WSMessage{Type: "round_advanced", RoundID: roundID, State: string(req.State)})
	writeJSON(w, http.StatusOK, receipt)
}

// --- Settlement ---

// Observe handles POST /api/v1/rounds/{roundID}/observe
func (s *Service) Observe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.settlement.Observe(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Finalize handles POST /api/v1/rounds/{roundID}/finalize
func (s *Service) Finalize(w http.ResponseWriter, r *http.Request) {
	roundID := chi.URLParam(r, "roundID")
	rec, err := s.settlement.Finalize(r.Context(), roundID)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.broadcast(WSMessage{Type: "round_settled", RoundID: roundID, Triggered: &rec.Triggered})
	writeJSON(w, http.StatusOK, rec)
}

// Claim handles POST /api/v1/rounds/{roundID}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Holder == "" {
		writeError(w, "holder is required", http.StatusBadRequest)
		return
	}

	receipt, err := s.portfolio.Claim(r.Context(), chi.URLParam(r, "roundID"), req.Holder)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// --- Portfolio, prices, health ---

// GetPortfolio handles GET /api/v1/portfolio/{holder}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	positions := s.portfolio.Portfolio(r.Context(), chi.URLParam(r, "holder"))
	writeJSON(w, http.StatusOK, positions)
}

// GetPrice handles GET /api/v1/prices/{routeID}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	quote, err := s.prices.Get(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetHealth handles GET /api/v1/system/health
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.monitor.Snapshot(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// --- Helpers ---

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

func decodeOrder(w http.ResponseWriter, r *http.Request) (OrderRequest, bool) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Holder == "" {
		writeError(w, "holder is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFault maps a taxonomy error to its HTTP status.
func writeFault(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
