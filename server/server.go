package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/HilliamT/morpho-v1/morpho"
	"github.com/HilliamT/morpho-v1/observability/metrics"
	"github.com/HilliamT/morpho-v1/store"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server exposes the matching engine over HTTP. Engine actions reject
// concurrent entry, so the server serialises mutating calls behind a mutex and
// persists a state snapshot after each successful mutation.
type Server struct {
	engine  *morpho.Engine
	store   *store.SnapshotStore
	logger  *slog.Logger
	limiter *RateLimiter
	timeout time.Duration
	budget  uint64

	mu sync.Mutex
}

func New(engine *morpho.Engine, snapshots *store.SnapshotStore, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		store:   snapshots,
		logger:  logger,
		limiter: NewRateLimiter(cfg.RateLimit),
		timeout: cfg.RequestTimeout,
		budget:  morpho.DefaultMatchingBudget,
	}
}

// SetMatchingBudget overrides the step budget applied to requests that do not
// carry their own.
func (s *Server) SetMatchingBudget(budget uint64) {
	if budget == 0 {
		return
	}
	s.budget = budget
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(s.limiter.Middleware)
	if s.timeout > 0 {
		r.Use(timeoutMiddleware(s.timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.listMarkets)
		r.Route("/markets/{market}", func(r chi.Router) {
			r.Get("/", s.getMarket)
			r.Get("/positions/{user}", s.getPosition)
			r.Post("/supply", s.supply)
			r.Post("/borrow", s.borrow)
			r.Post("/withdraw", s.withdraw)
			r.Post("/repay", s.repay)
			r.Post("/pauses", s.setPauses)
			r.Post("/treasury/claim", s.claimTreasury)
		})
		r.Get("/users/{user}/health", s.getHealth)
		r.Post("/liquidations", s.liquidate)
	})
	return r
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, "request timed out")
	}
}

type marketResponse struct {
	Market              string `json:"market"`
	CollateralFactorBps uint64 `json:"collateralFactorBps"`
	ReserveFactorBps    uint64 `json:"reserveFactorBps"`
	P2PCursorBps        uint64 `json:"p2pCursorBps"`
	NoP2P               bool   `json:"noP2P"`
	P2PSupplyIndex      string `json:"p2pSupplyIndex"`
	P2PBorrowIndex      string `json:"p2pBorrowIndex"`
	P2PSupplyDelta      string `json:"p2pSupplyDelta"`
	P2PBorrowDelta      string `json:"p2pBorrowDelta"`
	P2PSupplyAmount     string `json:"p2pSupplyAmount"`
	P2PBorrowAmount     string `json:"p2pBorrowAmount"`
	TreasuryAccrued     string `json:"treasuryAccrued"`
	Members             int    `json:"members"`
}

func marketView(info morpho.MarketInfo) marketResponse {
	return marketResponse{
		Market:              info.Market.Hex(),
		CollateralFactorBps: info.Params.CollateralFactorBps,
		ReserveFactorBps:    info.Params.ReserveFactorBps,
		P2PCursorBps:        info.Params.P2PCursorBps,
		NoP2P:               info.Params.NoP2P,
		P2PSupplyIndex:      info.P2PSupplyIndex.String(),
		P2PBorrowIndex:      info.P2PBorrowIndex.String(),
		P2PSupplyDelta:      info.P2PSupplyDelta.String(),
		P2PBorrowDelta:      info.P2PBorrowDelta.String(),
		P2PSupplyAmount:     info.P2PSupplyAmount.String(),
		P2PBorrowAmount:     info.P2PBorrowAmount.String(),
		TreasuryAccrued:     info.TreasuryAccrued.String(),
		Members:             info.Members,
	}
}

type positionResponse struct {
	SupplyOnPool     string `json:"supplyOnPool"`
	SupplyInP2P      string `json:"supplyInP2P"`
	BorrowOnPool     string `json:"borrowOnPool"`
	BorrowInP2P      string `json:"borrowInP2P"`
	SupplyUnderlying string `json:"supplyUnderlying"`
	BorrowUnderlying string `json:"borrowUnderlying"`
}

type actionRequest struct {
	User     string `json:"user"`
	Receiver string `json:"receiver,omitempty"`
	Amount   string `json:"amount"`
	Budget   uint64 `json:"budget,omitempty"`
}

type liquidationRequest struct {
	BorrowedMarket   string `json:"borrowedMarket"`
	CollateralMarket string `json:"collateralMarket"`
	Borrower         string `json:"borrower"`
	Liquidator       string `json:"liquidator"`
	Amount           string `json:"amount"`
	Budget           uint64 `json:"budget,omitempty"`
}

type pausesRequest struct {
	Supply    bool `json:"supply"`
	Borrow    bool `json:"borrow"`
	Withdraw  bool `json:"withdraw"`
	Repay     bool `json:"repay"`
	Liquidate bool `json:"liquidate"`
}

// Engine reads share the same mutex as the mutating handlers: the actions
// swap market states in place on commit, so an unguarded query races them.
func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	markets := s.engine.Markets()
	views := make([]marketResponse, 0, len(markets))
	var viewErr error
	for _, market := range markets {
		info, err := s.engine.MarketInfo(market)
		if err != nil {
			viewErr = err
			break
		}
		views = append(views, marketView(info))
	}
	s.mu.Unlock()
	if viewErr != nil {
		s.writeError(w, r, viewErr)
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	market, ok := s.addressParam(w, r, "market")
	if !ok {
		return
	}
	s.mu.Lock()
	info, err := s.engine.MarketInfo(market)
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, marketView(info))
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	market, ok := s.addressParam(w, r, "market")
	if !ok {
		return
	}
	user, ok := s.addressParam(w, r, "user")
	if !ok {
		return
	}
	s.mu.Lock()
	position, err := s.engine.Position(market, user)
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionResponse{
		SupplyOnPool:     position.SupplyOnPool.String(),
		SupplyInP2P:      position.SupplyInP2P.String(),
		BorrowOnPool:     position.BorrowOnPool.String(),
		BorrowInP2P:      position.BorrowInP2P.String(),
		SupplyUnderlying: position.SupplyUnderlying.String(),
		BorrowUnderlying: position.BorrowUnderlying.String(),
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	user, ok := s.addressParam(w, r, "user")
	if !ok {
		return
	}
	s.mu.Lock()
	debtValue, maxDebtValue, err := s.engine.HealthState(user)
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"debtValue":    debtValue.String(),
		"maxDebtValue": maxDebtValue.String(),
	})
}

func (s *Server) supply(w http.ResponseWriter, r *http.Request) {
	s.positionAction(w, r, "supply", func(market, user, _ common.Address, amount *big.Int, budget uint64) error {
		return s.engine.Supply(market, user, amount, budget)
	})
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	s.positionAction(w, r, "borrow", func(market, user, _ common.Address, amount *big.Int, budget uint64) error {
		return s.engine.Borrow(market, user, amount, budget)
	})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.positionAction(w, r, "withdraw", func(market, user, receiver common.Address, amount *big.Int, budget uint64) error {
		return s.engine.Withdraw(market, amount, user, receiver, budget)
	})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	s.positionAction(w, r, "repay", func(market, user, _ common.Address, amount *big.Int, budget uint64) error {
		return s.engine.Repay(market, user, amount, budget)
	})
}

func (s *Server) positionAction(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	invoke func(market, user, receiver common.Address, amount *big.Int, budget uint64) error,
) {
	market, ok := s.addressParam(w, r, "market")
	if !ok {
		return
	}
	var req actionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	user, ok := s.parseAddress(w, req.User, "user")
	if !ok {
		return
	}
	receiver := user
	if req.Receiver != "" {
		if receiver, ok = s.parseAddress(w, req.Receiver, "receiver"); !ok {
			return
		}
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	budget := req.Budget
	if budget == 0 {
		budget = s.budget
	}

	start := time.Now()
	s.mu.Lock()
	err := invoke(market, user, receiver, amount, budget)
	s.mu.Unlock()
	metrics.Morpho().ObserveAction(action, err, time.Since(start))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.persist(r)

	s.mu.Lock()
	position, err := s.engine.Position(market, user)
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionResponse{
		SupplyOnPool:     position.SupplyOnPool.String(),
		SupplyInP2P:      position.SupplyInP2P.String(),
		BorrowOnPool:     position.BorrowOnPool.String(),
		BorrowInP2P:      position.BorrowInP2P.String(),
		SupplyUnderlying: position.SupplyUnderlying.String(),
		BorrowUnderlying: position.BorrowUnderlying.String(),
	})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	borrowedMarket, ok := s.parseAddress(w, req.BorrowedMarket, "borrowedMarket")
	if !ok {
		return
	}
	collateralMarket, ok := s.parseAddress(w, req.CollateralMarket, "collateralMarket")
	if !ok {
		return
	}
	borrower, ok := s.parseAddress(w, req.Borrower, "borrower")
	if !ok {
		return
	}
	liquidator, ok := s.parseAddress(w, req.Liquidator, "liquidator")
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	budget := req.Budget
	if budget == 0 {
		budget = s.budget
	}

	start := time.Now()
	s.mu.Lock()
	seized, err := s.engine.Liquidate(borrowedMarket, collateralMarket, borrower, liquidator, amount, budget)
	s.mu.Unlock()
	metrics.Morpho().ObserveAction("liquidate", err, time.Since(start))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.persist(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"seized": seized.String()})
}

func (s *Server) setPauses(w http.ResponseWriter, r *http.Request) {
	market, ok := s.addressParam(w, r, "market")
	if !ok {
		return
	}
	var req pausesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	err := s.engine.SetMarketPauses(market, morpho.ActionPauses{
		Supply:    req.Supply,
		Borrow:    req.Borrow,
		Withdraw:  req.Withdraw,
		Repay:     req.Repay,
		Liquidate: req.Liquidate,
	})
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.persist(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) claimTreasury(w http.ResponseWriter, r *http.Request) {
	market, ok := s.addressParam(w, r, "market")
	if !ok {
		return
	}
	s.mu.Lock()
	claimed, err := s.engine.ClaimToTreasury(market)
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.persist(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"claimed": claimed.String()})
}

// persist saves a full state snapshot. Persistence failures are logged, not
// surfaced: the action already committed.
func (s *Server) persist(r *http.Request) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	snapshots := s.engine.ExportState()
	s.mu.Unlock()
	if err := s.store.Save(snapshots); err != nil {
		s.logger.Error("persist state",
			slog.String("error", err.Error()),
			slog.String("request_id", requestIDFrom(r.Context())),
		)
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func (s *Server) addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	return s.parseAddress(w, chi.URLParam(r, name), name)
}

func (s *Server) parseAddress(w http.ResponseWriter, value, name string) (common.Address, bool) {
	if !common.IsHexAddress(value) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid %s address", name)})
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

func (s *Server) parseAmount(w http.ResponseWriter, value string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a positive decimal string"})
		return nil, false
	}
	return amount, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("error", err.Error()),
			slog.String("request_id", requestIDFrom(r.Context())),
		)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, morpho.ErrMarketNotCreated), errors.Is(err, morpho.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, morpho.ErrMarketAlreadyCreated):
		return http.StatusConflict
	case errors.Is(err, morpho.ErrMarketPaused):
		return http.StatusConflict
	case errors.Is(err, morpho.ErrAmountIsZero), errors.Is(err, morpho.ErrWithdrawTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, morpho.ErrDebtValueAboveMax),
		errors.Is(err, morpho.ErrDebtValueNotAboveMax),
		errors.Is(err, morpho.ErrRepayAboveCloseFactor),
		errors.Is(err, morpho.ErrToSeizeAboveCollateral),
		errors.Is(err, morpho.ErrNoDebtToRepay),
		errors.Is(err, morpho.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, morpho.ErrReentrantCall):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
