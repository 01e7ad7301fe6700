package morpho

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// Default matching settings applied when the operator does not override them.
const (
	DefaultMatchingBudget  uint64 = 100
	DefaultInsertScanDepth uint64 = 16
)

// Engine owns the per-market ledgers and orchestrates matching, delta
// accounting, and pool fallback for every user action. One engine instance is
// the single owner of all market state; there is no ambient global state.
type Engine struct {
	pool   Pool
	oracle Oracle
	sink   EventSink
	logger *slog.Logger
	params RiskParameters

	insertScanDepth uint64

	// busy rejects re-entrant invocations: each action runs to completion
	// with no interleaving, and a pool collaborator calling back into the
	// engine is a protocol violation, not a queued request.
	busy atomic.Bool

	markets map[common.Address]*marketState
}

// NewEngine constructs an engine wired to the underlying pool and the price
// oracle.
func NewEngine(pool Pool, oracle Oracle, params RiskParameters) *Engine {
	return &Engine{
		pool:            pool,
		oracle:          oracle,
		sink:            NopSink{},
		logger:          slog.Default(),
		params:          params,
		insertScanDepth: DefaultInsertScanDepth,
		markets:         make(map[common.Address]*marketState),
	}
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetEventSink wires the sink receiving ledger events.
func (e *Engine) SetEventSink(sink EventSink) {
	if e == nil || sink == nil {
		return
	}
	e.sink = sink
}

// SetInsertScanDepth bounds the rank-insertion scan of the sorted registries.
func (e *Engine) SetInsertScanDepth(depth uint64) {
	if e == nil || depth == 0 {
		return
	}
	e.insertScanDepth = depth
}

// CreateMarket registers a market for the given underlying asset. The pool
// must already quote indexes for it.
func (e *Engine) CreateMarket(market common.Address, params MarketParams) error {
	if e.pool == nil {
		return errNilPool
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	if _, ok := e.markets[market]; ok {
		return errMarketAlreadyCreated
	}
	supplyIndex, err := e.pool.SupplyIndex(market)
	if err != nil {
		return fmt.Errorf("create market: pool supply index: %w", err)
	}
	borrowIndex, err := e.pool.BorrowIndex(market)
	if err != nil {
		return fmt.Errorf("create market: pool borrow index: %w", err)
	}
	e.markets[market] = newMarketState(params, supplyIndex, borrowIndex)
	e.emit(Event{Type: EventTypeMarketCreated, Attributes: map[string]string{"market": market.Hex()}})
	return nil
}

// SetMarketPauses replaces the per-action pause switches of a market.
func (e *Engine) SetMarketPauses(market common.Address, pauses ActionPauses) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	state, ok := e.markets[market]
	if !ok {
		return errMarketNotCreated
	}
	state.pauses = pauses
	return nil
}

// UpdateP2PIndexes refreshes the market's P2P indexes from the current pool
// indexes without performing any user action.
func (e *Engine) UpdateP2PIndexes(market common.Address) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	ws, _, err := e.begin(market)
	if err != nil {
		return err
	}
	e.commit(market, ws)
	e.emit(Event{Type: EventTypeP2PIndexesUpdated, Attributes: map[string]string{
		"market":         market.Hex(),
		"p2pSupplyIndex": ws.p2pSupplyIndex.String(),
		"p2pBorrowIndex": ws.p2pBorrowIndex.String(),
	}})
	return nil
}

// ClaimToTreasury drains the fees accrued on a market and returns the claimed
// amount. Moving the underlying to the treasury account is the caller's
// concern.
func (e *Engine) ClaimToTreasury(market common.Address) (*big.Int, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	state, ok := e.markets[market]
	if !ok {
		return nil, errMarketNotCreated
	}
	claimed := state.treasuryAccrued
	state.treasuryAccrued = big.NewInt(0)
	e.emit(Event{Type: EventTypeTreasuryClaimed, Attributes: map[string]string{
		"market": market.Hex(),
		"amount": claimed.String(),
	}})
	return claimed, nil
}

// acquire takes the single execution slot. A second entry while an action is
// in flight is rejected, never queued.
func (e *Engine) acquire() error {
	if !e.busy.CompareAndSwap(false, true) {
		return errReentrantCall
	}
	return nil
}

func (e *Engine) release() {
	e.busy.Store(false)
}

// begin clones the market ledger into a working copy and refreshes its P2P
// indexes. All action mutations land on the copy; commit swaps it in only
// after every check and pool call succeeded.
func (e *Engine) begin(market common.Address) (*marketState, *matchingContext, error) {
	state, ok := e.markets[market]
	if !ok {
		return nil, nil, errMarketNotCreated
	}
	ws := state.clone()
	poolSupplyIndex, poolBorrowIndex, err := e.refreshP2PIndexes(market, ws)
	if err != nil {
		return nil, nil, err
	}
	ctx := &matchingContext{
		ws:              ws,
		poolSupplyIndex: poolSupplyIndex,
		poolBorrowIndex: poolBorrowIndex,
		maxInsert:       e.insertScanDepth,
	}
	return ws, ctx, nil
}

func (e *Engine) commit(market common.Address, ws *marketState) {
	e.markets[market] = ws
}

func (e *Engine) emit(event Event) {
	if e.sink != nil {
		e.sink.Emit(event)
	}
}

// emitLedgerChanges publishes delta and amount events when the working copy
// diverged from the committed state.
func (e *Engine) emitLedgerChanges(market common.Address, before, after *marketState) {
	if before.p2pSupplyDelta.Cmp(after.p2pSupplyDelta) != 0 || before.p2pBorrowDelta.Cmp(after.p2pBorrowDelta) != 0 {
		e.emit(deltasEvent(market, after))
	}
	if before.p2pSupplyAmount.Cmp(after.p2pSupplyAmount) != 0 || before.p2pBorrowAmount.Cmp(after.p2pBorrowAmount) != 0 {
		e.emit(amountsEvent(market, after))
	}
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errAmountIsZero
	}
	return nil
}

// userLiquidityState evaluates the user's aggregate debt and borrow capacity
// in the oracle's reference currency, optionally with a hypothetical extra
// borrow or withdrawal applied to one market. Working copies passed in
// overrides take precedence over committed state so in-flight index updates
// are observed.
func (e *Engine) userLiquidityState(
	user common.Address,
	hypMarket common.Address,
	withdrawn, borrowed *big.Int,
	overrides map[common.Address]*marketState,
) (debtValue, maxDebtValue *big.Int, err error) {
	if e.oracle == nil {
		return nil, nil, errNilOracle
	}
	debtValue = big.NewInt(0)
	maxDebtValue = big.NewInt(0)

	for market, committed := range e.markets {
		state := committed
		if ws, ok := overrides[market]; ok {
			state = ws
		}
		if !state.entered[user] && market != hypMarket {
			continue
		}

		price, err := e.oracle.Price(market)
		if err != nil {
			return nil, nil, fmt.Errorf("oracle price for %s: %w", market.Hex(), err)
		}
		if price == nil || price.Sign() == 0 {
			return nil, nil, errOraclePriceZero
		}
		poolSupplyIndex, err := e.pool.SupplyIndex(market)
		if err != nil {
			return nil, nil, fmt.Errorf("pool supply index for %s: %w", market.Hex(), err)
		}
		poolBorrowIndex, err := e.pool.BorrowIndex(market)
		if err != nil {
			return nil, nil, fmt.Errorf("pool borrow index for %s: %w", market.Hex(), err)
		}

		supply := state.supplyBalances[user]
		borrow := state.borrowBalances[user]
		collateral := big.NewInt(0)
		debt := big.NewInt(0)
		if supply != nil {
			collateral.Add(wadMul(supply.OnPool, poolSupplyIndex), wadMul(supply.InP2P, state.p2pSupplyIndex))
		}
		if borrow != nil {
			debt.Add(wadMul(borrow.OnPool, poolBorrowIndex), wadMul(borrow.InP2P, state.p2pBorrowIndex))
		}

		debtValue.Add(debtValue, wadMul(debt, price))
		maxDebtValue.Add(maxDebtValue, bpsMul(wadMul(collateral, price), state.params.CollateralFactorBps))

		if market == hypMarket {
			if borrowed != nil && borrowed.Sign() > 0 {
				debtValue.Add(debtValue, wadMul(borrowed, price))
			}
			if withdrawn != nil && withdrawn.Sign() > 0 {
				maxDebtValue = safeSub(maxDebtValue, bpsMul(wadMul(withdrawn, price), state.params.CollateralFactorBps))
			}
		}
	}
	return debtValue, maxDebtValue, nil
}
