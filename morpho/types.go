package morpho

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SupplyBalance tracks one user's supply position in a market. OnPool is
// denominated in pool share units, InP2P in P2P index units.
type SupplyBalance struct {
	OnPool *big.Int
	InP2P  *big.Int
}

// BorrowBalance tracks one user's borrow position in a market, with the same
// unit split as SupplyBalance.
type BorrowBalance struct {
	OnPool *big.Int
	InP2P  *big.Int
}

// MarketParams groups the per-market risk and matching settings fixed at
// market creation and adjustable by the operator afterwards.
type MarketParams struct {
	// CollateralFactorBps is the share of supplied value usable as borrow
	// collateral, in basis points.
	CollateralFactorBps uint64
	// ReserveFactorBps is the share of the P2P spread skimmed toward the
	// protocol treasury, in basis points.
	ReserveFactorBps uint64
	// P2PCursorBps positions the P2P rate between the pool supply rate (0)
	// and the pool borrow rate (10000).
	P2PCursorBps uint64
	// NoP2P disables delta and peer matching: the market operates pool-only.
	NoP2P bool
}

// ActionPauses exposes fine-grained switches for pausing individual flows of
// one market.
type ActionPauses struct {
	Supply    bool
	Borrow    bool
	Withdraw  bool
	Repay     bool
	Liquidate bool
}

// RiskParameters groups the engine-wide liquidation settings.
type RiskParameters struct {
	// CloseFactorBps caps the fraction of a borrower's debt repayable in one
	// liquidation, in basis points.
	CloseFactorBps uint64
	// LiquidationIncentiveBps scales the collateral seized per unit of debt
	// repaid, in basis points (10000 = no bonus).
	LiquidationIncentiveBps uint64
}

// marketState is the full per-market ledger. It is owned by the engine and
// mutated only by the currently executing action, on a working copy that is
// committed when the action succeeds.
type marketState struct {
	params MarketParams
	pauses ActionPauses

	// P2P exchange rates mapping P2P units to underlying. Monotonically
	// non-decreasing, starting at the wad unit.
	p2pSupplyIndex *big.Int
	p2pBorrowIndex *big.Int

	// Pool indexes captured at the last P2P rate update.
	lastPoolSupplyIndex *big.Int
	lastPoolBorrowIndex *big.Int

	// Volume nominally recorded as P2P but resting on the pool, in
	// pool-denominated share units. Never negative.
	p2pSupplyDelta *big.Int
	p2pBorrowDelta *big.Int

	// Nominal P2P volume across all users of each side, in P2P index units.
	// Never negative after subtraction; fee skimming may leave it above the
	// per-user sum.
	p2pSupplyAmount *big.Int
	p2pBorrowAmount *big.Int

	// Protocol fee skimmed from repayments, claimable by the treasury.
	treasuryAccrued *big.Int

	supplyBalances map[common.Address]*SupplyBalance
	borrowBalances map[common.Address]*BorrowBalance
	entered        map[common.Address]bool

	suppliersOnPool *sortedList
	suppliersInP2P  *sortedList
	borrowersOnPool *sortedList
	borrowersInP2P  *sortedList
}

func newMarketState(params MarketParams, poolSupplyIndex, poolBorrowIndex *big.Int) *marketState {
	return &marketState{
		params:              params,
		p2pSupplyIndex:      new(big.Int).Set(wad),
		p2pBorrowIndex:      new(big.Int).Set(wad),
		lastPoolSupplyIndex: cloneBig(poolSupplyIndex),
		lastPoolBorrowIndex: cloneBig(poolBorrowIndex),
		p2pSupplyDelta:      big.NewInt(0),
		p2pBorrowDelta:      big.NewInt(0),
		p2pSupplyAmount:     big.NewInt(0),
		p2pBorrowAmount:     big.NewInt(0),
		treasuryAccrued:     big.NewInt(0),
		supplyBalances:      make(map[common.Address]*SupplyBalance),
		borrowBalances:      make(map[common.Address]*BorrowBalance),
		entered:             make(map[common.Address]bool),
		suppliersOnPool:     newSortedList(),
		suppliersInP2P:      newSortedList(),
		borrowersOnPool:     newSortedList(),
		borrowersInP2P:      newSortedList(),
	}
}

func (m *marketState) supplyBalance(user common.Address) *SupplyBalance {
	if balance, ok := m.supplyBalances[user]; ok {
		return balance
	}
	balance := &SupplyBalance{OnPool: big.NewInt(0), InP2P: big.NewInt(0)}
	m.supplyBalances[user] = balance
	return balance
}

func (m *marketState) borrowBalance(user common.Address) *BorrowBalance {
	if balance, ok := m.borrowBalances[user]; ok {
		return balance
	}
	balance := &BorrowBalance{OnPool: big.NewInt(0), InP2P: big.NewInt(0)}
	m.borrowBalances[user] = balance
	return balance
}

// isMember reports whether the user still holds any of the four balances.
func (m *marketState) isMember(user common.Address) bool {
	if balance, ok := m.supplyBalances[user]; ok {
		if balance.OnPool.Sign() > 0 || balance.InP2P.Sign() > 0 {
			return true
		}
	}
	if balance, ok := m.borrowBalances[user]; ok {
		if balance.OnPool.Sign() > 0 || balance.InP2P.Sign() > 0 {
			return true
		}
	}
	return false
}

func (m *marketState) clone() *marketState {
	cloned := &marketState{
		params:              m.params,
		pauses:              m.pauses,
		p2pSupplyIndex:      cloneBig(m.p2pSupplyIndex),
		p2pBorrowIndex:      cloneBig(m.p2pBorrowIndex),
		lastPoolSupplyIndex: cloneBig(m.lastPoolSupplyIndex),
		lastPoolBorrowIndex: cloneBig(m.lastPoolBorrowIndex),
		p2pSupplyDelta:      cloneBig(m.p2pSupplyDelta),
		p2pBorrowDelta:      cloneBig(m.p2pBorrowDelta),
		p2pSupplyAmount:     cloneBig(m.p2pSupplyAmount),
		p2pBorrowAmount:     cloneBig(m.p2pBorrowAmount),
		treasuryAccrued:     cloneBig(m.treasuryAccrued),
		supplyBalances:      make(map[common.Address]*SupplyBalance, len(m.supplyBalances)),
		borrowBalances:      make(map[common.Address]*BorrowBalance, len(m.borrowBalances)),
		entered:             make(map[common.Address]bool, len(m.entered)),
		suppliersOnPool:     m.suppliersOnPool.clone(),
		suppliersInP2P:      m.suppliersInP2P.clone(),
		borrowersOnPool:     m.borrowersOnPool.clone(),
		borrowersInP2P:      m.borrowersInP2P.clone(),
	}
	for user, balance := range m.supplyBalances {
		cloned.supplyBalances[user] = &SupplyBalance{OnPool: cloneBig(balance.OnPool), InP2P: cloneBig(balance.InP2P)}
	}
	for user, balance := range m.borrowBalances {
		cloned.borrowBalances[user] = &BorrowBalance{OnPool: cloneBig(balance.OnPool), InP2P: cloneBig(balance.InP2P)}
	}
	for user, in := range m.entered {
		cloned.entered[user] = in
	}
	return cloned
}
