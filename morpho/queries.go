package morpho

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// MarketInfo is a read-only view of one market's ledger.
type MarketInfo struct {
	Market          common.Address
	Params          MarketParams
	Pauses          ActionPauses
	P2PSupplyIndex  *big.Int
	P2PBorrowIndex  *big.Int
	P2PSupplyDelta  *big.Int
	P2PBorrowDelta  *big.Int
	P2PSupplyAmount *big.Int
	P2PBorrowAmount *big.Int
	TreasuryAccrued *big.Int
	Members         int
}

// Position is a read-only view of one user's balances in a market, with the
// pool-unit fields converted to underlying at the stored indexes.
type Position struct {
	SupplyOnPool     *big.Int
	SupplyInP2P      *big.Int
	BorrowOnPool     *big.Int
	BorrowInP2P      *big.Int
	SupplyUnderlying *big.Int
	BorrowUnderlying *big.Int
}

// Markets lists the created markets in a stable order.
func (e *Engine) Markets() []common.Address {
	markets := make([]common.Address, 0, len(e.markets))
	for market := range e.markets {
		markets = append(markets, market)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Hex() < markets[j].Hex()
	})
	return markets
}

// MarketInfo returns the current ledger view for a market.
func (e *Engine) MarketInfo(market common.Address) (MarketInfo, error) {
	state, ok := e.markets[market]
	if !ok {
		return MarketInfo{}, errMarketNotCreated
	}
	return MarketInfo{
		Market:          market,
		Params:          state.params,
		Pauses:          state.pauses,
		P2PSupplyIndex:  cloneBig(state.p2pSupplyIndex),
		P2PBorrowIndex:  cloneBig(state.p2pBorrowIndex),
		P2PSupplyDelta:  cloneBig(state.p2pSupplyDelta),
		P2PBorrowDelta:  cloneBig(state.p2pBorrowDelta),
		P2PSupplyAmount: cloneBig(state.p2pSupplyAmount),
		P2PBorrowAmount: cloneBig(state.p2pBorrowAmount),
		TreasuryAccrued: cloneBig(state.treasuryAccrued),
		Members:         len(state.entered),
	}, nil
}

// Position returns the user's balances in a market. Underlying conversions use
// the stored P2P indexes and the last-seen pool indexes.
func (e *Engine) Position(market, user common.Address) (Position, error) {
	state, ok := e.markets[market]
	if !ok {
		return Position{}, errMarketNotCreated
	}
	position := Position{
		SupplyOnPool:     big.NewInt(0),
		SupplyInP2P:      big.NewInt(0),
		BorrowOnPool:     big.NewInt(0),
		BorrowInP2P:      big.NewInt(0),
		SupplyUnderlying: big.NewInt(0),
		BorrowUnderlying: big.NewInt(0),
	}
	if balance, ok := state.supplyBalances[user]; ok {
		position.SupplyOnPool = cloneBig(balance.OnPool)
		position.SupplyInP2P = cloneBig(balance.InP2P)
		position.SupplyUnderlying = new(big.Int).Add(
			wadMul(balance.OnPool, state.lastPoolSupplyIndex),
			wadMul(balance.InP2P, state.p2pSupplyIndex),
		)
	}
	if balance, ok := state.borrowBalances[user]; ok {
		position.BorrowOnPool = cloneBig(balance.OnPool)
		position.BorrowInP2P = cloneBig(balance.InP2P)
		position.BorrowUnderlying = new(big.Int).Add(
			wadMul(balance.OnPool, state.lastPoolBorrowIndex),
			wadMul(balance.InP2P, state.p2pBorrowIndex),
		)
	}
	return position, nil
}

// HealthState evaluates the user's current debt value against their borrow
// capacity across all entered markets.
func (e *Engine) HealthState(user common.Address) (debtValue, maxDebtValue *big.Int, err error) {
	return e.userLiquidityState(user, zeroAddress, nil, nil, nil)
}
