package morpho

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// refreshP2PIndexes advances the market's P2P indexes by the pool index growth
// observed since the last refresh. The P2P rate sits between the pool supply
// and borrow rates at the position picked by the market's cursor; the reserve
// factor widens the spread kept by the protocol on each side. Runs before
// every user-facing action on the market.
func (e *Engine) refreshP2PIndexes(market common.Address, ws *marketState) (poolSupplyIndex, poolBorrowIndex *big.Int, err error) {
	poolSupplyIndex, err = e.pool.SupplyIndex(market)
	if err != nil {
		return nil, nil, fmt.Errorf("pool supply index: %w", err)
	}
	poolBorrowIndex, err = e.pool.BorrowIndex(market)
	if err != nil {
		return nil, nil, fmt.Errorf("pool borrow index: %w", err)
	}
	if poolSupplyIndex == nil || poolSupplyIndex.Sign() == 0 || poolBorrowIndex == nil || poolBorrowIndex.Sign() == 0 {
		return nil, nil, fmt.Errorf("pool returned zero index for market %s", market.Hex())
	}

	supplyGrowth := wadDiv(poolSupplyIndex, ws.lastPoolSupplyIndex)
	borrowGrowth := wadDiv(poolBorrowIndex, ws.lastPoolBorrowIndex)
	if supplyGrowth.Cmp(wad) < 0 {
		supplyGrowth = new(big.Int).Set(wad)
	}
	if borrowGrowth.Cmp(supplyGrowth) < 0 {
		borrowGrowth = new(big.Int).Set(supplyGrowth)
	}

	spread := new(big.Int).Sub(borrowGrowth, supplyGrowth)
	midGrowth := new(big.Int).Add(supplyGrowth, bpsMul(spread, ws.params.P2PCursorBps))

	supplySideGrowth := safeSub(midGrowth, bpsMul(new(big.Int).Sub(midGrowth, supplyGrowth), ws.params.ReserveFactorBps))
	borrowSideGrowth := new(big.Int).Add(midGrowth, bpsMul(new(big.Int).Sub(borrowGrowth, midGrowth), ws.params.ReserveFactorBps))

	ws.p2pSupplyIndex = wadMul(ws.p2pSupplyIndex, supplySideGrowth)
	ws.p2pBorrowIndex = wadMul(ws.p2pBorrowIndex, borrowSideGrowth)
	ws.lastPoolSupplyIndex = new(big.Int).Set(poolSupplyIndex)
	ws.lastPoolBorrowIndex = new(big.Int).Set(poolBorrowIndex)

	return poolSupplyIndex, poolBorrowIndex, nil
}
