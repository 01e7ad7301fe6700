package morpho

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Liquidate lets the liquidator repay part of an underwater borrower's debt in
// exchange for a discounted share of their collateral. It composes a repay on
// the borrowed market with a withdraw on the collateral market and returns the
// seized collateral amount.
func (e *Engine) Liquidate(borrowedMarket, collateralMarket common.Address, borrower, liquidator common.Address, amount *big.Int, budget uint64) (*big.Int, error) {
	if e.pool == nil {
		return nil, errNilPool
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	borrowedWS, borrowedCtx, err := e.begin(borrowedMarket)
	if err != nil {
		return nil, err
	}
	collateralWS, collateralCtx := borrowedWS, borrowedCtx
	if collateralMarket != borrowedMarket {
		collateralWS, collateralCtx, err = e.begin(collateralMarket)
		if err != nil {
			return nil, err
		}
	}
	if borrowedWS.pauses.Liquidate || collateralWS.pauses.Liquidate {
		return nil, errMarketPaused
	}
	borrowedBefore := e.markets[borrowedMarket]
	collateralBefore := e.markets[collateralMarket]

	overrides := map[common.Address]*marketState{
		borrowedMarket:   borrowedWS,
		collateralMarket: collateralWS,
	}
	debtValue, maxDebtValue, err := e.userLiquidityState(borrower, borrowedMarket, nil, nil, overrides)
	if err != nil {
		return nil, err
	}
	if debtValue.Cmp(maxDebtValue) <= 0 {
		return nil, errDebtValueNotAboveMax
	}

	borrowBalance := borrowedWS.borrowBalance(borrower)
	totalDebt := new(big.Int).Add(
		wadMul(borrowBalance.OnPool, borrowedCtx.poolBorrowIndex),
		wadMul(borrowBalance.InP2P, borrowedWS.p2pBorrowIndex),
	)
	maxRepay := bpsMul(totalDebt, e.params.CloseFactorBps)
	if amount.Cmp(maxRepay) > 0 {
		return nil, errRepayAboveCloseFactor
	}

	borrowedBatch := newPoolBatch(borrowedMarket)
	if _, err := e.repayLogic(borrowedCtx, borrowedBatch, borrower, amount, budget); err != nil {
		return nil, err
	}

	priceBorrowed, err := e.oraclePrice(borrowedMarket)
	if err != nil {
		return nil, err
	}
	priceCollateral, err := e.oraclePrice(collateralMarket)
	if err != nil {
		return nil, err
	}

	seize := bpsMul(wadDiv(wadMul(amount, priceBorrowed), priceCollateral), e.params.LiquidationIncentiveBps)

	supplyBalance := collateralWS.supplyBalance(borrower)
	collateral := new(big.Int).Add(
		wadMul(supplyBalance.OnPool, collateralCtx.poolSupplyIndex),
		wadMul(supplyBalance.InP2P, collateralWS.p2pSupplyIndex),
	)
	if seize.Cmp(collateral) > 0 {
		return nil, errToSeizeAboveCollateral
	}

	collateralBatch := newPoolBatch(collateralMarket)
	if err := e.withdrawLogic(collateralCtx, collateralBatch, borrower, seize, budget); err != nil {
		return nil, err
	}

	if err := borrowedBatch.flush(e.pool); err != nil {
		return nil, fmt.Errorf("liquidate: repay leg: %w", err)
	}
	if err := collateralBatch.flush(e.pool); err != nil {
		return nil, fmt.Errorf("liquidate: seize leg: %w", err)
	}
	e.commit(borrowedMarket, borrowedWS)
	e.commit(collateralMarket, collateralWS)

	e.emit(Event{
		Type: EventTypeLiquidated,
		Attributes: map[string]string{
			"borrowedMarket":   borrowedMarket.Hex(),
			"collateralMarket": collateralMarket.Hex(),
			"borrower":         borrower.Hex(),
			"liquidator":       liquidator.Hex(),
			"repaid":           amount.String(),
			"seized":           seize.String(),
		},
	})
	e.emitLedgerChanges(borrowedMarket, borrowedBefore, borrowedWS)
	if collateralMarket != borrowedMarket {
		e.emitLedgerChanges(collateralMarket, collateralBefore, collateralWS)
	}
	return seize, nil
}

func (e *Engine) oraclePrice(market common.Address) (*big.Int, error) {
	if e.oracle == nil {
		return nil, errNilOracle
	}
	price, err := e.oracle.Price(market)
	if err != nil {
		return nil, fmt.Errorf("oracle price for %s: %w", market.Hex(), err)
	}
	if price == nil || price.Sign() == 0 {
		return nil, errOraclePriceZero
	}
	return price, nil
}
