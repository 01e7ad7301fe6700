package morpho

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Supply pulls amount underlying from the user and places it P2P first, pool
// second: consume the borrow delta, match borrowers-on-pool within the step
// budget, and deposit whatever remains on the pool.
func (e *Engine) Supply(market, user common.Address, amount *big.Int, budget uint64) error {
	if e.pool == nil {
		return errNilPool
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	ws, ctx, err := e.begin(market)
	if err != nil {
		return err
	}
	if ws.pauses.Supply {
		return errMarketPaused
	}
	before := e.markets[market]

	batch := newPoolBatch(market)
	if err := e.supplyLogic(ctx, batch, user, amount, budget); err != nil {
		return err
	}
	if err := batch.flush(e.pool); err != nil {
		return fmt.Errorf("supply: %w", err)
	}
	e.commit(market, ws)

	balance := ws.supplyBalance(user)
	e.emit(positionEvent(EventTypeSupplied, market, user, amount, balance.OnPool, balance.InP2P))
	e.emitLedgerChanges(market, before, ws)
	return nil
}

func (e *Engine) supplyLogic(ctx *matchingContext, batch *poolBatch, user common.Address, amount *big.Int, budget uint64) error {
	ws := ctx.ws
	remaining := cloneBig(amount)
	toRepay := big.NewInt(0)

	if !ws.params.NoP2P {
		// The borrow delta is pool debt nominally already P2P: repaying it
		// comes before matching live borrowers.
		if ws.p2pBorrowDelta.Sign() > 0 {
			deltaInUnderlying := wadMul(ws.p2pBorrowDelta, ctx.poolBorrowIndex)
			matchedDelta := minBig(deltaInUnderlying, remaining)
			if matchedDelta.Sign() > 0 {
				ws.p2pBorrowDelta = safeSub(ws.p2pBorrowDelta, wadDiv(matchedDelta, ctx.poolBorrowIndex))
				toRepay.Add(toRepay, matchedDelta)
				remaining.Sub(remaining, matchedDelta)
			}
		}
		if remaining.Sign() > 0 {
			matched := ctx.matchBorrowers(remaining, budget)
			toRepay.Add(toRepay, matched)
			remaining.Sub(remaining, matched)
		}
		if toRepay.Sign() > 0 {
			inP2P := wadDiv(toRepay, ws.p2pSupplyIndex)
			balance := ws.supplyBalance(user)
			balance.InP2P = new(big.Int).Add(balance.InP2P, inP2P)
			ws.p2pSupplyAmount.Add(ws.p2pSupplyAmount, inP2P)
			ctx.updateSupplierLists(user)

			poolDebt, err := e.pool.BorrowBalance(batch.market)
			if err != nil {
				return fmt.Errorf("pool borrow balance: %w", err)
			}
			// Never repay more than the overlay owes; any leftover stays as
			// surplus rather than bouncing back to the user.
			batch.repay(minBig(toRepay, poolDebt))
		}
	}

	if remaining.Sign() > 0 {
		balance := ws.supplyBalance(user)
		balance.OnPool = new(big.Int).Add(balance.OnPool, wadDiv(remaining, ctx.poolSupplyIndex))
		ctx.updateSupplierLists(user)
		batch.mint(remaining)
	}

	ws.entered[user] = true
	return nil
}

// Borrow draws amount underlying for the user, first from matched suppliers
// (supply delta, then suppliers-on-pool), then from the pool. The action fails
// upfront unless the user's debt stays within their collateral capacity.
func (e *Engine) Borrow(market, user common.Address, amount *big.Int, budget uint64) error {
	if e.pool == nil {
		return errNilPool
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	ws, ctx, err := e.begin(market)
	if err != nil {
		return err
	}
	if ws.pauses.Borrow {
		return errMarketPaused
	}
	before := e.markets[market]

	debtValue, maxDebtValue, err := e.userLiquidityState(user, market, nil, amount, map[common.Address]*marketState{market: ws})
	if err != nil {
		return err
	}
	if debtValue.Cmp(maxDebtValue) > 0 {
		return errDebtValueAboveMax
	}

	batch := newPoolBatch(market)
	if err := e.borrowLogic(ctx, batch, user, amount, budget); err != nil {
		return err
	}
	if err := batch.flush(e.pool); err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	e.commit(market, ws)

	balance := ws.borrowBalance(user)
	e.emit(positionEvent(EventTypeBorrowed, market, user, amount, balance.OnPool, balance.InP2P))
	e.emitLedgerChanges(market, before, ws)
	return nil
}

func (e *Engine) borrowLogic(ctx *matchingContext, batch *poolBatch, user common.Address, amount *big.Int, budget uint64) error {
	ws := ctx.ws
	remaining := cloneBig(amount)
	toWithdraw := big.NewInt(0)

	if !ws.params.NoP2P {
		// Matched volume is delivered by redeeming the counterparties' deposit
		// from the pool, so the match is bounded by the pool's liquidity; the
		// uncovered remainder is borrowed from the pool instead.
		withdrawable, err := e.pool.WithdrawableBalance(batch.market)
		if err != nil {
			return fmt.Errorf("pool withdrawable balance: %w", err)
		}
		if ws.p2pSupplyDelta.Sign() > 0 && withdrawable.Sign() > 0 {
			deltaInUnderlying := wadMul(ws.p2pSupplyDelta, ctx.poolSupplyIndex)
			matchedDelta := minBig3(deltaInUnderlying, remaining, withdrawable)
			if matchedDelta.Sign() > 0 {
				ws.p2pSupplyDelta = safeSub(ws.p2pSupplyDelta, wadDiv(matchedDelta, ctx.poolSupplyIndex))
				toWithdraw.Add(toWithdraw, matchedDelta)
				remaining.Sub(remaining, matchedDelta)
				withdrawable = safeSub(withdrawable, matchedDelta)
			}
		}
		if remaining.Sign() > 0 && withdrawable.Sign() > 0 {
			matched := ctx.matchSuppliers(minBig(remaining, withdrawable), budget)
			toWithdraw.Add(toWithdraw, matched)
			remaining.Sub(remaining, matched)
		}
		if toWithdraw.Sign() > 0 {
			inP2P := wadDiv(toWithdraw, ws.p2pBorrowIndex)
			balance := ws.borrowBalance(user)
			balance.InP2P = new(big.Int).Add(balance.InP2P, inP2P)
			ws.p2pBorrowAmount.Add(ws.p2pBorrowAmount, inP2P)
			ctx.updateBorrowerLists(user)

			// The pool rejects a zero-share redemption: when the matched
			// volume rounds to zero pool shares, skip the withdraw step.
			if wadDiv(toWithdraw, ctx.poolSupplyIndex).Sign() > 0 {
				batch.redeem(toWithdraw)
			}
		}
	}

	if remaining.Sign() > 0 {
		balance := ws.borrowBalance(user)
		balance.OnPool = new(big.Int).Add(balance.OnPool, wadDiv(remaining, ctx.poolBorrowIndex))
		ctx.updateBorrowerLists(user)
		batch.borrow(remaining)
	}

	ws.entered[user] = true
	return nil
}

// Withdraw releases up to amount of the supplier's position to the receiver.
// It drains the cheap on-pool balance first, then frees P2P volume by delta
// consumption and supplier replacement, and as a last resort unmatches
// borrowers back onto the pool, borrowing any shortfall itself.
func (e *Engine) Withdraw(market common.Address, amount *big.Int, supplier, receiver common.Address, budget uint64) error {
	if e.pool == nil {
		return errNilPool
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	ws, ctx, err := e.begin(market)
	if err != nil {
		return err
	}
	if ws.pauses.Withdraw {
		return errMarketPaused
	}
	before := e.markets[market]

	if wadDiv(amount, ctx.poolSupplyIndex).Sign() == 0 {
		return errWithdrawTooSmall
	}
	balance := ws.supplyBalance(supplier)
	total := new(big.Int).Add(wadMul(balance.OnPool, ctx.poolSupplyIndex), wadMul(balance.InP2P, ws.p2pSupplyIndex))
	if total.Sign() == 0 {
		return errUnknownUser
	}
	requested := minBig(amount, total)

	debtValue, maxDebtValue, err := e.userLiquidityState(supplier, market, requested, nil, map[common.Address]*marketState{market: ws})
	if err != nil {
		return err
	}
	if debtValue.Cmp(maxDebtValue) > 0 {
		return errDebtValueAboveMax
	}

	batch := newPoolBatch(market)
	if err := e.withdrawLogic(ctx, batch, supplier, requested, budget); err != nil {
		return err
	}
	if err := batch.flush(e.pool); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	e.commit(market, ws)

	e.emit(Event{
		Type: EventTypeWithdrawn,
		Attributes: map[string]string{
			"market":   market.Hex(),
			"user":     supplier.Hex(),
			"receiver": receiver.Hex(),
			"amount":   requested.String(),
			"onPool":   balance.OnPool.String(),
			"inP2P":    balance.InP2P.String(),
		},
	})
	e.emitLedgerChanges(market, before, ws)
	return nil
}

func (e *Engine) withdrawLogic(ctx *matchingContext, batch *poolBatch, supplier common.Address, amount *big.Int, budget uint64) error {
	ws := ctx.ws
	remaining := cloneBig(amount)
	balance := ws.supplyBalance(supplier)

	withdrawable, err := e.pool.WithdrawableBalance(batch.market)
	if err != nil {
		return fmt.Errorf("pool withdrawable balance: %w", err)
	}

	// Soft withdraw: reduce the on-pool balance directly, bounded by the
	// pool's available liquidity. No counterparty involved.
	if balance.OnPool.Sign() > 0 {
		onPoolInUnderlying := wadMul(balance.OnPool, ctx.poolSupplyIndex)
		toWithdraw := minBig3(onPoolInUnderlying, remaining, withdrawable)
		if toWithdraw.Sign() > 0 {
			balance.OnPool = safeSub(balance.OnPool, wadDiv(toWithdraw, ctx.poolSupplyIndex))
			remaining.Sub(remaining, toWithdraw)
			withdrawable = safeSub(withdrawable, toWithdraw)
			ctx.updateSupplierLists(supplier)
			batch.redeem(toWithdraw)
		}
		if remaining.Sign() == 0 {
			e.settleMembership(ws, supplier)
			return nil
		}
	}

	if ws.params.NoP2P {
		// Pool-only market with the pool liquidity exhausted: nothing left to
		// free up.
		return errInsufficientLiquidity
	}

	// Transfer withdraw: retire the supplier's P2P stake and re-source it
	// from the supply delta and other suppliers still on the pool.
	reduced := minBig(balance.InP2P, wadDiv(remaining, ws.p2pSupplyIndex))
	if reduced.Sign() > 0 {
		balance.InP2P = safeSub(balance.InP2P, reduced)
		ws.p2pSupplyAmount = safeSub(ws.p2pSupplyAmount, reduced)
		ctx.updateSupplierLists(supplier)
	}

	// Both legs below are funded by redeeming from the pool, so they are
	// bounded by the liquidity left after the soft withdraw; anything the pool
	// cannot cover falls through to the hard withdraw, which borrows it.
	toRedeem := big.NewInt(0)
	if ws.p2pSupplyDelta.Sign() > 0 && withdrawable.Sign() > 0 {
		deltaInUnderlying := wadMul(ws.p2pSupplyDelta, ctx.poolSupplyIndex)
		matchedDelta := minBig3(deltaInUnderlying, remaining, withdrawable)
		if matchedDelta.Sign() > 0 {
			ws.p2pSupplyDelta = safeSub(ws.p2pSupplyDelta, wadDiv(matchedDelta, ctx.poolSupplyIndex))
			toRedeem.Add(toRedeem, matchedDelta)
			remaining.Sub(remaining, matchedDelta)
			withdrawable = safeSub(withdrawable, matchedDelta)
		}
	}
	if remaining.Sign() > 0 && withdrawable.Sign() > 0 {
		matched := ctx.matchSuppliers(minBig(remaining, withdrawable), budget/2)
		toRedeem.Add(toRedeem, matched)
		remaining.Sub(remaining, matched)
		withdrawable = safeSub(withdrawable, matched)
	}
	if toRedeem.Sign() > 0 {
		batch.redeem(toRedeem)
	}
	if remaining.Sign() == 0 {
		e.settleMembership(ws, supplier)
		return nil
	}

	// Hard withdraw: move matched borrowers back onto the pool; whatever the
	// step budget could not unmatch becomes borrow delta, and the overlay
	// borrows the full remainder to make the receiver whole.
	unmatched := ctx.unmatchBorrowers(remaining, budget/2)
	if unmatched.Cmp(remaining) < 0 {
		shortfall := new(big.Int).Sub(remaining, unmatched)
		ws.p2pBorrowDelta.Add(ws.p2pBorrowDelta, wadDiv(shortfall, ctx.poolBorrowIndex))
	}
	batch.borrow(remaining)

	e.settleMembership(ws, supplier)
	return nil
}

// Repay pays down up to amount of the user's debt: on-pool debt first, then
// the P2P position, skimming the protocol fee before delta consumption and
// borrower replacement, and unmatching suppliers back onto the pool last.
func (e *Engine) Repay(market, user common.Address, amount *big.Int, budget uint64) error {
	if e.pool == nil {
		return errNilPool
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	ws, ctx, err := e.begin(market)
	if err != nil {
		return err
	}
	if ws.pauses.Repay {
		return errMarketPaused
	}
	before := e.markets[market]

	batch := newPoolBatch(market)
	repaid, err := e.repayLogic(ctx, batch, user, amount, budget)
	if err != nil {
		return err
	}
	if err := batch.flush(e.pool); err != nil {
		return fmt.Errorf("repay: %w", err)
	}
	e.commit(market, ws)

	balance := ws.borrowBalance(user)
	e.emit(positionEvent(EventTypeRepaid, market, user, repaid, balance.OnPool, balance.InP2P))
	e.emitLedgerChanges(market, before, ws)
	return nil
}

func (e *Engine) repayLogic(ctx *matchingContext, batch *poolBatch, user common.Address, amount *big.Int, budget uint64) (*big.Int, error) {
	ws := ctx.ws
	balance := ws.borrowBalance(user)
	total := new(big.Int).Add(wadMul(balance.OnPool, ctx.poolBorrowIndex), wadMul(balance.InP2P, ws.p2pBorrowIndex))
	if total.Sign() == 0 {
		return nil, errNoDebtToRepay
	}
	repaid := minBig(amount, total)
	remaining := cloneBig(repaid)

	poolDebt, err := e.pool.BorrowBalance(batch.market)
	if err != nil {
		return nil, fmt.Errorf("pool borrow balance: %w", err)
	}
	toRepayPool := big.NewInt(0)

	// Soft repay: clear the user's own on-pool debt first.
	if balance.OnPool.Sign() > 0 {
		onPoolInUnderlying := wadMul(balance.OnPool, ctx.poolBorrowIndex)
		toRepay := minBig(onPoolInUnderlying, remaining)
		if toRepay.Sign() > 0 {
			balance.OnPool = safeSub(balance.OnPool, wadDiv(toRepay, ctx.poolBorrowIndex))
			remaining.Sub(remaining, toRepay)
			toRepayPool.Add(toRepayPool, toRepay)
			ctx.updateBorrowerLists(user)
		}
		if remaining.Sign() == 0 {
			batch.repay(minBig(toRepayPool, poolDebt))
			e.settleMembership(ws, user)
			return repaid, nil
		}
	}

	if !ws.params.NoP2P {
		// Retire the user's P2P debt.
		reduced := minBig(balance.InP2P, wadDiv(remaining, ws.p2pBorrowIndex))
		if reduced.Sign() > 0 {
			balance.InP2P = safeSub(balance.InP2P, reduced)
			ws.p2pBorrowAmount = safeSub(ws.p2pBorrowAmount, reduced)
			ctx.updateBorrowerLists(user)
		}

		// The protocol fee is the spread between what P2P borrowers nominally
		// owe and what P2P suppliers are nominally owed, each net of the
		// volume resting on the pool. Skimmed before delta and peer matching;
		// reordering shifts who bears the rounding loss. The two sides are
		// signed and only the spread floors at zero.
		borrowSide := new(big.Int).Sub(
			wadMul(ws.p2pBorrowAmount, ws.p2pBorrowIndex),
			wadMul(ws.p2pBorrowDelta, ctx.poolBorrowIndex),
		)
		supplySide := new(big.Int).Sub(
			wadMul(ws.p2pSupplyAmount, ws.p2pSupplyIndex),
			wadMul(ws.p2pSupplyDelta, ctx.poolSupplyIndex),
		)
		fee := safeSub(borrowSide, supplySide)
		feeSkimmed := minBig(fee, remaining)
		if feeSkimmed.Sign() > 0 {
			ws.treasuryAccrued.Add(ws.treasuryAccrued, feeSkimmed)
			remaining.Sub(remaining, feeSkimmed)
		}

		if ws.p2pBorrowDelta.Sign() > 0 && remaining.Sign() > 0 {
			deltaInUnderlying := wadMul(ws.p2pBorrowDelta, ctx.poolBorrowIndex)
			matchedDelta := minBig(deltaInUnderlying, remaining)
			if matchedDelta.Sign() > 0 {
				ws.p2pBorrowDelta = safeSub(ws.p2pBorrowDelta, wadDiv(matchedDelta, ctx.poolBorrowIndex))
				toRepayPool.Add(toRepayPool, matchedDelta)
				remaining.Sub(remaining, matchedDelta)
			}
		}
		if remaining.Sign() > 0 {
			matched := ctx.matchBorrowers(remaining, budget/2)
			toRepayPool.Add(toRepayPool, matched)
			remaining.Sub(remaining, matched)
		}
		if toRepayPool.Sign() > 0 {
			batch.repay(minBig(toRepayPool, poolDebt))
		}
		if remaining.Sign() == 0 {
			e.settleMembership(ws, user)
			return repaid, nil
		}

		// Hard repay: move matched suppliers back onto the pool and deposit
		// the repaid cash there for them; the shortfall the budget could not
		// unmatch becomes supply delta.
		unmatched := ctx.unmatchSuppliers(remaining, budget/2)
		if unmatched.Cmp(remaining) < 0 {
			shortfall := new(big.Int).Sub(remaining, unmatched)
			ws.p2pSupplyDelta.Add(ws.p2pSupplyDelta, wadDiv(shortfall, ctx.poolSupplyIndex))
		}
		batch.mint(remaining)
	} else if toRepayPool.Sign() > 0 {
		batch.repay(minBig(toRepayPool, poolDebt))
	}

	e.settleMembership(ws, user)
	return repaid, nil
}

// settleMembership drops the user from the market once all four balances have
// decayed to zero.
func (e *Engine) settleMembership(ws *marketState, user common.Address) {
	if !ws.isMember(user) {
		delete(ws.entered, user)
	}
}
