package morpho

import (
	"errors"
	"math/big"
	"testing"
)

// underwaterBorrower sets Bob up with 100 ETH collateral and an 80 USD debt at
// the borrow cap, then drops the ETH price so the position is liquidatable.
func underwaterBorrower(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.engine.Supply(marketETH, bob, wadAmount(100), DefaultMatchingBudget); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := f.engine.Borrow(marketUSD, bob, wadAmount(80), DefaultMatchingBudget); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.oracle.setPrice(marketETH, wadRatio(80, 100))
}

func TestLiquidateHealthyBorrowerRejected(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Supply(marketETH, bob, wadAmount(100), DefaultMatchingBudget); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := f.engine.Borrow(marketUSD, bob, wadAmount(40), DefaultMatchingBudget); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, err := f.engine.Liquidate(marketUSD, marketETH, bob, dave, wadAmount(20), DefaultMatchingBudget)
	if !errors.Is(err, errDebtValueNotAboveMax) {
		t.Fatalf("expected errDebtValueNotAboveMax, got %v", err)
	}
}

func TestLiquidateEnforcesCloseFactor(t *testing.T) {
	f := newFixture(t)
	underwaterBorrower(t, f)

	// The close factor caps the repay at half of Bob's 80 debt.
	_, err := f.engine.Liquidate(marketUSD, marketETH, bob, dave, wadAmount(41), DefaultMatchingBudget)
	if !errors.Is(err, errRepayAboveCloseFactor) {
		t.Fatalf("expected errRepayAboveCloseFactor, got %v", err)
	}
}

func TestLiquidateRepaysDebtAndSeizesCollateral(t *testing.T) {
	f := newFixture(t)
	underwaterBorrower(t, f)

	seized, err := f.engine.Liquidate(marketUSD, marketETH, bob, dave, wadAmount(40), DefaultMatchingBudget)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// 40 USD at the 108% incentive buys 40 / 0.80 * 1.08 = 54 ETH.
	requireBig(t, "seized", seized, wadAmount(54))

	borrowPos := f.position(t, marketUSD, bob)
	requireBig(t, "bob remaining debt", borrowPos.BorrowOnPool, wadAmount(40))

	collateralPos := f.position(t, marketETH, bob)
	requireBig(t, "bob remaining collateral", collateralPos.SupplyOnPool, wadAmount(46))

	// The repay leg closed 40 of the overlay's 80 pool debt; the seize leg
	// redeemed 54 of the 100 pool deposit.
	requireBig(t, "pool debt", f.pool.debt[marketUSD], wadAmount(40))
	requireBig(t, "pool deposit", f.pool.minted[marketETH], wadAmount(46))

	if events := f.sink.byType(EventTypeLiquidated); len(events) != 1 {
		t.Fatalf("expected one liquidation event, got %d", len(events))
	} else {
		attrs := events[0].Attributes
		if attrs["borrower"] != bob.Hex() || attrs["liquidator"] != dave.Hex() {
			t.Fatalf("unexpected event attributes: %v", attrs)
		}
		if attrs["seized"] != wadAmount(54).String() {
			t.Fatalf("seized attribute = %s", attrs["seized"])
		}
	}
}

func TestLiquidateRejectsSeizeAboveCollateral(t *testing.T) {
	f := newFixture(t)
	underwaterBorrower(t, f)

	// At a deep enough price crash the incentive-scaled seize exceeds what
	// Bob holds.
	f.oracle.setPrice(marketETH, wadRatio(30, 100))
	_, err := f.engine.Liquidate(marketUSD, marketETH, bob, dave, wadAmount(40), DefaultMatchingBudget)
	if !errors.Is(err, errToSeizeAboveCollateral) {
		t.Fatalf("expected errToSeizeAboveCollateral, got %v", err)
	}
}

func TestLiquidatePausedMarketRejected(t *testing.T) {
	f := newFixture(t)
	underwaterBorrower(t, f)
	if err := f.engine.SetMarketPauses(marketETH, ActionPauses{Liquidate: true}); err != nil {
		t.Fatalf("set pauses: %v", err)
	}

	_, err := f.engine.Liquidate(marketUSD, marketETH, bob, dave, wadAmount(40), DefaultMatchingBudget)
	if !errors.Is(err, errMarketPaused) {
		t.Fatalf("expected errMarketPaused, got %v", err)
	}
}

func TestLiquidateUnmatchesMatchedDebt(t *testing.T) {
	f := newFixture(t)
	// Alice supplies USD so Bob's debt is fully matched before the crash.
	if err := f.engine.Supply(marketUSD, alice, wadAmount(80), DefaultMatchingBudget); err != nil {
		t.Fatalf("supply: %v", err)
	}
	underwaterBorrower(t, f)

	seized, err := f.engine.Liquidate(marketUSD, marketETH, bob, dave, wadAmount(40), DefaultMatchingBudget)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	requireBig(t, "seized", seized, wadAmount(54))

	// The repaid 40 frees matched volume: a replacement borrower does not
	// exist, so Alice's claim moves back toward the pool as supply-side
	// liquidity.
	borrowPos := f.position(t, marketUSD, bob)
	requireBig(t, "bob debt in p2p", borrowPos.BorrowInP2P, wadAmount(40))
	requireBig(t, "bob debt on pool", borrowPos.BorrowOnPool, big.NewInt(0))
	requireLedgerBalanced(t, f, marketUSD)

	info := f.marketInfo(t, marketUSD)
	requireBig(t, "p2p borrow amount", info.P2PBorrowAmount, wadAmount(40))
}
