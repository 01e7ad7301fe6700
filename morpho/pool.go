package morpho

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Pool is the underlying pooled lending market the overlay falls back to. All
// amounts are in underlying units; indexes are wad-scaled and non-decreasing.
// Every call may fail, and a failure aborts the whole user action: the overlay
// never retries a pool call.
type Pool interface {
	// SupplyIndex returns the current supply exchange rate for the market.
	SupplyIndex(market common.Address) (*big.Int, error)
	// BorrowIndex returns the current borrow index for the market.
	BorrowIndex(market common.Address) (*big.Int, error)

	// Mint deposits underlying on the pool for the overlay's own account.
	Mint(market common.Address, amount *big.Int) error
	// RedeemUnderlying withdraws underlying from the overlay's pool supply.
	RedeemUnderlying(market common.Address, amount *big.Int) error
	// Borrow draws underlying against the overlay's pool account.
	Borrow(market common.Address, amount *big.Int) error
	// RepayBorrow pays down the overlay's own pool debt.
	RepayBorrow(market common.Address, amount *big.Int) error

	// BorrowBalance returns the overlay's current pool debt in underlying.
	BorrowBalance(market common.Address) (*big.Int, error)
	// WithdrawableBalance returns the underlying liquidity the overlay could
	// withdraw from the pool right now.
	WithdrawableBalance(market common.Address) (*big.Int, error)
}

// poolBatch accumulates the pool traffic of one action against one market.
// Actions mutate a working copy of the ledger and flush the batch just before
// committing, so a rejected pool call leaves the ledger untouched.
type poolBatch struct {
	market  common.Address
	toRepay *big.Int
	toMint  *big.Int
	toRedem *big.Int
	toDraw  *big.Int
}

func newPoolBatch(market common.Address) *poolBatch {
	return &poolBatch{
		market:  market,
		toRepay: big.NewInt(0),
		toMint:  big.NewInt(0),
		toRedem: big.NewInt(0),
		toDraw:  big.NewInt(0),
	}
}

func (b *poolBatch) repay(amount *big.Int) { b.toRepay.Add(b.toRepay, amount) }
func (b *poolBatch) mint(amount *big.Int)  { b.toMint.Add(b.toMint, amount) }
func (b *poolBatch) redeem(amount *big.Int) {
	b.toRedem.Add(b.toRedem, amount)
}
func (b *poolBatch) borrow(amount *big.Int) { b.toDraw.Add(b.toDraw, amount) }

// flush issues the accumulated calls. Inflows run before outflows so the
// redeemed or borrowed liquidity is never constrained by this action's own
// deposits still being pending.
func (b *poolBatch) flush(p Pool) error {
	if b.toRepay.Sign() > 0 {
		if err := p.RepayBorrow(b.market, b.toRepay); err != nil {
			return err
		}
	}
	if b.toMint.Sign() > 0 {
		if err := p.Mint(b.market, b.toMint); err != nil {
			return err
		}
	}
	if b.toRedem.Sign() > 0 {
		if err := p.RedeemUnderlying(b.market, b.toRedem); err != nil {
			return err
		}
	}
	if b.toDraw.Sign() > 0 {
		if err := p.Borrow(b.market, b.toDraw); err != nil {
			return err
		}
	}
	return nil
}
