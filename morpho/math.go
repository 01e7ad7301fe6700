package morpho

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000") // 1e18 fixed-point scale
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// wadMul multiplies two wad-scaled values, truncating toward zero. Truncation
// matches the pool-side arithmetic so converted balances never exceed their
// source.
func wadMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, wad)
}

// wadDiv divides a by b in wad scale, truncating toward zero. b must be a live
// index; indexes start at the wad unit and never decrease, so a zero divisor is
// a programming error.
func wadDiv(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil || b.Sign() == 0 {
		panic("morpho: division by zero index")
	}
	numerator := new(big.Int).Mul(a, wad)
	return numerator.Quo(numerator, b)
}

// bpsMul applies a basis-point factor to a wad amount.
func bpsMul(a *big.Int, bps uint64) *big.Int {
	if a == nil || bps == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(a, new(big.Int).SetUint64(bps))
	return scaled.Quo(scaled, basisPoints)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func minBig3(a, b, c *big.Int) *big.Int {
	return minBig(minBig(a, b), c)
}

// safeSub returns a-b, flooring at zero instead of underflowing. Ledger fields
// are unsigned by contract; rounding dust on the subtrahend must never drive
// them negative.
func safeSub(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil {
		return new(big.Int).Set(a)
	}
	if a.Cmp(b) < 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(a, b)
}

func cloneBig(a *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a)
}
