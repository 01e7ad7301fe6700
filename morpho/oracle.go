package morpho

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Oracle supplies per-market prices in wad-scaled units of the reference
// currency. A zero price is treated as an oracle failure by every consumer.
type Oracle interface {
	Price(market common.Address) (*big.Int, error)
}
