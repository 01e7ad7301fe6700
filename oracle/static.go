package oracle

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// StaticOracle quotes operator-set prices in a common reference currency. It
// satisfies the engine's Oracle interface; prices are wad-scaled.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[common.Address]*big.Int)}
}

// SetPrice installs or replaces a market price. Non-positive prices are
// rejected: a zero price would break every health evaluation downstream.
func (o *StaticOracle) SetPrice(market common.Address, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("price for %s must be positive", market.Hex())
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[market] = new(big.Int).Set(price)
	return nil
}

// Price returns the stored price for a market.
func (o *StaticOracle) Price(market common.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[market]
	if !ok {
		return nil, fmt.Errorf("no price for market %s", market.Hex())
	}
	return new(big.Int).Set(price), nil
}
