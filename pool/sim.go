package pool

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var wad = func() *big.Int {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)
	return v
}()

// MarketConfig seeds one simulated market.
type MarketConfig struct {
	// SupplyRatePerSecond and BorrowRatePerSecond are wad-scaled simple
	// per-second growth rates applied to the indexes.
	SupplyRatePerSecond *big.Int
	BorrowRatePerSecond *big.Int
	// InitialLiquidity is underlying cash available before any deposit.
	InitialLiquidity *big.Int
}

type simMarket struct {
	supplyIndex *big.Int
	borrowIndex *big.Int
	supplyRate  *big.Int
	borrowRate  *big.Int
	lastAccrual time.Time

	// Overlay account with the pool, in underlying.
	deposited *big.Int
	debt      *big.Int
	cash      *big.Int
}

// SimulatedPool is an interest-accruing stand-in for the underlying pooled
// market. Indexes grow linearly with wall-clock time at per-market rates. It
// satisfies the engine's Pool interface.
type SimulatedPool struct {
	mu      sync.Mutex
	markets map[common.Address]*simMarket
	now     func() time.Time
}

func NewSimulatedPool() *SimulatedPool {
	return &SimulatedPool{
		markets: make(map[common.Address]*simMarket),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests drive accrual deterministically
// through it.
func (p *SimulatedPool) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// CreateMarket registers a market with unit indexes.
func (p *SimulatedPool) CreateMarket(market common.Address, cfg MarketConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.markets[market]; ok {
		return fmt.Errorf("market %s already exists", market.Hex())
	}
	m := &simMarket{
		supplyIndex: new(big.Int).Set(wad),
		borrowIndex: new(big.Int).Set(wad),
		supplyRate:  big.NewInt(0),
		borrowRate:  big.NewInt(0),
		lastAccrual: p.now(),
		deposited:   big.NewInt(0),
		debt:        big.NewInt(0),
		cash:        big.NewInt(0),
	}
	if cfg.SupplyRatePerSecond != nil {
		m.supplyRate = new(big.Int).Set(cfg.SupplyRatePerSecond)
	}
	if cfg.BorrowRatePerSecond != nil {
		m.borrowRate = new(big.Int).Set(cfg.BorrowRatePerSecond)
	}
	if cfg.InitialLiquidity != nil {
		m.cash = new(big.Int).Set(cfg.InitialLiquidity)
	}
	p.markets[market] = m
	return nil
}

func (p *SimulatedPool) market(market common.Address) (*simMarket, error) {
	m, ok := p.markets[market]
	if !ok {
		return nil, fmt.Errorf("unknown market %s", market.Hex())
	}
	p.accrue(m)
	return m, nil
}

// accrue advances both indexes by rate * elapsed seconds.
func (p *SimulatedPool) accrue(m *simMarket) {
	now := p.now()
	elapsed := int64(now.Sub(m.lastAccrual) / time.Second)
	if elapsed <= 0 {
		return
	}
	m.lastAccrual = now
	seconds := big.NewInt(elapsed)
	growth := func(index, rate *big.Int) *big.Int {
		factor := new(big.Int).Mul(rate, seconds)
		factor.Add(factor, wad)
		scaled := new(big.Int).Mul(index, factor)
		return scaled.Quo(scaled, wad)
	}
	m.supplyIndex = growth(m.supplyIndex, m.supplyRate)
	m.borrowIndex = growth(m.borrowIndex, m.borrowRate)
}

func (p *SimulatedPool) SupplyIndex(market common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(m.supplyIndex), nil
}

func (p *SimulatedPool) BorrowIndex(market common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(m.borrowIndex), nil
}

func (p *SimulatedPool) Mint(market common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	m.deposited.Add(m.deposited, amount)
	m.cash.Add(m.cash, amount)
	return nil
}

func (p *SimulatedPool) RedeemUnderlying(market common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("redeem amount must be positive")
	}
	if amount.Cmp(m.deposited) > 0 {
		return fmt.Errorf("redeem %s exceeds deposit %s", amount, m.deposited)
	}
	if amount.Cmp(m.cash) > 0 {
		return fmt.Errorf("redeem %s exceeds pool cash %s", amount, m.cash)
	}
	m.deposited.Sub(m.deposited, amount)
	m.cash.Sub(m.cash, amount)
	return nil
}

func (p *SimulatedPool) Borrow(market common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("borrow amount must be positive")
	}
	if amount.Cmp(m.cash) > 0 {
		return fmt.Errorf("borrow %s exceeds pool cash %s", amount, m.cash)
	}
	m.debt.Add(m.debt, amount)
	m.cash.Sub(m.cash, amount)
	return nil
}

func (p *SimulatedPool) RepayBorrow(market common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("repay amount must be positive")
	}
	if amount.Cmp(m.debt) > 0 {
		return fmt.Errorf("repay %s exceeds debt %s", amount, m.debt)
	}
	m.debt.Sub(m.debt, amount)
	m.cash.Add(m.cash, amount)
	return nil
}

func (p *SimulatedPool) BorrowBalance(market common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(m.debt), nil
}

func (p *SimulatedPool) WithdrawableBalance(market common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(market)
	if err != nil {
		return nil, err
	}
	if m.deposited.Cmp(m.cash) > 0 {
		return new(big.Int).Set(m.cash), nil
	}
	return new(big.Int).Set(m.deposited), nil
}
