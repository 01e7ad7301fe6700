package morpho

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// matchingContext carries the state one action needs while walking the
// registries: the working ledger copy and the pool indexes read once at the
// start of the action.
type matchingContext struct {
	ws              *marketState
	poolSupplyIndex *big.Int
	poolBorrowIndex *big.Int
	maxInsert       uint64
}

// matchSuppliers moves volume from suppliers-on-pool into P2P, draining from
// the largest on-pool balance. It never fails; it stops when the requested
// amount is matched, the registry is exhausted, or the step budget runs out,
// and returns the total underlying matched (<= amount).
func (c *matchingContext) matchSuppliers(amount *big.Int, budget uint64) *big.Int {
	matched := big.NewInt(0)
	remaining := new(big.Int).Set(amount)

	for steps := uint64(0); steps < budget && remaining.Sign() > 0; steps++ {
		user := c.ws.suppliersOnPool.Head()
		if user == zeroAddress {
			break
		}
		balance := c.ws.supplyBalance(user)
		inUnderlying := wadMul(balance.OnPool, c.poolSupplyIndex)
		toMatch := minBig(inUnderlying, remaining)
		if toMatch.Sign() == 0 {
			break
		}

		inP2P := wadDiv(toMatch, c.ws.p2pSupplyIndex)
		balance.OnPool = safeSub(balance.OnPool, wadDiv(toMatch, c.poolSupplyIndex))
		balance.InP2P = new(big.Int).Add(balance.InP2P, inP2P)
		c.ws.p2pSupplyAmount.Add(c.ws.p2pSupplyAmount, inP2P)
		c.updateSupplierLists(user)

		matched.Add(matched, toMatch)
		remaining.Sub(remaining, toMatch)
	}
	return matched
}

// unmatchSuppliers is the inverse of matchSuppliers: it moves P2P supply
// volume back onto the pool, draining from the largest P2P balance. The
// shortfall between the requested amount and the returned total becomes a
// supply delta in the caller.
func (c *matchingContext) unmatchSuppliers(amount *big.Int, budget uint64) *big.Int {
	unmatched := big.NewInt(0)
	remaining := new(big.Int).Set(amount)

	for steps := uint64(0); steps < budget && remaining.Sign() > 0; steps++ {
		user := c.ws.suppliersInP2P.Head()
		if user == zeroAddress {
			break
		}
		balance := c.ws.supplyBalance(user)
		inUnderlying := wadMul(balance.InP2P, c.ws.p2pSupplyIndex)
		toUnmatch := minBig(inUnderlying, remaining)
		if toUnmatch.Sign() == 0 {
			break
		}

		inP2P := wadDiv(toUnmatch, c.ws.p2pSupplyIndex)
		balance.InP2P = safeSub(balance.InP2P, inP2P)
		balance.OnPool = new(big.Int).Add(balance.OnPool, wadDiv(toUnmatch, c.poolSupplyIndex))
		c.ws.p2pSupplyAmount = safeSub(c.ws.p2pSupplyAmount, inP2P)
		c.updateSupplierLists(user)

		unmatched.Add(unmatched, toUnmatch)
		remaining.Sub(remaining, toUnmatch)
	}
	return unmatched
}

// matchBorrowers mirrors matchSuppliers on the borrow side: borrowers-on-pool
// are moved into P2P, largest debt first.
func (c *matchingContext) matchBorrowers(amount *big.Int, budget uint64) *big.Int {
	matched := big.NewInt(0)
	remaining := new(big.Int).Set(amount)

	for steps := uint64(0); steps < budget && remaining.Sign() > 0; steps++ {
		user := c.ws.borrowersOnPool.Head()
		if user == zeroAddress {
			break
		}
		balance := c.ws.borrowBalance(user)
		inUnderlying := wadMul(balance.OnPool, c.poolBorrowIndex)
		toMatch := minBig(inUnderlying, remaining)
		if toMatch.Sign() == 0 {
			break
		}

		inP2P := wadDiv(toMatch, c.ws.p2pBorrowIndex)
		balance.OnPool = safeSub(balance.OnPool, wadDiv(toMatch, c.poolBorrowIndex))
		balance.InP2P = new(big.Int).Add(balance.InP2P, inP2P)
		c.ws.p2pBorrowAmount.Add(c.ws.p2pBorrowAmount, inP2P)
		c.updateBorrowerLists(user)

		matched.Add(matched, toMatch)
		remaining.Sub(remaining, toMatch)
	}
	return matched
}

// unmatchBorrowers moves P2P borrow volume back onto the pool. The caller
// records any shortfall as a borrow delta.
func (c *matchingContext) unmatchBorrowers(amount *big.Int, budget uint64) *big.Int {
	unmatched := big.NewInt(0)
	remaining := new(big.Int).Set(amount)

	for steps := uint64(0); steps < budget && remaining.Sign() > 0; steps++ {
		user := c.ws.borrowersInP2P.Head()
		if user == zeroAddress {
			break
		}
		balance := c.ws.borrowBalance(user)
		inUnderlying := wadMul(balance.InP2P, c.ws.p2pBorrowIndex)
		toUnmatch := minBig(inUnderlying, remaining)
		if toUnmatch.Sign() == 0 {
			break
		}

		inP2P := wadDiv(toUnmatch, c.ws.p2pBorrowIndex)
		balance.InP2P = safeSub(balance.InP2P, inP2P)
		balance.OnPool = new(big.Int).Add(balance.OnPool, wadDiv(toUnmatch, c.poolBorrowIndex))
		c.ws.p2pBorrowAmount = safeSub(c.ws.p2pBorrowAmount, inP2P)
		c.updateBorrowerLists(user)

		unmatched.Add(unmatched, toUnmatch)
		remaining.Sub(remaining, toUnmatch)
	}
	return unmatched
}

// updateSupplierLists re-seats the user in both supply-side registries after a
// balance change: present with their current balance when it is nonzero,
// absent otherwise.
func (c *matchingContext) updateSupplierLists(user common.Address) {
	balance := c.ws.supplyBalance(user)
	c.ws.suppliersOnPool.Remove(user)
	if balance.OnPool.Sign() > 0 {
		c.ws.suppliersOnPool.InsertSorted(user, balance.OnPool, c.maxInsert)
	}
	c.ws.suppliersInP2P.Remove(user)
	if balance.InP2P.Sign() > 0 {
		c.ws.suppliersInP2P.InsertSorted(user, balance.InP2P, c.maxInsert)
	}
}

func (c *matchingContext) updateBorrowerLists(user common.Address) {
	balance := c.ws.borrowBalance(user)
	c.ws.borrowersOnPool.Remove(user)
	if balance.OnPool.Sign() > 0 {
		c.ws.borrowersOnPool.InsertSorted(user, balance.OnPool, c.maxInsert)
	}
	c.ws.borrowersInP2P.Remove(user)
	if balance.InP2P.Sign() > 0 {
		c.ws.borrowersInP2P.InsertSorted(user, balance.InP2P, c.maxInsert)
	}
}
