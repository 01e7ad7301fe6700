package morpho

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// MarketSnapshot is the serialisable form of one market's ledger, produced by
// ExportState and accepted by ImportState. Registry order is not part of the
// snapshot: the sorted lists are rebuilt from the balances on import.
type MarketSnapshot struct {
	Market common.Address
	Params MarketParams
	Pauses ActionPauses

	P2PSupplyIndex      *big.Int
	P2PBorrowIndex      *big.Int
	LastPoolSupplyIndex *big.Int
	LastPoolBorrowIndex *big.Int
	P2PSupplyDelta      *big.Int
	P2PBorrowDelta      *big.Int
	P2PSupplyAmount     *big.Int
	P2PBorrowAmount     *big.Int
	TreasuryAccrued     *big.Int

	Users []UserSnapshot
}

// UserSnapshot carries one user's four balances in a market.
type UserSnapshot struct {
	User         common.Address
	SupplyOnPool *big.Int
	SupplyInP2P  *big.Int
	BorrowOnPool *big.Int
	BorrowInP2P  *big.Int
}

// ExportState captures every market ledger for persistence.
func (e *Engine) ExportState() []MarketSnapshot {
	snapshots := make([]MarketSnapshot, 0, len(e.markets))
	for _, market := range e.Markets() {
		state := e.markets[market]
		snapshot := MarketSnapshot{
			Market:              market,
			Params:              state.params,
			Pauses:              state.pauses,
			P2PSupplyIndex:      cloneBig(state.p2pSupplyIndex),
			P2PBorrowIndex:      cloneBig(state.p2pBorrowIndex),
			LastPoolSupplyIndex: cloneBig(state.lastPoolSupplyIndex),
			LastPoolBorrowIndex: cloneBig(state.lastPoolBorrowIndex),
			P2PSupplyDelta:      cloneBig(state.p2pSupplyDelta),
			P2PBorrowDelta:      cloneBig(state.p2pBorrowDelta),
			P2PSupplyAmount:     cloneBig(state.p2pSupplyAmount),
			P2PBorrowAmount:     cloneBig(state.p2pBorrowAmount),
			TreasuryAccrued:     cloneBig(state.treasuryAccrued),
		}

		users := make(map[common.Address]*UserSnapshot)
		ensure := func(user common.Address) *UserSnapshot {
			if existing, ok := users[user]; ok {
				return existing
			}
			entry := &UserSnapshot{
				User:         user,
				SupplyOnPool: big.NewInt(0),
				SupplyInP2P:  big.NewInt(0),
				BorrowOnPool: big.NewInt(0),
				BorrowInP2P:  big.NewInt(0),
			}
			users[user] = entry
			return entry
		}
		for user, balance := range state.supplyBalances {
			if balance.OnPool.Sign() == 0 && balance.InP2P.Sign() == 0 {
				continue
			}
			entry := ensure(user)
			entry.SupplyOnPool = cloneBig(balance.OnPool)
			entry.SupplyInP2P = cloneBig(balance.InP2P)
		}
		for user, balance := range state.borrowBalances {
			if balance.OnPool.Sign() == 0 && balance.InP2P.Sign() == 0 {
				continue
			}
			entry := ensure(user)
			entry.BorrowOnPool = cloneBig(balance.OnPool)
			entry.BorrowInP2P = cloneBig(balance.InP2P)
		}

		snapshot.Users = make([]UserSnapshot, 0, len(users))
		for _, entry := range users {
			snapshot.Users = append(snapshot.Users, *entry)
		}
		sort.Slice(snapshot.Users, func(i, j int) bool {
			return snapshot.Users[i].User.Hex() < snapshot.Users[j].User.Hex()
		})
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// ImportState replaces the engine's markets with the snapshot contents,
// rebuilding the sorted registries from the restored balances.
func (e *Engine) ImportState(snapshots []MarketSnapshot) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	markets := make(map[common.Address]*marketState, len(snapshots))
	for _, snapshot := range snapshots {
		if _, ok := markets[snapshot.Market]; ok {
			return fmt.Errorf("duplicate market %s in snapshot", snapshot.Market.Hex())
		}
		state := newMarketState(snapshot.Params, snapshot.LastPoolSupplyIndex, snapshot.LastPoolBorrowIndex)
		state.pauses = snapshot.Pauses
		state.p2pSupplyIndex = cloneBig(snapshot.P2PSupplyIndex)
		state.p2pBorrowIndex = cloneBig(snapshot.P2PBorrowIndex)
		state.p2pSupplyDelta = cloneBig(snapshot.P2PSupplyDelta)
		state.p2pBorrowDelta = cloneBig(snapshot.P2PBorrowDelta)
		state.p2pSupplyAmount = cloneBig(snapshot.P2PSupplyAmount)
		state.p2pBorrowAmount = cloneBig(snapshot.P2PBorrowAmount)
		state.treasuryAccrued = cloneBig(snapshot.TreasuryAccrued)
		if state.p2pSupplyIndex.Sign() == 0 || state.p2pBorrowIndex.Sign() == 0 {
			return fmt.Errorf("market %s snapshot has zero P2P index", snapshot.Market.Hex())
		}

		for _, user := range snapshot.Users {
			supply := state.supplyBalance(user.User)
			supply.OnPool = cloneBig(user.SupplyOnPool)
			supply.InP2P = cloneBig(user.SupplyInP2P)
			borrow := state.borrowBalance(user.User)
			borrow.OnPool = cloneBig(user.BorrowOnPool)
			borrow.InP2P = cloneBig(user.BorrowInP2P)
			if supply.OnPool.Sign() < 0 || supply.InP2P.Sign() < 0 || borrow.OnPool.Sign() < 0 || borrow.InP2P.Sign() < 0 {
				return fmt.Errorf("negative balance for user %s in market %s", user.User.Hex(), snapshot.Market.Hex())
			}
			if state.isMember(user.User) {
				state.entered[user.User] = true
			}
			state.suppliersOnPool.InsertSorted(user.User, supply.OnPool, ^uint64(0))
			state.suppliersInP2P.InsertSorted(user.User, supply.InP2P, ^uint64(0))
			state.borrowersOnPool.InsertSorted(user.User, borrow.OnPool, ^uint64(0))
			state.borrowersInP2P.InsertSorted(user.User, borrow.InP2P, ^uint64(0))
		}
		markets[snapshot.Market] = state
	}
	e.markets = markets
	return nil
}
