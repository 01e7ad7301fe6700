package store

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/HilliamT/morpho-v1/morpho"
)

func wadAmount(units int64) *big.Int {
	scale, _ := new(big.Int).SetString("1000000000000000000", 10)
	return new(big.Int).Mul(big.NewInt(units), scale)
}

func sampleSnapshot() morpho.MarketSnapshot {
	return morpho.MarketSnapshot{
		Market: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Params: morpho.MarketParams{
			CollateralFactorBps: 8_000,
			ReserveFactorBps:    1_000,
			P2PCursorBps:        5_000,
		},
		Pauses:              morpho.ActionPauses{Borrow: true},
		P2PSupplyIndex:      wadAmount(1),
		P2PBorrowIndex:      wadAmount(1),
		LastPoolSupplyIndex: wadAmount(1),
		LastPoolBorrowIndex: wadAmount(1),
		P2PSupplyDelta:      wadAmount(5),
		P2PBorrowDelta:      big.NewInt(0),
		P2PSupplyAmount:     wadAmount(40),
		P2PBorrowAmount:     wadAmount(40),
		TreasuryAccrued:     big.NewInt(123),
		Users: []morpho.UserSnapshot{
			{
				User:         common.HexToAddress("0x0000000000000000000000000000000000000001"),
				SupplyOnPool: wadAmount(10),
				SupplyInP2P:  wadAmount(40),
				BorrowOnPool: big.NewInt(0),
				BorrowInP2P:  big.NewInt(0),
			},
		},
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	want := sampleSnapshot()

	require.NoError(t, store.Save([]morpho.MarketSnapshot{want}))

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want.Market, got[0].Market)
	require.Equal(t, want.Params, got[0].Params)
	require.Equal(t, want.Pauses, got[0].Pauses)
	require.Zero(t, want.P2PSupplyDelta.Cmp(got[0].P2PSupplyDelta))
	require.Zero(t, want.TreasuryAccrued.Cmp(got[0].TreasuryAccrued))
	require.Len(t, got[0].Users, 1)
	require.Equal(t, want.Users[0].User, got[0].Users[0].User)
	require.Zero(t, want.Users[0].SupplyInP2P.Cmp(got[0].Users[0].SupplyInP2P))
}

func TestSnapshotStoreEmptyDatabase(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	got, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSnapshotStoreSaveReplacesIndex(t *testing.T) {
	db := NewMemDB()
	store := NewSnapshotStore(db)
	first := sampleSnapshot()
	require.NoError(t, store.Save([]morpho.MarketSnapshot{first}))

	second := sampleSnapshot()
	second.Market = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	require.NoError(t, store.Save([]morpho.MarketSnapshot{second}))

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, second.Market, got[0].Market)
}

func TestSnapshotStoreRejectsOversizedAmounts(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	snapshot := sampleSnapshot()
	snapshot.TreasuryAccrued = new(big.Int).Lsh(big.NewInt(1), 256)
	require.Error(t, store.Save([]morpho.MarketSnapshot{snapshot}))
}

func TestSnapshotStoreRejectsNegativeAmounts(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	snapshot := sampleSnapshot()
	snapshot.Users[0].BorrowOnPool = big.NewInt(-1)
	require.Error(t, store.Save([]morpho.MarketSnapshot{snapshot}))
}

func TestSnapshotStoreRejectsCorruptRecord(t *testing.T) {
	db := NewMemDB()
	store := NewSnapshotStore(db)
	require.NoError(t, store.Save([]morpho.MarketSnapshot{sampleSnapshot()}))

	market := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	require.NoError(t, db.Put(marketKey(market), []byte(`{"p2pSupplyIndex":"not-a-number"}`)))

	_, err := store.Load()
	require.Error(t, err)
}
