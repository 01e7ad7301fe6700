package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/HilliamT/morpho-v1/morpho"
)

const (
	indexKey        = "morpho/markets"
	marketKeyPrefix = "morpho/market/"
)

// SnapshotStore persists engine state snapshots in a key-value database. Each
// market is stored under its own key; an index key lists the stored markets.
type SnapshotStore struct {
	db Database
}

func NewSnapshotStore(db Database) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// marketRecord is the wire form of one market snapshot. Amounts are decimal
// strings: JSON numbers cannot carry 256-bit values.
type marketRecord struct {
	Market              string       `json:"market"`
	CollateralFactorBps uint64       `json:"collateralFactorBps"`
	ReserveFactorBps    uint64       `json:"reserveFactorBps"`
	P2PCursorBps        uint64       `json:"p2pCursorBps"`
	NoP2P               bool         `json:"noP2P,omitempty"`
	Pauses              pausesRecord `json:"pauses"`
	P2PSupplyIndex      string       `json:"p2pSupplyIndex"`
	P2PBorrowIndex      string       `json:"p2pBorrowIndex"`
	LastPoolSupplyIndex string       `json:"lastPoolSupplyIndex"`
	LastPoolBorrowIndex string       `json:"lastPoolBorrowIndex"`
	P2PSupplyDelta      string       `json:"p2pSupplyDelta"`
	P2PBorrowDelta      string       `json:"p2pBorrowDelta"`
	P2PSupplyAmount     string       `json:"p2pSupplyAmount"`
	P2PBorrowAmount     string       `json:"p2pBorrowAmount"`
	TreasuryAccrued     string       `json:"treasuryAccrued"`
	Users               []userRecord `json:"users"`
}

type pausesRecord struct {
	Supply    bool `json:"supply,omitempty"`
	Borrow    bool `json:"borrow,omitempty"`
	Withdraw  bool `json:"withdraw,omitempty"`
	Repay     bool `json:"repay,omitempty"`
	Liquidate bool `json:"liquidate,omitempty"`
}

type userRecord struct {
	User         string `json:"user"`
	SupplyOnPool string `json:"supplyOnPool"`
	SupplyInP2P  string `json:"supplyInP2P"`
	BorrowOnPool string `json:"borrowOnPool"`
	BorrowInP2P  string `json:"borrowInP2P"`
}

// Save writes the snapshots and replaces the market index.
func (s *SnapshotStore) Save(snapshots []morpho.MarketSnapshot) error {
	markets := make([]string, 0, len(snapshots))
	for _, snapshot := range snapshots {
		record, err := encodeMarket(snapshot)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal market %s: %w", snapshot.Market.Hex(), err)
		}
		if err := s.db.Put(marketKey(snapshot.Market), payload); err != nil {
			return fmt.Errorf("store market %s: %w", snapshot.Market.Hex(), err)
		}
		markets = append(markets, snapshot.Market.Hex())
	}
	index, err := json.Marshal(markets)
	if err != nil {
		return fmt.Errorf("marshal market index: %w", err)
	}
	if err := s.db.Put([]byte(indexKey), index); err != nil {
		return fmt.Errorf("store market index: %w", err)
	}
	return nil
}

// Load reads every stored market snapshot. A database with no index yields an
// empty slice, not an error.
func (s *SnapshotStore) Load() ([]morpho.MarketSnapshot, error) {
	payload, err := s.db.Get([]byte(indexKey))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load market index: %w", err)
	}
	var markets []string
	if err := json.Unmarshal(payload, &markets); err != nil {
		return nil, fmt.Errorf("decode market index: %w", err)
	}

	snapshots := make([]morpho.MarketSnapshot, 0, len(markets))
	for _, hex := range markets {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("invalid market address %q in index", hex)
		}
		market := common.HexToAddress(hex)
		raw, err := s.db.Get(marketKey(market))
		if err != nil {
			return nil, fmt.Errorf("load market %s: %w", hex, err)
		}
		var record marketRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode market %s: %w", hex, err)
		}
		snapshot, err := decodeMarket(market, record)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func marketKey(market common.Address) []byte {
	return []byte(marketKeyPrefix + market.Hex())
}

func encodeMarket(snapshot morpho.MarketSnapshot) (marketRecord, error) {
	record := marketRecord{
		Market:              snapshot.Market.Hex(),
		CollateralFactorBps: snapshot.Params.CollateralFactorBps,
		ReserveFactorBps:    snapshot.Params.ReserveFactorBps,
		P2PCursorBps:        snapshot.Params.P2PCursorBps,
		NoP2P:               snapshot.Params.NoP2P,
		Pauses: pausesRecord{
			Supply:    snapshot.Pauses.Supply,
			Borrow:    snapshot.Pauses.Borrow,
			Withdraw:  snapshot.Pauses.Withdraw,
			Repay:     snapshot.Pauses.Repay,
			Liquidate: snapshot.Pauses.Liquidate,
		},
	}
	fields := []struct {
		name  string
		value *big.Int
		out   *string
	}{
		{"p2pSupplyIndex", snapshot.P2PSupplyIndex, &record.P2PSupplyIndex},
		{"p2pBorrowIndex", snapshot.P2PBorrowIndex, &record.P2PBorrowIndex},
		{"lastPoolSupplyIndex", snapshot.LastPoolSupplyIndex, &record.LastPoolSupplyIndex},
		{"lastPoolBorrowIndex", snapshot.LastPoolBorrowIndex, &record.LastPoolBorrowIndex},
		{"p2pSupplyDelta", snapshot.P2PSupplyDelta, &record.P2PSupplyDelta},
		{"p2pBorrowDelta", snapshot.P2PBorrowDelta, &record.P2PBorrowDelta},
		{"p2pSupplyAmount", snapshot.P2PSupplyAmount, &record.P2PSupplyAmount},
		{"p2pBorrowAmount", snapshot.P2PBorrowAmount, &record.P2PBorrowAmount},
		{"treasuryAccrued", snapshot.TreasuryAccrued, &record.TreasuryAccrued},
	}
	for _, field := range fields {
		encoded, err := encodeAmount(field.value)
		if err != nil {
			return marketRecord{}, fmt.Errorf("market %s: %s: %w", record.Market, field.name, err)
		}
		*field.out = encoded
	}

	record.Users = make([]userRecord, 0, len(snapshot.Users))
	for _, user := range snapshot.Users {
		entry := userRecord{User: user.User.Hex()}
		userFields := []struct {
			name  string
			value *big.Int
			out   *string
		}{
			{"supplyOnPool", user.SupplyOnPool, &entry.SupplyOnPool},
			{"supplyInP2P", user.SupplyInP2P, &entry.SupplyInP2P},
			{"borrowOnPool", user.BorrowOnPool, &entry.BorrowOnPool},
			{"borrowInP2P", user.BorrowInP2P, &entry.BorrowInP2P},
		}
		for _, field := range userFields {
			encoded, err := encodeAmount(field.value)
			if err != nil {
				return marketRecord{}, fmt.Errorf("market %s: user %s: %s: %w", record.Market, entry.User, field.name, err)
			}
			*field.out = encoded
		}
		record.Users = append(record.Users, entry)
	}
	return record, nil
}

func decodeMarket(market common.Address, record marketRecord) (morpho.MarketSnapshot, error) {
	snapshot := morpho.MarketSnapshot{
		Market: market,
		Params: morpho.MarketParams{
			CollateralFactorBps: record.CollateralFactorBps,
			ReserveFactorBps:    record.ReserveFactorBps,
			P2PCursorBps:        record.P2PCursorBps,
			NoP2P:               record.NoP2P,
		},
		Pauses: morpho.ActionPauses{
			Supply:    record.Pauses.Supply,
			Borrow:    record.Pauses.Borrow,
			Withdraw:  record.Pauses.Withdraw,
			Repay:     record.Pauses.Repay,
			Liquidate: record.Pauses.Liquidate,
		},
	}
	fields := []struct {
		name  string
		value string
		out   **big.Int
	}{
		{"p2pSupplyIndex", record.P2PSupplyIndex, &snapshot.P2PSupplyIndex},
		{"p2pBorrowIndex", record.P2PBorrowIndex, &snapshot.P2PBorrowIndex},
		{"lastPoolSupplyIndex", record.LastPoolSupplyIndex, &snapshot.LastPoolSupplyIndex},
		{"lastPoolBorrowIndex", record.LastPoolBorrowIndex, &snapshot.LastPoolBorrowIndex},
		{"p2pSupplyDelta", record.P2PSupplyDelta, &snapshot.P2PSupplyDelta},
		{"p2pBorrowDelta", record.P2PBorrowDelta, &snapshot.P2PBorrowDelta},
		{"p2pSupplyAmount", record.P2PSupplyAmount, &snapshot.P2PSupplyAmount},
		{"p2pBorrowAmount", record.P2PBorrowAmount, &snapshot.P2PBorrowAmount},
		{"treasuryAccrued", record.TreasuryAccrued, &snapshot.TreasuryAccrued},
	}
	for _, field := range fields {
		decoded, err := decodeAmount(field.value)
		if err != nil {
			return morpho.MarketSnapshot{}, fmt.Errorf("market %s: %s: %w", market.Hex(), field.name, err)
		}
		*field.out = decoded
	}

	snapshot.Users = make([]morpho.UserSnapshot, 0, len(record.Users))
	for _, entry := range record.Users {
		if !common.IsHexAddress(entry.User) {
			return morpho.MarketSnapshot{}, fmt.Errorf("market %s: invalid user address %q", market.Hex(), entry.User)
		}
		user := morpho.UserSnapshot{User: common.HexToAddress(entry.User)}
		userFields := []struct {
			name  string
			value string
			out   **big.Int
		}{
			{"supplyOnPool", entry.SupplyOnPool, &user.SupplyOnPool},
			{"supplyInP2P", entry.SupplyInP2P, &user.SupplyInP2P},
			{"borrowOnPool", entry.BorrowOnPool, &user.BorrowOnPool},
			{"borrowInP2P", entry.BorrowInP2P, &user.BorrowInP2P},
		}
		for _, field := range userFields {
			decoded, err := decodeAmount(field.value)
			if err != nil {
				return morpho.MarketSnapshot{}, fmt.Errorf("market %s: user %s: %s: %w", market.Hex(), entry.User, field.name, err)
			}
			*field.out = decoded
		}
		snapshot.Users = append(snapshot.Users, user)
	}
	return snapshot, nil
}

// encodeAmount renders a ledger amount as a decimal string, rejecting values
// outside the 256-bit range the ledger is specified for.
func encodeAmount(value *big.Int) (string, error) {
	if value == nil {
		return "0", nil
	}
	if value.Sign() < 0 {
		return "", fmt.Errorf("negative amount %s", value)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return "", fmt.Errorf("amount %s exceeds 256 bits", value)
	}
	return value.String(), nil
}

func decodeAmount(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", value)
	}
	if _, overflow := uint256.FromBig(parsed); overflow {
		return nil, fmt.Errorf("amount %q exceeds 256 bits", value)
	}
	return parsed, nil
}
