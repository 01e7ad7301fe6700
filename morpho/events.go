package morpho

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event types emitted by the engine. Position events fire on every balance
// change; ledger events fire whenever a P2P delta or nominal amount moves, for
// off-process accounting and indexing.
const (
	EventTypeSupplied   = "morpho.supplied"
	EventTypeBorrowed   = "morpho.borrowed"
	EventTypeWithdrawn  = "morpho.withdrawn"
	EventTypeRepaid     = "morpho.repaid"
	EventTypeLiquidated = "morpho.liquidated"

	EventTypeP2PDeltasUpdated  = "morpho.p2p_deltas_updated"
	EventTypeP2PAmountsUpdated = "morpho.p2p_amounts_updated"
	EventTypeP2PIndexesUpdated = "morpho.p2p_indexes_updated"
	EventTypeTreasuryClaimed   = "morpho.treasury_claimed"
	EventTypeMarketCreated     = "morpho.market_created"
)

// Event represents a typed event emitted during ledger transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventSink receives engine events. Implementations must not call back into
// the engine.
type EventSink interface {
	Emit(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

func positionEvent(eventType string, market, user common.Address, amount, onPool, inP2P *big.Int) Event {
	return Event{
		Type: eventType,
		Attributes: map[string]string{
			"market": market.Hex(),
			"user":   user.Hex(),
			"amount": amount.String(),
			"onPool": onPool.String(),
			"inP2P":  inP2P.String(),
		},
	}
}

func deltasEvent(market common.Address, state *marketState) Event {
	return Event{
		Type: EventTypeP2PDeltasUpdated,
		Attributes: map[string]string{
			"market":         market.Hex(),
			"p2pSupplyDelta": state.p2pSupplyDelta.String(),
			"p2pBorrowDelta": state.p2pBorrowDelta.String(),
		},
	}
}

func amountsEvent(market common.Address, state *marketState) Event {
	return Event{
		Type: EventTypeP2PAmountsUpdated,
		Attributes: map[string]string{
			"market":          market.Hex(),
			"p2pSupplyAmount": state.p2pSupplyAmount.String(),
			"p2pBorrowAmount": state.p2pBorrowAmount.String(),
		},
	}
}
