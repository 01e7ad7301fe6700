package observability

import (
	"log/slog"
	"math/big"

	"github.com/HilliamT/morpho-v1/morpho"
	"github.com/HilliamT/morpho-v1/observability/metrics"
)

// EventSink forwards engine events to the structured logger and the Prometheus
// registry. It never calls back into the engine.
type EventSink struct {
	logger  *slog.Logger
	metrics *metrics.MorphoMetrics
}

// NewEventSink wires a sink over the given logger. A nil logger falls back to
// the process default.
func NewEventSink(logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{logger: logger, metrics: metrics.Morpho()}
}

// Emit implements morpho.EventSink.
func (s *EventSink) Emit(event morpho.Event) {
	if s == nil {
		return
	}
	attrs := make([]any, 0, 2*len(event.Attributes))
	for key, value := range event.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	s.logger.Info(event.Type, attrs...)
	s.metrics.RecordEvent(event.Type)

	market := event.Attributes["market"]
	switch event.Type {
	case morpho.EventTypeP2PDeltasUpdated:
		s.metrics.SetP2PDelta(market, "supply", wadFloat(event.Attributes["p2pSupplyDelta"]))
		s.metrics.SetP2PDelta(market, "borrow", wadFloat(event.Attributes["p2pBorrowDelta"]))
	case morpho.EventTypeP2PAmountsUpdated:
		s.metrics.SetP2PAmount(market, "supply", wadFloat(event.Attributes["p2pSupplyAmount"]))
		s.metrics.SetP2PAmount(market, "borrow", wadFloat(event.Attributes["p2pBorrowAmount"]))
	case morpho.EventTypeTreasuryClaimed:
		s.metrics.RecordTreasuryClaim(market, wadFloat(event.Attributes["amount"]))
	}
}

// wadFloat converts a decimal wad-scaled amount to a float gauge value in
// whole units. Precision loss is acceptable for metrics.
func wadFloat(value string) float64 {
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return 0
	}
	scaled := new(big.Float).SetInt(parsed)
	scaled.Quo(scaled, new(big.Float).SetInt(big.NewInt(1e18)))
	result, _ := scaled.Float64()
	return result
}
