package main

import (
	"log/slog"
	"math/big"

	"harbor/core/events"
	"harbor/core/types"
	"harbor/crypto"
	"harbor/native/bridge"
)

// logEmitter renders every engine event as a structured log line. The off-chain
// minting collaborator tails these lines (bridge.deposit carries the record id
// it dedupes on).
type logEmitter struct {
	log *slog.Logger
}

func newLogEmitter(log *slog.Logger) *logEmitter {
	return &logEmitter{log: log}
}

func (e *logEmitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	converter, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		e.log.Info("event", "type", evt.EventType())
		return
	}
	converted := converter.Event()
	attrs := make([]any, 0, 2+2*len(converted.Attributes))
	attrs = append(attrs, "type", converted.Type)
	for key, value := range converted.Attributes {
		attrs = append(attrs, key, value)
	}
	e.log.Info("event", attrs...)
}

// logSettlement records authorized withdrawal instructions. A production
// deployment swaps this for the connector that releases funds on the
// counterpart domain; everything it sees already passed the authorizer.
type logSettlement struct {
	log *slog.Logger
}

func newLogSettlement(log *slog.Logger) *logSettlement {
	return &logSettlement{log: log}
}

func (s *logSettlement) Settle(asset string, recipient crypto.Address, amount *big.Int) error {
	s.log.Info("withdrawal settlement instruction",
		"asset", asset,
		"recipient", recipient.String(),
		"amount", amount.String(),
	)
	return nil
}

var _ bridge.Settlement = (*logSettlement)(nil)
