package events

import (
	"math/big"
	"strings"

	"harbor/core/types"
	"harbor/crypto"
)

const (
	// TypeBridgeDeposit is emitted once per successful custody deposit. The
	// off-chain minting collaborator keys idempotent mints off the record id.
	TypeBridgeDeposit = "bridge.deposit"
	// TypeBridgeWithdraw is emitted when an authorized withdrawal leaves the
	// vault for the settlement path.
	TypeBridgeWithdraw = "bridge.withdraw"
)

type BridgeDeposit struct {
	RecordID  string
	Asset     string
	Source    [20]byte
	Recipient [20]byte
	Amount    *big.Int
}

func (BridgeDeposit) EventType() string { return TypeBridgeDeposit }

func (e BridgeDeposit) Event() *types.Event {
	attrs := map[string]string{
		"recordId":  strings.TrimSpace(e.RecordID),
		"asset":     normalizeAsset(e.Asset),
		"source":    crypto.MustNewAddress(crypto.HarborPrefix, e.Source[:]).String(),
		"recipient": crypto.MustNewAddress(crypto.HarborPrefix, e.Recipient[:]).String(),
		"amount":    formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeBridgeDeposit, Attributes: attrs}
}

type BridgeWithdraw struct {
	Asset     string
	Recipient [20]byte
	Amount    *big.Int
	Nonce     uint64
}

func (BridgeWithdraw) EventType() string { return TypeBridgeWithdraw }

func (e BridgeWithdraw) Event() *types.Event {
	attrs := map[string]string{
		"asset":     normalizeAsset(e.Asset),
		"recipient": crypto.MustNewAddress(crypto.HarborPrefix, e.Recipient[:]).String(),
		"amount":    formatAmount(e.Amount),
		"nonce":     formatUint(e.Nonce),
	}
	return &types.Event{Type: TypeBridgeWithdraw, Attributes: attrs}
}
