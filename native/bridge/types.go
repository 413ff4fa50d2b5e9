package bridge

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"harbor/crypto"
	"harbor/native/token"
)

// WithdrawDomainV1 is the domain separator bound into every signed withdrawal
// authorization. Binding the domain, chain id, nonce and deadline into the
// digest is what makes a consumed signature worthless on replay.
const WithdrawDomainV1 = "HARBOR_WITHDRAW_V1"

// IntentDomainV1 is the domain separator for signed deposit intents submitted
// through the gateway surface.
const IntentDomainV1 = "HARBOR_INTENT_V1"

// WithdrawalAuthorization is the structured payload a recipient signs off-chain
// to release vault funds. A given (signer, nonce) pair authorizes at most one
// successful withdrawal.
type WithdrawalAuthorization struct {
	Recipient crypto.Address
	Amount    *big.Int
	Nonce     uint64
	Deadline  int64
}

// Hash reconstructs the canonical digest signed by the recipient.
func (w WithdrawalAuthorization) Hash(chainID uint64, asset string) []byte {
	amountStr := "0"
	if w.Amount != nil {
		amountStr = w.Amount.String()
	}
	payload := fmt.Sprintf("%s|chain=%d|asset=%s|to=%s|amount=%s|nonce=%d|deadline=%d",
		WithdrawDomainV1,
		chainID,
		token.NormalizeAsset(asset),
		strings.ToLower(hex.EncodeToString(w.Recipient.Bytes())),
		amountStr,
		w.Nonce,
		w.Deadline,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// DepositIntent is the payload a depositor signs when submitting a deposit
// through the gateway. The recovered signer is the only principal whose funds
// move; the cross-domain recipient is free-form by design.
type DepositIntent struct {
	Asset     string
	Recipient [20]byte
	Amount    *big.Int
	Nonce     uint64
	Deadline  int64
}

// Hash reconstructs the canonical digest signed by the depositor.
func (d DepositIntent) Hash(chainID uint64) []byte {
	amountStr := "0"
	if d.Amount != nil {
		amountStr = d.Amount.String()
	}
	payload := fmt.Sprintf("%s|chain=%d|asset=%s|recipient=%s|amount=%s|nonce=%d|deadline=%d",
		IntentDomainV1,
		chainID,
		token.NormalizeAsset(d.Asset),
		strings.ToLower(hex.EncodeToString(d.Recipient[:])),
		amountStr,
		d.Nonce,
		d.Deadline,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// DepositRecord is the immutable receipt minted once per successful deposit.
// The off-chain minting collaborator dedupes on ID; the core guarantees
// at-most-one record per deposit call.
type DepositRecord struct {
	ID        string
	Asset     string
	Source    [20]byte
	Recipient [20]byte
	Amount    *big.Int
	CreatedAt uint64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (r *DepositRecord) Copy() *DepositRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}
