package bridge

import (
	"errors"
	"fmt"
	"math/big"

	"harbor/crypto"
	"harbor/native/token"
)

var errVaultUnderflow = errors.New("bridge: vault total underflow")

type storedVaultTotal struct {
	Total *big.Int
}

// Vault holds custodial balances under the module address and tracks the
// per-asset total independently of the token ledger. Credit and debit are
// unexported: custody only moves through the bridge engine, never through a
// caller-supplied source account.
type Vault struct {
	address crypto.Address
	tokens  *token.Ledger
}

// NewVault binds the vault to its module address and token ledger.
func NewVault(address crypto.Address, tokens *token.Ledger) *Vault {
	return &Vault{address: address, tokens: tokens}
}

// Address returns the module address holding custody.
func (v *Vault) Address() crypto.Address {
	return v.address
}

func vaultTotalKey(asset string) []byte {
	return []byte(fmt.Sprintf("bridge/vault/%s", token.NormalizeAsset(asset)))
}

// TrackedTotal returns the vault's recorded custody total for the asset.
func (v *Vault) TrackedTotal(state State, asset string) (*big.Int, error) {
	var stored storedVaultTotal
	ok, err := state.KVGet(vaultTotalKey(asset), &stored)
	if err != nil {
		return nil, err
	}
	if !ok || stored.Total == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(stored.Total), nil
}

func (v *Vault) putTotal(state State, asset string, total *big.Int) error {
	return state.KVPut(vaultTotalKey(asset), storedVaultTotal{Total: total})
}

// credit moves amount from the source principal into custody and bumps the
// tracked total.
func (v *Vault) credit(state State, asset string, source crypto.Address, amount *big.Int) error {
	if err := v.tokens.Transfer(asset, source, v.address, amount); err != nil {
		return err
	}
	total, err := v.TrackedTotal(state, asset)
	if err != nil {
		return err
	}
	return v.putTotal(state, asset, new(big.Int).Add(total, amount))
}

// debit releases amount from custody to the recipient and reduces the tracked
// total.
func (v *Vault) debit(state State, asset string, recipient crypto.Address, amount *big.Int) error {
	total, err := v.TrackedTotal(state, asset)
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return errVaultUnderflow
	}
	if err := v.tokens.Transfer(asset, v.address, recipient, amount); err != nil {
		return err
	}
	return v.putTotal(state, asset, new(big.Int).Sub(total, amount))
}
