package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"harbor/crypto"
)

var (
	errNilState            = errors.New("token ledger: state not configured")
	errInvalidAmount       = errors.New("token ledger: amount must be positive")
	errAssetRequired       = errors.New("token ledger: asset symbol required")
	// ErrInsufficientBalance is surfaced when a debit exceeds the owner's balance.
	ErrInsufficientBalance = errors.New("token ledger: insufficient balance")
	// ErrInsufficientAllowance is surfaced when a spender exceeds its approval.
	ErrInsufficientAllowance = errors.New("token ledger: insufficient allowance")
)

// State abstracts the subset of state manager functionality required by the
// token ledger.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type storedBalance struct {
	Amount *big.Int
}

type storedAllowance struct {
	Amount *big.Int
}

// Ledger tracks fungible asset balances and allowances for every principal.
// Custody components (the bridge vault, the loan pool) move value exclusively
// through it so balance conservation is enforced in one place.
type Ledger struct {
	state State
}

// NewLedger constructs a ledger bound to the provided state.
func NewLedger(state State) *Ledger {
	return &Ledger{state: state}
}

// SetState rebinds the ledger to a different state view. Engines rebind the
// ledger to the per-call transaction before operating.
func (l *Ledger) SetState(state State) {
	if l == nil {
		return
	}
	l.state = state
}

func balanceKey(asset string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("token/bal/%s/%x", asset, addr.Bytes()))
}

func allowanceKey(asset string, owner, spender crypto.Address) []byte {
	return []byte(fmt.Sprintf("token/allow/%s/%x/%x", asset, owner.Bytes(), spender.Bytes()))
}

// NormalizeAsset renders the canonical asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func (l *Ledger) checkReady(asset string) (string, error) {
	if l == nil || l.state == nil {
		return "", errNilState
	}
	symbol := NormalizeAsset(asset)
	if symbol == "" {
		return "", errAssetRequired
	}
	return symbol, nil
}

// BalanceOf returns the balance held by addr for the asset.
func (l *Ledger) BalanceOf(asset string, addr crypto.Address) (*big.Int, error) {
	symbol, err := l.checkReady(asset)
	if err != nil {
		return nil, err
	}
	var stored storedBalance
	ok, err := l.state.KVGet(balanceKey(symbol, addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok || stored.Amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(stored.Amount), nil
}

func (l *Ledger) putBalance(asset string, addr crypto.Address, amount *big.Int) error {
	return l.state.KVPut(balanceKey(asset, addr), storedBalance{Amount: amount})
}

// Mint credits newly issued units to the recipient. Reserved for genesis
// funding and the off-chain settlement path.
func (l *Ledger) Mint(asset string, to crypto.Address, amount *big.Int) error {
	symbol, err := l.checkReady(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	balance, err := l.BalanceOf(symbol, to)
	if err != nil {
		return err
	}
	return l.putBalance(symbol, to, new(big.Int).Add(balance, amount))
}

// Transfer moves amount from one principal to another. The debit side is
// always the supplied owner; callers are responsible for deriving it from the
// authenticated caller context.
func (l *Ledger) Transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	symbol, err := l.checkReady(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	fromBalance, err := l.BalanceOf(symbol, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	// Self-transfer: debit and credit cancel out. Writing both would credit a
	// destination balance read before the debit landed.
	if from.Equal(to) {
		return nil
	}
	toBalance, err := l.BalanceOf(symbol, to)
	if err != nil {
		return err
	}
	if err := l.putBalance(symbol, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.putBalance(symbol, to, new(big.Int).Add(toBalance, amount))
}

// Approve records a standing allowance letting spender move up to amount of
// the owner's balance via TransferFrom.
func (l *Ledger) Approve(asset string, owner, spender crypto.Address, amount *big.Int) error {
	symbol, err := l.checkReady(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	return l.state.KVPut(allowanceKey(symbol, owner, spender), storedAllowance{Amount: amount})
}

// Allowance returns the remaining approval from owner to spender.
func (l *Ledger) Allowance(asset string, owner, spender crypto.Address) (*big.Int, error) {
	symbol, err := l.checkReady(asset)
	if err != nil {
		return nil, err
	}
	var stored storedAllowance
	ok, err := l.state.KVGet(allowanceKey(symbol, owner, spender), &stored)
	if err != nil {
		return nil, err
	}
	if !ok || stored.Amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(stored.Amount), nil
}

// TransferFrom moves amount of owner's balance to the destination, consuming
// the spender's allowance. The owner is never a free-form parameter for the
// custody engines: they pass the authenticated caller as owner and themselves
// as spender.
func (l *Ledger) TransferFrom(asset string, spender, owner, to crypto.Address, amount *big.Int) error {
	symbol, err := l.checkReady(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	allowance, err := l.Allowance(symbol, owner, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(symbol, owner, to, amount); err != nil {
		return err
	}
	remaining := new(big.Int).Sub(allowance, amount)
	return l.state.KVPut(allowanceKey(symbol, owner, spender), storedAllowance{Amount: remaining})
}
