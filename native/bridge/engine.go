package bridge

import (
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"harbor/core/events"
	"harbor/crypto"
	nativecommon "harbor/native/common"
	"harbor/native/token"
)

var (
	errNilState      = errors.New("bridge engine: state not configured")
	errInvalidAmount = errors.New("bridge engine: amount must be positive")
	// ErrDepositLimitExceeded is returned when a deposit would push the vault's
	// tracked total past the configured ceiling.
	ErrDepositLimitExceeded = errors.New("bridge engine: deposit limit exceeded")
)

const moduleName = "bridge"

// State abstracts the subset of state manager functionality required by the
// bridge engine.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Settlement is the external collaborator receiving authorized withdrawal
// instructions. It only ever sees instructions that passed the authorizer.
type Settlement interface {
	Settle(asset string, recipient crypto.Address, amount *big.Int) error
}

// Engine orchestrates custody deposits and authorized withdrawals. The funding
// source of every deposit is the authenticated caller; no operation accepts a
// free-form source parameter.
type Engine struct {
	state        State
	tokens       *token.Ledger
	vault        *Vault
	ledger       *Ledger
	authorizer   *Authorizer
	chainID      uint64
	asset        string
	depositLimit *big.Int
	settlement   Settlement
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	clock        func() time.Time
}

// NewEngine constructs a bridge engine holding custody under vaultAddr for the
// given asset.
func NewEngine(vaultAddr crypto.Address, asset string, chainID uint64) *Engine {
	tokens := token.NewLedger(nil)
	return &Engine{
		tokens:     tokens,
		vault:      NewVault(vaultAddr, tokens),
		ledger:     &Ledger{},
		authorizer: NewAuthorizer(),
		chainID:    chainID,
		asset:      token.NormalizeAsset(asset),
		emitter:    events.NoopEmitter{},
		clock:      time.Now,
	}
}

// SetState wires the engine to the per-call state transaction.
func (e *Engine) SetState(state State) {
	if e == nil {
		return
	}
	e.state = state
	e.tokens.SetState(state)
}

// SetDepositLimit configures the vault ceiling. A nil limit disables the check.
func (e *Engine) SetDepositLimit(limit *big.Int) {
	if e == nil {
		return
	}
	if limit == nil {
		e.depositLimit = nil
		return
	}
	e.depositLimit = new(big.Int).Set(limit)
}

// SetSettlement wires the withdrawal settlement collaborator.
func (e *Engine) SetSettlement(settlement Settlement) {
	if e == nil {
		return
	}
	e.settlement = settlement
}

// SetEmitter wires the event sink consumed by the off-chain minting
// collaborator.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil || emitter == nil {
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source used for record timestamps and deadline
// checks (primarily for deterministic testing).
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
	e.authorizer.SetClock(clock)
}

// Vault exposes the custody vault for read-side queries.
func (e *Engine) Vault() *Vault {
	return e.vault
}

// Asset returns the custodial asset symbol.
func (e *Engine) Asset() string {
	return e.asset
}

// WithdrawNonce returns the recipient's current withdrawal counter.
func (e *Engine) WithdrawNonce(recipient crypto.Address) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.authorizer.NonceOf(e.state, NonceWithdraw, recipient)
}

// IntentNonce returns the caller's current gateway intent counter.
func (e *Engine) IntentNonce(caller crypto.Address) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.authorizer.NonceOf(e.state, NonceIntent, caller)
}

// Deposit moves amount from the caller's own balance into custody and mints a
// deposit record for the off-chain minting collaborator. The caller is the
// authenticated identity of the invoking context, never a parameter a third
// party can point at someone else's balance -- including the vault's own.
func (e *Engine) Deposit(caller crypto.Address, recipient [20]byte, amount *big.Int) (*DepositRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	// Ceiling check happens before any funds move.
	if e.depositLimit != nil {
		total, err := e.vault.TrackedTotal(e.state, e.asset)
		if err != nil {
			return nil, err
		}
		if new(big.Int).Add(total, amount).Cmp(e.depositLimit) > 0 {
			return nil, ErrDepositLimitExceeded
		}
	}

	if err := e.vault.credit(e.state, e.asset, caller, amount); err != nil {
		return nil, err
	}

	now := e.clock().UTC().Unix()
	createdAt := uint64(0)
	if now > 0 {
		createdAt = uint64(now)
	}
	record := &DepositRecord{
		ID:        uuid.NewString(),
		Asset:     e.asset,
		Amount:    new(big.Int).Set(amount),
		Recipient: recipient,
		CreatedAt: createdAt,
	}
	copy(record.Source[:], caller.Bytes())

	if err := e.ledger.Put(e.state, record); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.BridgeDeposit{
		RecordID:  record.ID,
		Asset:     record.Asset,
		Source:    record.Source,
		Recipient: record.Recipient,
		Amount:    new(big.Int).Set(record.Amount),
	})
	return record.Copy(), nil
}

// DepositWithIntent verifies a signed deposit intent submitted through the
// gateway and executes the deposit on behalf of the recovered signer. The
// intent nonce makes a captured envelope single-use.
func (e *Engine) DepositWithIntent(intent DepositIntent, sig []byte) (*DepositRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	digest := intent.Hash(e.chainID)
	caller, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if err := e.authorizer.Verify(e.state, NonceIntent, caller, digest, intent.Nonce, intent.Deadline, sig); err != nil {
		return nil, err
	}
	if err := e.authorizer.Consume(e.state, NonceIntent, caller); err != nil {
		return nil, err
	}
	return e.Deposit(caller, intent.Recipient, intent.Amount)
}

// Withdraw releases vault funds to the recipient named in a signed
// authorization. Verification order: deadline, nonce, signature; the nonce is
// consumed before custody moves and before the settlement collaborator is
// invoked, so a re-entrant call observes the incremented counter.
func (e *Engine) Withdraw(auth WithdrawalAuthorization, sig []byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if auth.Amount == nil || auth.Amount.Sign() <= 0 {
		return errInvalidAmount
	}

	digest := auth.Hash(e.chainID, e.asset)
	if err := e.authorizer.Verify(e.state, NonceWithdraw, auth.Recipient, digest, auth.Nonce, auth.Deadline, sig); err != nil {
		return err
	}
	if err := e.authorizer.Consume(e.state, NonceWithdraw, auth.Recipient); err != nil {
		return err
	}

	if err := e.vault.debit(e.state, e.asset, auth.Recipient, auth.Amount); err != nil {
		return err
	}

	if e.settlement != nil {
		if err := e.settlement.Settle(e.asset, auth.Recipient, auth.Amount); err != nil {
			return err
		}
	}

	var recipient [20]byte
	copy(recipient[:], auth.Recipient.Bytes())
	e.emitter.Emit(events.BridgeWithdraw{
		Asset:     e.asset,
		Recipient: recipient,
		Amount:    new(big.Int).Set(auth.Amount),
		Nonce:     auth.Nonce,
	})
	return nil
}

// DepositRecordByID fetches a stored deposit record.
func (e *Engine) DepositRecordByID(id string) (*DepositRecord, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	return e.ledger.Get(e.state, id)
}

// DepositRecordIDs lists stored record identifiers in insertion order.
func (e *Engine) DepositRecordIDs() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.ledger.List(e.state)
}
