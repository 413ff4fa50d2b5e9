package loanpool

import (
	"errors"
	"fmt"
	"math/big"

	"harbor/core/events"
	"harbor/crypto"
	nativecommon "harbor/native/common"
	"harbor/native/token"
	"harbor/observability"
)

var (
	errNilState           = errors.New("loanpool engine: state not configured")
	errInvalidAmount      = errors.New("loanpool engine: amount must be positive")
	errDepositTooSmall    = errors.New("loanpool engine: deposit too small to mint shares")
	errInsufficientShares = errors.New("loanpool engine: insufficient share balance")
	// ErrCallerNotContract is returned when the named receiver has no
	// registered callback implementation.
	ErrCallerNotContract = errors.New("loanpool engine: receiver is not a registered contract")
	// ErrNotRepaid is returned when the pool balance after the callback does
	// not cover principal plus fee; the entire call rolls back.
	ErrNotRepaid = errors.New("loanpool engine: flash loan not repaid")
	// ErrSelfDepositDuringLoan is returned when the borrowing receiver tries
	// to deposit while its own loan session is open.
	ErrSelfDepositDuringLoan = errors.New("loanpool engine: deposit during open loan session")
	// ErrSessionOpen is returned for any other deposit, redeem or nested
	// borrow attempted while a session is open for the asset.
	ErrSessionOpen = errors.New("loanpool engine: loan session open for asset")
	// ErrInsufficientPoolBalance is returned when the pool cannot cover a
	// redemption or loan principal.
	ErrInsufficientPoolBalance = errors.New("loanpool engine: insufficient pool balance")
)

var ray = big.NewInt(1_000_000_000_000_000_000)

const moduleName = "loanpool"

// State abstracts the subset of state manager functionality required by the
// loan pool.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// FeeCalculator prices the flash-loan fee for an asset and principal amount.
type FeeCalculator interface {
	CalculateFee(asset string, amount *big.Int) (*big.Int, error)
}

// Receiver is the borrower-side callback invoked mid-loan. Implementations
// must return the principal plus fee to the pool before returning.
type Receiver interface {
	OnFlashLoan(asset string, amount, fee *big.Int, initiator crypto.Address, data []byte) error
}

// Engine tracks deposited liquidity, mints and burns proportional shares via
// the exchange rate, and executes flash-loan borrow/repay cycles. Sessions are
// tracked per asset so re-entrant mutations during an open loan are rejected.
type Engine struct {
	state       State
	tokens      *token.Ledger
	poolAddress crypto.Address
	fees        FeeCalculator
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	receivers   map[string]Receiver
	sessions    map[string]*loanSession
}

// NewEngine constructs a loan pool holding liquidity under poolAddr.
func NewEngine(poolAddr crypto.Address, fees FeeCalculator) *Engine {
	return &Engine{
		tokens:      token.NewLedger(nil),
		poolAddress: poolAddr,
		fees:        fees,
		emitter:     events.NoopEmitter{},
		receivers:   make(map[string]Receiver),
		sessions:    make(map[string]*loanSession),
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

// SetEmitter wires the event sink.
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

// RegisterReceiver records a contract-like receiver implementation under its
// address. Flash loans can only be taken by registered receivers.
func (e *Engine) RegisterReceiver(addr crypto.Address, receiver Receiver) {
	if e == nil || receiver == nil {
		return
	}
	e.receivers[string(addr.Bytes())] = receiver
}

// PoolAddress returns the module address holding pool liquidity.
func (e *Engine) PoolAddress() crypto.Address {
	return e.poolAddress
}

func (e *Engine) ensurePool(asset string) (*Pool, error) {
	var pool Pool
	ok, err := e.state.KVGet(poolKey(asset), &pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Pool{TotalShares: big.NewInt(0), ExchangeRate: new(big.Int).Set(ray)}, nil
	}
	if pool.TotalShares == nil {
		pool.TotalShares = big.NewInt(0)
	}
	if pool.ExchangeRate == nil || pool.ExchangeRate.Sign() == 0 {
		pool.ExchangeRate = new(big.Int).Set(ray)
	}
	return &pool, nil
}

func (e *Engine) ensureShares(asset string, addr crypto.Address) (*ShareAccount, error) {
	var account ShareAccount
	ok, err := e.state.KVGet(shareKey(asset, addr), &account)
	if err != nil {
		return nil, err
	}
	if !ok {
		account = ShareAccount{}
		copy(account.Address[:], addr.Bytes())
	}
	if account.Shares == nil {
		account.Shares = big.NewInt(0)
	}
	return &account, nil
}

// Deposit transfers amount from the depositor into the pool and mints shares
// at the current exchange rate. The rate itself is not touched here: rate
// movement is reserved for fee settlement, otherwise redeemable value inflates
// past the pool's actual balance.
func (e *Engine) Deposit(asset string, depositor crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	symbol := token.NormalizeAsset(asset)
	if session := e.sessions[symbol]; session != nil {
		if session.initiator.Equal(depositor) {
			return nil, ErrSelfDepositDuringLoan
		}
		return nil, ErrSessionOpen
	}

	pool, err := e.ensurePool(symbol)
	if err != nil {
		return nil, err
	}

	minted := new(big.Int).Mul(amount, ray)
	minted.Quo(minted, pool.ExchangeRate)
	if minted.Sign() == 0 {
		return nil, errDepositTooSmall
	}

	if err := e.tokens.Transfer(symbol, depositor, e.poolAddress, amount); err != nil {
		return nil, err
	}

	account, err := e.ensureShares(symbol, depositor)
	if err != nil {
		return nil, err
	}
	account.Shares = new(big.Int).Add(account.Shares, minted)
	pool.TotalShares = new(big.Int).Add(pool.TotalShares, minted)

	if err := e.state.KVPut(shareKey(symbol, depositor), account); err != nil {
		return nil, err
	}
	if err := e.state.KVPut(poolKey(symbol), pool); err != nil {
		return nil, err
	}

	var depositorBytes [20]byte
	copy(depositorBytes[:], depositor.Bytes())
	e.emitter.Emit(events.LoanPoolDeposit{
		Asset:     symbol,
		Depositor: depositorBytes,
		Amount:    new(big.Int).Set(amount),
		Shares:    new(big.Int).Set(minted),
	})
	return minted, nil
}

// Redeem burns shares and releases the corresponding underlying amount. Fails
// cleanly when the pool's actual balance cannot cover the redemption.
func (e *Engine) Redeem(asset string, redeemer crypto.Address, shareAmount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	symbol := token.NormalizeAsset(asset)
	if e.sessions[symbol] != nil {
		return nil, ErrSessionOpen
	}

	pool, err := e.ensurePool(symbol)
	if err != nil {
		return nil, err
	}
	account, err := e.ensureShares(symbol, redeemer)
	if err != nil {
		return nil, err
	}
	if account.Shares.Cmp(shareAmount) < 0 {
		return nil, errInsufficientShares
	}

	amount := new(big.Int).Mul(shareAmount, pool.ExchangeRate)
	amount.Quo(amount, ray)

	balance, err := e.tokens.BalanceOf(symbol, e.poolAddress)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientPoolBalance
	}

	account.Shares = new(big.Int).Sub(account.Shares, shareAmount)
	pool.TotalShares = new(big.Int).Sub(pool.TotalShares, shareAmount)

	if err := e.tokens.Transfer(symbol, e.poolAddress, redeemer, amount); err != nil {
		return nil, err
	}
	if err := e.state.KVPut(shareKey(symbol, redeemer), account); err != nil {
		return nil, err
	}
	if err := e.state.KVPut(poolKey(symbol), pool); err != nil {
		return nil, err
	}

	var redeemerBytes [20]byte
	copy(redeemerBytes[:], redeemer.Bytes())
	e.emitter.Emit(events.LoanPoolRedeem{
		Asset:    symbol,
		Redeemer: redeemerBytes,
		Shares:   new(big.Int).Set(shareAmount),
		Amount:   new(big.Int).Set(amount),
	})
	return amount, nil
}

// FlashLoan lends amount to the registered receiver for the duration of its
// callback. The session opens before the external call so re-entrant deposits
// and nested borrows are rejected, and the ending-balance check runs against
// a pool that accepted no deposits mid-flight. The exchange rate moves here
// and only here, proportional to the collected fee.
func (e *Engine) FlashLoan(receiverAddr crypto.Address, asset string, amount *big.Int, data []byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	receiver := e.receivers[string(receiverAddr.Bytes())]
	if receiver == nil {
		return ErrCallerNotContract
	}
	symbol := token.NormalizeAsset(asset)
	if e.sessions[symbol] != nil {
		return ErrSessionOpen
	}

	pool, err := e.ensurePool(symbol)
	if err != nil {
		return err
	}
	starting, err := e.tokens.BalanceOf(symbol, e.poolAddress)
	if err != nil {
		return err
	}
	if starting.Cmp(amount) < 0 {
		return ErrInsufficientPoolBalance
	}

	fee, err := e.fees.CalculateFee(symbol, amount)
	if err != nil {
		return err
	}

	e.sessions[symbol] = &loanSession{
		initiator: receiverAddr,
		borrowed:  new(big.Int).Set(amount),
		fee:       new(big.Int).Set(fee),
		starting:  new(big.Int).Set(starting),
	}
	defer delete(e.sessions, symbol)

	if err := e.tokens.Transfer(symbol, e.poolAddress, receiverAddr, amount); err != nil {
		return err
	}
	if err := receiver.OnFlashLoan(symbol, amount, fee, receiverAddr, data); err != nil {
		observability.LoanPool().ObserveFlashLoan(symbol, "not_repaid", 0)
		return fmt.Errorf("%w: callback: %v", ErrNotRepaid, err)
	}

	ending, err := e.tokens.BalanceOf(symbol, e.poolAddress)
	if err != nil {
		return err
	}
	required := new(big.Int).Add(starting, fee)
	if ending.Cmp(required) < 0 {
		observability.LoanPool().ObserveFlashLoan(symbol, "not_repaid", 0)
		return ErrNotRepaid
	}

	if fee.Sign() > 0 && pool.TotalShares.Sign() > 0 {
		delta := new(big.Int).Mul(fee, ray)
		delta.Quo(delta, pool.TotalShares)
		pool.ExchangeRate = new(big.Int).Add(pool.ExchangeRate, delta)
		if err := e.state.KVPut(poolKey(symbol), pool); err != nil {
			return err
		}
	}

	feeFloat, _ := new(big.Float).SetInt(fee).Float64()
	observability.LoanPool().ObserveFlashLoan(symbol, "ok", feeFloat)

	var receiverBytes [20]byte
	copy(receiverBytes[:], receiverAddr.Bytes())
	e.emitter.Emit(events.FlashLoan{
		Asset:    symbol,
		Receiver: receiverBytes,
		Amount:   new(big.Int).Set(amount),
		Fee:      new(big.Int).Set(fee),
	})
	return nil
}

// ExchangeRate returns the ray-scaled exchange rate for the asset.
func (e *Engine) ExchangeRate(asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.ensurePool(token.NormalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pool.ExchangeRate), nil
}

// TotalShares returns the outstanding share supply for the asset.
func (e *Engine) TotalShares(asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.ensurePool(token.NormalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pool.TotalShares), nil
}

// SharesOf returns the depositor's share balance for the asset.
func (e *Engine) SharesOf(asset string, addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	account, err := e.ensureShares(token.NormalizeAsset(asset), addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Shares), nil
}

// PoolBalance returns the pool's actual underlying balance for the asset.
func (e *Engine) PoolBalance(asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.tokens.BalanceOf(token.NormalizeAsset(asset), e.poolAddress)
}
