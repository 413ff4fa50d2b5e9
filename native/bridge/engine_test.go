package bridge

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"harbor/core/state"
	"harbor/crypto"
	nativecommon "harbor/native/common"
	"harbor/native/token"
	"harbor/storage"
)

const testAsset = "HBR"

func newTestState(t *testing.T) *state.Manager {
	t.Helper()
	manager, err := state.Open(storage.NewMemDB())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	return manager
}

func newTestKey(t *testing.T) (*crypto.PrivateKey, crypto.Address) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, key.PubKey().Address()
}

func testAddress(t *testing.T, fill byte) crypto.Address {
	t.Helper()
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = fill
	}
	addr, err := crypto.NewAddress(crypto.HarborPrefix, raw)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	return addr
}

func fund(t *testing.T, manager *state.Manager, addr crypto.Address, amount int64) {
	t.Helper()
	err := manager.Update(func(tx *state.Tx) error {
		ledger := token.NewLedger(tx)
		return ledger.Mint(testAsset, addr, big.NewInt(amount))
	})
	if err != nil {
		t.Fatalf("fund %s: %v", addr.String(), err)
	}
}

func balanceOf(t *testing.T, manager *state.Manager, addr crypto.Address) *big.Int {
	t.Helper()
	var out *big.Int
	err := manager.View(func(tx *state.Tx) error {
		ledger := token.NewLedger(tx)
		var berr error
		out, berr = ledger.BalanceOf(testAsset, addr)
		return berr
	})
	if err != nil {
		t.Fatalf("balance of %s: %v", addr.String(), err)
	}
	return out
}

func TestDepositDebitsCallerOnly(t *testing.T) {
	manager := newTestState(t)
	vaultAddr := testAddress(t, 0xEE)
	engine := NewEngine(vaultAddr, testAsset, 1)

	_, caller := newTestKey(t)
	fund(t, manager, caller, 1_000)

	var recipient [20]byte
	recipient[0] = 0xAA

	var record *DepositRecord
	err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		var depErr error
		record, depErr = engine.Deposit(caller, recipient, big.NewInt(400))
		return depErr
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if record == nil || record.ID == "" {
		t.Fatalf("expected deposit record with id, got %+v", record)
	}
	if record.Amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("record amount = %s, want 400", record.Amount)
	}
	if record.Recipient != recipient {
		t.Fatalf("record recipient mismatch")
	}
	var source [20]byte
	copy(source[:], caller.Bytes())
	if record.Source != source {
		t.Fatalf("record source should be the caller")
	}

	if got := balanceOf(t, manager, caller); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("caller balance = %s, want 600", got)
	}
	if got := balanceOf(t, manager, vaultAddr); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("vault balance = %s, want 400", got)
	}
}

func TestDepositRequiresCallerFunds(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)

	_, caller := newTestKey(t)
	_, victim := newTestKey(t)
	fund(t, manager, victim, 1_000)

	var recipient [20]byte
	err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(caller, recipient, big.NewInt(100))
		return depErr
	})
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	// The funded bystander is untouched.
	if got := balanceOf(t, manager, victim); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("victim balance = %s, want 1000", got)
	}
}

func TestDepositCeilingCheckedBeforeFundsMove(t *testing.T) {
	manager := newTestState(t)
	vaultAddr := testAddress(t, 0xEE)
	engine := NewEngine(vaultAddr, testAsset, 1)
	engine.SetDepositLimit(big.NewInt(500))

	_, caller := newTestKey(t)
	fund(t, manager, caller, 1_000)

	var recipient [20]byte
	err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(caller, recipient, big.NewInt(300))
		return depErr
	})
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	err = manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(caller, recipient, big.NewInt(300))
		return depErr
	})
	if !errors.Is(err, ErrDepositLimitExceeded) {
		t.Fatalf("expected ErrDepositLimitExceeded, got %v", err)
	}
	if got := balanceOf(t, manager, caller); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("caller balance = %s, want 700 (rejected deposit must not move funds)", got)
	}
	if got := balanceOf(t, manager, vaultAddr); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("vault balance = %s, want 300", got)
	}

	// Exactly at the ceiling still passes.
	err = manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(caller, recipient, big.NewInt(200))
		return depErr
	})
	if err != nil {
		t.Fatalf("deposit at ceiling: %v", err)
	}
}

func TestDepositRecordsAreAppendOnly(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)

	_, caller := newTestKey(t)
	fund(t, manager, caller, 1_000)

	var recipient [20]byte
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		err := manager.Update(func(tx *state.Tx) error {
			engine.SetState(tx)
			record, depErr := engine.Deposit(caller, recipient, big.NewInt(10))
			if depErr != nil {
				return depErr
			}
			ids = append(ids, record.ID)
			return nil
		})
		if err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}

	var listed []string
	err := manager.View(func(tx *state.Tx) error {
		engine.SetState(tx)
		var listErr error
		listed, listErr = engine.DepositRecordIDs()
		return listErr
	})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed %d records, want 3", len(listed))
	}
	for i, id := range ids {
		if listed[i] != id {
			t.Fatalf("record order mismatch at %d: %s != %s", i, listed[i], id)
		}
	}
}

func signedWithdrawal(t *testing.T, key *crypto.PrivateKey, engine *Engine, amount int64, nonce uint64, deadline int64) (WithdrawalAuthorization, []byte) {
	t.Helper()
	auth := WithdrawalAuthorization{
		Recipient: key.PubKey().Address(),
		Amount:    big.NewInt(amount),
		Nonce:     nonce,
		Deadline:  deadline,
	}
	sig, err := key.Sign(auth.Hash(1, engine.Asset()))
	if err != nil {
		t.Fatalf("sign withdrawal: %v", err)
	}
	return auth, sig
}

func TestWithdrawReplayRejected(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)
	now := time.Unix(1_700_000_000, 0)
	engine.SetClock(func() time.Time { return now })

	key, recipient := newTestKey(t)
	fund(t, manager, recipient, 1_000)

	var dest [20]byte
	if err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(recipient, dest, big.NewInt(500))
		return depErr
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	auth, sig := signedWithdrawal(t, key, engine, 200, 0, now.Unix()+3600)
	if err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		return engine.Withdraw(auth, sig)
	}); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	if got := balanceOf(t, manager, recipient); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("recipient balance = %s, want 700", got)
	}

	// Byte-identical replay must fail on the nonce and move nothing.
	err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		return engine.Withdraw(auth, sig)
	})
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch on replay, got %v", err)
	}
	if got := balanceOf(t, manager, recipient); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("recipient balance changed on replay: %s", got)
	}
}

func TestWithdrawExpiredAuthorization(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)
	now := time.Unix(1_700_000_000, 0)
	engine.SetClock(func() time.Time { return now })

	key, recipient := newTestKey(t)
	fund(t, manager, recipient, 1_000)
	var dest [20]byte
	if err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(recipient, dest, big.NewInt(500))
		return depErr
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	auth, sig := signedWithdrawal(t, key, engine, 200, 0, now.Unix()-1)
	err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		return engine.Withdraw(auth, sig)
	})
	if !errors.Is(err, ErrExpiredAuthorization) {
		t.Fatalf("expected ErrExpiredAuthorization, got %v", err)
	}
}

func TestWithdrawRejectsForeignSignature(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)
	now := time.Unix(1_700_000_000, 0)
	engine.SetClock(func() time.Time { return now })

	_, recipient := newTestKey(t)
	attacker, _ := newTestKey(t)
	fund(t, manager, recipient, 1_000)
	var dest [20]byte
	if err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(recipient, dest, big.NewInt(500))
		return depErr
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	auth := WithdrawalAuthorization{
		Recipient: recipient,
		Amount:    big.NewInt(200),
		Nonce:     0,
		Deadline:  now.Unix() + 3600,
	}
	sig, err := attacker.Sign(auth.Hash(1, engine.Asset()))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	werr := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		return engine.Withdraw(auth, sig)
	})
	if !errors.Is(werr, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", werr)
	}
}

type failingSettlement struct{}

func (failingSettlement) Settle(string, crypto.Address, *big.Int) error {
	return errors.New("settlement rail unavailable")
}

func TestWithdrawFailureRollsBackNonceAndFunds(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)
	now := time.Unix(1_700_000_000, 0)
	engine.SetClock(func() time.Time { return now })
	engine.SetSettlement(failingSettlement{})

	key, recipient := newTestKey(t)
	fund(t, manager, recipient, 1_000)
	var dest [20]byte
	if err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(recipient, dest, big.NewInt(500))
		return depErr
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	auth, sig := signedWithdrawal(t, key, engine, 200, 0, now.Unix()+3600)
	err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		return engine.Withdraw(auth, sig)
	})
	if err == nil {
		t.Fatalf("expected settlement failure to surface")
	}

	// Failed transaction leaves no partial effects: funds stay vaulted and
	// the nonce is unconsumed, so the same authorization succeeds later.
	if got := balanceOf(t, manager, recipient); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("recipient balance = %s, want 500 after rollback", got)
	}
	var nonce uint64
	if err := manager.View(func(tx *state.Tx) error {
		engine.SetState(tx)
		var nErr error
		nonce, nErr = engine.WithdrawNonce(recipient)
		return nErr
	}); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("nonce = %d, want 0 after rollback", nonce)
	}

	engine.SetSettlement(nil)
	if err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		return engine.Withdraw(auth, sig)
	}); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestDepositWithIntentConsumesNonce(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)
	now := time.Unix(1_700_000_000, 0)
	engine.SetClock(func() time.Time { return now })

	key, caller := newTestKey(t)
	fund(t, manager, caller, 1_000)

	var recipient [20]byte
	recipient[5] = 0xBC
	intent := DepositIntent{
		Asset:     testAsset,
		Recipient: recipient,
		Amount:    big.NewInt(250),
		Nonce:     0,
		Deadline:  now.Unix() + 600,
	}
	sig, err := key.Sign(intent.Hash(1))
	if err != nil {
		t.Fatalf("sign intent: %v", err)
	}

	var record *DepositRecord
	if err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		var depErr error
		record, depErr = engine.DepositWithIntent(intent, sig)
		return depErr
	}); err != nil {
		t.Fatalf("deposit with intent: %v", err)
	}
	var source [20]byte
	copy(source[:], caller.Bytes())
	if record.Source != source {
		t.Fatalf("record source should be the recovered signer")
	}

	// The captured envelope is worthless a second time.
	err = manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.DepositWithIntent(intent, sig)
		return depErr
	})
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch on intent replay, got %v", err)
	}
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	manager := newTestState(t)
	engine := NewEngine(testAddress(t, 0xEE), testAsset, 1)
	engine.SetPauses(nativecommon.NewPauseSet("bridge"))

	_, caller := newTestKey(t)
	fund(t, manager, caller, 1_000)

	var recipient [20]byte
	err := manager.Update(func(tx *state.Tx) error {
		engine.SetState(tx)
		_, depErr := engine.Deposit(caller, recipient, big.NewInt(100))
		return depErr
	})
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}
