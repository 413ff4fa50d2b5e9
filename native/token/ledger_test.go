package token

import (
	"errors"
	"math/big"
	"testing"

	"harbor/core/state"
	"harbor/crypto"
	"harbor/storage"
)

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

func withLedger(t *testing.T, fn func(l *Ledger) error) {
	t.Helper()
	manager, err := state.Open(storage.NewMemDB())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	if err := manager.Update(func(tx *state.Tx) error {
		return fn(NewLedger(tx))
	}); err != nil {
		t.Fatalf("ledger op: %v", err)
	}
}

func TestMintAndTransfer(t *testing.T) {
	alice := testAddress(t, 0x01)
	bob := testAddress(t, 0x02)

	withLedger(t, func(l *Ledger) error {
		if err := l.Mint("hbr", alice, big.NewInt(100)); err != nil {
			return err
		}
		if err := l.Transfer("HBR", alice, bob, big.NewInt(40)); err != nil {
			return err
		}
		aliceBal, err := l.BalanceOf("HBR", alice)
		if err != nil {
			return err
		}
		if aliceBal.Cmp(big.NewInt(60)) != 0 {
			t.Fatalf("alice balance = %s, want 60", aliceBal)
		}
		bobBal, err := l.BalanceOf("hbr", bob)
		if err != nil {
			return err
		}
		if bobBal.Cmp(big.NewInt(40)) != 0 {
			t.Fatalf("bob balance = %s, want 40", bobBal)
		}
		return nil
	})
}

func TestTransferInsufficientBalance(t *testing.T) {
	alice := testAddress(t, 0x01)
	bob := testAddress(t, 0x02)

	withLedger(t, func(l *Ledger) error {
		if err := l.Mint("HBR", alice, big.NewInt(10)); err != nil {
			return err
		}
		err := l.Transfer("HBR", alice, bob, big.NewInt(11))
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		return nil
	})
}

func TestSelfTransferConservesBalance(t *testing.T) {
	alice := testAddress(t, 0x01)

	withLedger(t, func(l *Ledger) error {
		if err := l.Mint("HBR", alice, big.NewInt(100)); err != nil {
			return err
		}
		// Repeated self-transfers must leave the balance untouched.
		for i := 0; i < 5; i++ {
			if err := l.Transfer("HBR", alice, alice, big.NewInt(60)); err != nil {
				return err
			}
		}
		balance, err := l.BalanceOf("HBR", alice)
		if err != nil {
			return err
		}
		if balance.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("self-transfer changed balance: %s, want 100", balance)
		}
		// The balance check still applies to the degenerate case.
		err = l.Transfer("HBR", alice, alice, big.NewInt(101))
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		return nil
	})
}

func TestTransferFromToOwnerConservesBalance(t *testing.T) {
	owner := testAddress(t, 0x01)
	spender := testAddress(t, 0x02)

	withLedger(t, func(l *Ledger) error {
		if err := l.Mint("HBR", owner, big.NewInt(100)); err != nil {
			return err
		}
		if err := l.Approve("HBR", owner, spender, big.NewInt(50)); err != nil {
			return err
		}
		if err := l.TransferFrom("HBR", spender, owner, owner, big.NewInt(30)); err != nil {
			return err
		}
		balance, err := l.BalanceOf("HBR", owner)
		if err != nil {
			return err
		}
		if balance.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("owner balance = %s, want 100", balance)
		}
		// The allowance is still consumed for the authorized move.
		remaining, err := l.Allowance("HBR", owner, spender)
		if err != nil {
			return err
		}
		if remaining.Cmp(big.NewInt(20)) != 0 {
			t.Fatalf("allowance = %s, want 20", remaining)
		}
		return nil
	})
}

func TestAllowanceLifecycle(t *testing.T) {
	owner := testAddress(t, 0x01)
	spender := testAddress(t, 0x02)
	sink := testAddress(t, 0x03)

	withLedger(t, func(l *Ledger) error {
		if err := l.Mint("HBR", owner, big.NewInt(100)); err != nil {
			return err
		}
		if err := l.Approve("HBR", owner, spender, big.NewInt(50)); err != nil {
			return err
		}
		if err := l.TransferFrom("HBR", spender, owner, sink, big.NewInt(30)); err != nil {
			return err
		}
		remaining, err := l.Allowance("HBR", owner, spender)
		if err != nil {
			return err
		}
		if remaining.Cmp(big.NewInt(20)) != 0 {
			t.Fatalf("allowance = %s, want 20", remaining)
		}
		err = l.TransferFrom("HBR", spender, owner, sink, big.NewInt(25))
		if !errors.Is(err, ErrInsufficientAllowance) {
			t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
		}
		return nil
	})
}
