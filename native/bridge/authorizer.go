package bridge

import (
	"errors"
	"fmt"
	"time"

	"harbor/crypto"
)

var (
	// ErrExpiredAuthorization is returned when the deadline has passed at
	// verification time.
	ErrExpiredAuthorization = errors.New("bridge: authorization expired")
	// ErrInvalidSignature is returned when the recovered signer does not match
	// the claimed principal.
	ErrInvalidSignature = errors.New("bridge: invalid signature")
	// ErrNonceMismatch is returned when the supplied nonce does not equal the
	// principal's current counter. A consumed authorization always fails here.
	ErrNonceMismatch = errors.New("bridge: nonce mismatch")
)

// Nonce namespaces keep withdrawal authorizations and gateway intents on
// independent counters for the same principal.
const (
	NonceWithdraw = "withdraw"
	NonceIntent   = "intent"
)

// NonceState is the persistence surface the authorizer needs.
type NonceState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type storedNonce struct {
	Value uint64
}

func nonceKey(namespace string, principal crypto.Address) []byte {
	return []byte(fmt.Sprintf("bridge/nonce/%s/%x", namespace, principal.Bytes()))
}

// Authorizer verifies signed authorizations and owns the per-principal nonce
// counters. Verification never mutates state; the calling engine consumes the
// nonce inside the same state transaction as the authorized action so a failed
// action rolls the increment back with everything else.
type Authorizer struct {
	clock func() time.Time
}

// NewAuthorizer constructs an authorizer using the ambient clock.
func NewAuthorizer() *Authorizer {
	return &Authorizer{clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (a *Authorizer) SetClock(clock func() time.Time) {
	if a == nil || clock == nil {
		return
	}
	a.clock = clock
}

// NonceOf returns the principal's current counter in the namespace. The next
// valid authorization must carry exactly this value.
func (a *Authorizer) NonceOf(state NonceState, namespace string, principal crypto.Address) (uint64, error) {
	if state == nil {
		return 0, errors.New("bridge: authorizer state not configured")
	}
	var stored storedNonce
	ok, err := state.KVGet(nonceKey(namespace, principal), &stored)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return stored.Value, nil
}

// Verify checks the authorization in order: deadline against the current
// ambient time, nonce against the principal's counter, then signature
// recovery against the claimed principal.
func (a *Authorizer) Verify(state NonceState, namespace string, principal crypto.Address, digest []byte, nonce uint64, deadline int64, sig []byte) error {
	if a == nil {
		return errors.New("bridge: authorizer not configured")
	}
	if deadline < a.clock().Unix() {
		return ErrExpiredAuthorization
	}
	current, err := a.NonceOf(state, namespace, principal)
	if err != nil {
		return err
	}
	if nonce != current {
		return fmt.Errorf("%w: have %d, want %d", ErrNonceMismatch, nonce, current)
	}
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !recovered.Equal(principal) {
		return ErrInvalidSignature
	}
	return nil
}

// Consume increments the principal's counter by exactly one. Must be called
// after Verify and within the same state transaction as the authorized action.
func (a *Authorizer) Consume(state NonceState, namespace string, principal crypto.Address) error {
	current, err := a.NonceOf(state, namespace, principal)
	if err != nil {
		return err
	}
	return state.KVPut(nonceKey(namespace, principal), storedNonce{Value: current + 1})
}
