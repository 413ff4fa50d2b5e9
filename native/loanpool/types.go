package loanpool

import (
	"fmt"
	"math/big"

	"harbor/crypto"
	"harbor/native/token"
)

// Pool captures the global share accounting for one asset. Amounts are
// wei-denominated big integers; ExchangeRate is ray-scaled (1e18) underlying
// per share and only ever moves when flash-loan fees settle.
type Pool struct {
	// TotalShares is the aggregate share supply minted against deposits.
	TotalShares *big.Int
	// ExchangeRate converts share amounts to underlying amounts.
	ExchangeRate *big.Int
}

// ShareAccount maintains the share balance for an individual depositor.
type ShareAccount struct {
	// Address is the depositor's principal identifier.
	Address [20]byte
	// Shares is the depositor's proportional claim on pool liquidity.
	Shares *big.Int
}

func poolKey(asset string) []byte {
	return []byte(fmt.Sprintf("loanpool/pool/%s", token.NormalizeAsset(asset)))
}

func shareKey(asset string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("loanpool/shares/%s/%x", token.NormalizeAsset(asset), addr.Bytes()))
}

// loanSession is the ephemeral record of one open borrow/repay cycle. It lives
// only in memory for the duration of the call and is never persisted.
type loanSession struct {
	initiator crypto.Address
	borrowed  *big.Int
	fee       *big.Int
	starting  *big.Int
}
