package events

import (
	"math/big"

	"harbor/core/types"
	"harbor/crypto"
)

const (
	// TypeLoanPoolDeposit is emitted when liquidity is added and shares minted.
	TypeLoanPoolDeposit = "loanpool.deposit"
	// TypeLoanPoolRedeem is emitted when shares are burned for underlying.
	TypeLoanPoolRedeem = "loanpool.redeem"
	// TypeFlashLoan is emitted after a completed borrow/repay cycle; the fee
	// attribute reflects the amount folded into the exchange rate.
	TypeFlashLoan = "loanpool.flashloan"
)

type LoanPoolDeposit struct {
	Asset     string
	Depositor [20]byte
	Amount    *big.Int
	Shares    *big.Int
}

func (LoanPoolDeposit) EventType() string { return TypeLoanPoolDeposit }

func (e LoanPoolDeposit) Event() *types.Event {
	attrs := map[string]string{
		"asset":     normalizeAsset(e.Asset),
		"depositor": crypto.MustNewAddress(crypto.HarborPrefix, e.Depositor[:]).String(),
		"amount":    formatAmount(e.Amount),
		"shares":    formatAmount(e.Shares),
	}
	return &types.Event{Type: TypeLoanPoolDeposit, Attributes: attrs}
}

type LoanPoolRedeem struct {
	Asset    string
	Redeemer [20]byte
	Shares   *big.Int
	Amount   *big.Int
}

func (LoanPoolRedeem) EventType() string { return TypeLoanPoolRedeem }

func (e LoanPoolRedeem) Event() *types.Event {
	attrs := map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"redeemer": crypto.MustNewAddress(crypto.HarborPrefix, e.Redeemer[:]).String(),
		"shares":   formatAmount(e.Shares),
		"amount":   formatAmount(e.Amount),
	}
	return &types.Event{Type: TypeLoanPoolRedeem, Attributes: attrs}
}

type FlashLoan struct {
	Asset    string
	Receiver [20]byte
	Amount   *big.Int
	Fee      *big.Int
}

func (FlashLoan) EventType() string { return TypeFlashLoan }

func (e FlashLoan) Event() *types.Event {
	attrs := map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"receiver": crypto.MustNewAddress(crypto.HarborPrefix, e.Receiver[:]).String(),
		"amount":   formatAmount(e.Amount),
		"fee":      formatAmount(e.Fee),
	}
	return &types.Event{Type: TypeFlashLoan, Attributes: attrs}
}
