// Package fees computes platform and cancellation fee splits.
//
// All functions are pure. Every split conserves value exactly:
// Fee + Net == Gross in base units, with the fee rounded down so the
// counterparty never loses a base unit to rounding.
package fees

import (
	"math"
	"math/big"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
)

const (
	// DefaultPlatformPercent is the platform fee applied to payouts.
	DefaultPlatformPercent = 3.0

	// CancellationPercent is the fixed fee applied to refunded confirmed
	// deposits on mutual cancellation.
	CancellationPercent = 1.0
)

// Split is the result of applying a percentage fee to a single amount.
type Split struct {
	Gross   string  `json:"gross"`
	Fee     string  `json:"fee"`
	Net     string  `json:"net"`
	Percent float64 `json:"percent"`
}

// PlatformSplit applies pct to amount. fee = amount*pct/100 rounded down,
// net = amount - fee.
func PlatformSplit(amount string, pct float64) (Split, error) {
	return split(amount, pct)
}

// CancellationSplit applies the fixed 1% cancellation fee to a refunded
// confirmed deposit.
func CancellationSplit(amount string) (Split, error) {
	return split(amount, CancellationPercent)
}

func split(amount string, pct float64) (Split, error) {
	if pct < 0 || pct > 100 {
		return Split{}, fault.Newf(fault.Validation, "fee percent must be between 0 and 100, got %g", pct)
	}
	gross, ok := money.Parse(amount)
	if !ok {
		return Split{}, fault.Newf(fault.Validation, "invalid amount %q", amount)
	}
	if gross.Sign() < 0 {
		return Split{}, fault.Newf(fault.Validation, "amount must not be negative, got %s", amount)
	}

	// Percent in basis-point-thousandths keeps the arithmetic integral.
	bps := int64(math.Round(pct * 100_000))
	fee := new(big.Int).Mul(gross, big.NewInt(bps))
	fee.Quo(fee, big.NewInt(10_000_000))
	net := new(big.Int).Sub(gross, fee)

	return Split{
		Gross:   money.Format(gross),
		Fee:     money.Format(fee),
		Net:     money.Format(net),
		Percent: pct,
	}, nil
}

// TraditionalSettlement describes the payout of a completed traditional
// escrow: the platform fee is deducted from the buyer's payment only, and
// the seller's security deposit is returned in full, fee-free.
type TraditionalSettlement struct {
	Payment       Split  `json:"payment"`
	DepositReturn string `json:"depositReturn"`
}

// TraditionalCompletion computes the settlement of a traditional escrow.
// Conservation: Payment.Fee + Payment.Net + DepositReturn ==
// buyerAmount + sellerDeposit.
func TraditionalCompletion(buyerAmount, sellerDeposit string, pct float64) (TraditionalSettlement, error) {
	payment, err := split(buyerAmount, pct)
	if err != nil {
		return TraditionalSettlement{}, err
	}
	dep, ok := money.Parse(sellerDeposit)
	if !ok || dep.Sign() < 0 {
		return TraditionalSettlement{}, fault.Newf(fault.Validation, "invalid seller deposit %q", sellerDeposit)
	}
	return TraditionalSettlement{
		Payment:       payment,
		DepositReturn: money.Format(dep),
	}, nil
}

// SwapSettlement describes the cross-transfers of an executed atomic
// swap: each party's amount is charged the platform fee independently.
type SwapSettlement struct {
	PartyA      Split  `json:"partyA"`
	PartyB      Split  `json:"partyB"`
	TreasuryFee string `json:"treasuryFee"` // sum of both fees, mixed-asset total in base units
}

// SwapCompletion computes both sides of an atomic swap settlement.
func SwapCompletion(amountA, amountB string, pct float64) (SwapSettlement, error) {
	a, err := split(amountA, pct)
	if err != nil {
		return SwapSettlement{}, err
	}
	b, err := split(amountB, pct)
	if err != nil {
		return SwapSettlement{}, err
	}
	return SwapSettlement{
		PartyA:      a,
		PartyB:      b,
		TreasuryFee: money.Add(a.Fee, b.Fee),
	}, nil
}
