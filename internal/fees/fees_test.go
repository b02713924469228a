package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/money"
)

func TestPlatformSplit(t *testing.T) {
	s, err := PlatformSplit("1000", 3.0)
	require.NoError(t, err)
	assert.Equal(t, 0, money.Cmp("30", s.Fee))
	assert.Equal(t, 0, money.Cmp("970", s.Net))
	assert.Equal(t, 0, money.Cmp("1000", money.Add(s.Fee, s.Net)))
}

func TestPlatformSplitZeroPercent(t *testing.T) {
	s, err := PlatformSplit("1000", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, money.Cmp("0", s.Fee))
	assert.Equal(t, 0, money.Cmp("1000", s.Net))
}

func TestSplitRoundsFeeDown(t *testing.T) {
	// 3% of 0.000000001 rounds to zero fee; the counterparty keeps the
	// base unit.
	s, err := PlatformSplit("0.000000001", 3.0)
	require.NoError(t, err)
	assert.Equal(t, 0, money.Cmp("0", s.Fee))
	assert.Equal(t, 0, money.Cmp("0.000000001", s.Net))
}

func TestSplitConservation(t *testing.T) {
	amounts := []string{"1", "999.999999999", "0.123456789", "1070", "33.33"}
	pcts := []float64{0.5, 1.0, 2.5, 3.0, 99.9}
	for _, amt := range amounts {
		for _, pct := range pcts {
			s, err := PlatformSplit(amt, pct)
			require.NoError(t, err)
			assert.Equal(t, 0, money.Cmp(amt, money.Add(s.Fee, s.Net)),
				"conservation broken for %s at %g%%", amt, pct)
		}
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	_, err := PlatformSplit("1000", -1)
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = PlatformSplit("1000", 101)
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = PlatformSplit("not-a-number", 3)
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = PlatformSplit("-5", 3)
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func TestCancellationSplit(t *testing.T) {
	s, err := CancellationSplit("1000")
	require.NoError(t, err)
	assert.Equal(t, CancellationPercent, s.Percent)
	assert.Equal(t, 0, money.Cmp("10", s.Fee))
	assert.Equal(t, 0, money.Cmp("990", s.Net))
}

func TestTraditionalCompletion(t *testing.T) {
	s, err := TraditionalCompletion("1000", "100", 3.0)
	require.NoError(t, err)
	// Fee comes out of the buyer payment only.
	assert.Equal(t, 0, money.Cmp("30", s.Payment.Fee))
	assert.Equal(t, 0, money.Cmp("970", s.Payment.Net))
	assert.Equal(t, 0, money.Cmp("100", s.DepositReturn))
}

func TestTraditionalCompletionBadDeposit(t *testing.T) {
	_, err := TraditionalCompletion("1000", "bogus", 3.0)
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func TestSwapCompletion(t *testing.T) {
	s, err := SwapCompletion("10", "1000", 3.0)
	require.NoError(t, err)
	// Each side pays its own fee in its own asset.
	assert.Equal(t, 0, money.Cmp("0.3", s.PartyA.Fee))
	assert.Equal(t, 0, money.Cmp("9.7", s.PartyA.Net))
	assert.Equal(t, 0, money.Cmp("30", s.PartyB.Fee))
	assert.Equal(t, 0, money.Cmp("970", s.PartyB.Net))
}
