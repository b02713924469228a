package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidAddress(t *testing.T) {
	valid := []string{
		"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		"4Nd1mYvhGHLTy5cxbuTiiHhvvmFZryMQqBH1jzmDsWQS",
	}
	for _, a := range valid {
		assert.True(t, IsValidAddress(a), a)
	}

	invalid := []string{
		"",
		"0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb7", // hex, not base58
		"short",
		"contains0andOandIandl", // forbidden base58 chars
	}
	for _, a := range invalid {
		assert.False(t, IsValidAddress(a), a)
	}
}

func TestIsValidAsset(t *testing.T) {
	assert.True(t, IsValidAsset("USDC"))
	assert.True(t, IsValidAsset("SOL"))
	assert.False(t, IsValidAsset("usdc"))
	assert.False(t, IsValidAsset("A"))
	assert.False(t, IsValidAsset(""))
}

func TestValidAmount(t *testing.T) {
	cases := map[string]bool{
		"1.50":  true,
		"0.001": true,
		"1000":  true,
		"0":     false,
		"0.000": false,
		"-1":    false,
		"1.2.3": false,
		".5":    false,
		"5.":    false,
		"abc":   false,
	}
	for in, ok := range cases {
		err := ValidAmount("amount", in)()
		if ok {
			assert.Nil(t, err, in)
		} else {
			assert.NotNil(t, err, in)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyer", ""),
		ValidAmount("amount", "-3"),
		MaxLength("notes", "abc", 2),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "buyer", errs[0].Field)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "ab", SanitizeString("  ab\x00  ", 10))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}
