package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodesAreUniqueAndValid(t *testing.T) {
	seen := map[Code]bool{}
	for _, c := range All() {
		assert.False(t, seen[c], "duplicate %s", c)
		seen[c] = true
		assert.True(t, c.Valid())
	}
	assert.False(t, Code("NOT_A_CODE").Valid())
	assert.False(t, Code("").Valid())
}

func TestFamilyAndCategory(t *testing.T) {
	assert.Equal(t, "QUOTE", QuoteRevert.Family())
	assert.Equal(t, "INFRA", InfraRPCError.Family())

	assert.Equal(t, CategoryRevert, QuoteRevert.Category())
	assert.Equal(t, CategorySlippage, SlippageTooHigh.Category())
	assert.Equal(t, CategoryInfra, InfraBlockPinFailed.Category())
	assert.Equal(t, CategoryOther, PriceSanityFailed.Category())
	assert.Len(t, Categories(), 4)
}

func TestCodeOfWalksTheChain(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, UnknownError, CodeOf(errors.New("plain")))

	inner := New(QuoteRevert, "execution reverted").WithDetail("pool", "0xabc")
	wrapped := fmt.Errorf("quote uniswap_v3: %w", inner)
	assert.Equal(t, QuoteRevert, CodeOf(wrapped))
	assert.Equal(t, "0xabc", DetailsOf(wrapped)["pool"])
	assert.Nil(t, DetailsOf(errors.New("plain")))

	cause := errors.New("dial tcp: refused")
	err := Wrap(InfraConnectionError, cause, "eth_call")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "INFRA_CONNECTION_ERROR: eth_call: dial tcp: refused", err.Error())
}
