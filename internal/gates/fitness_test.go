package gates

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
)

const key = "USDC/WETH_sushiswap_v3_3000"

func TestRetryLadder(t *testing.T) {
	f := NewPoolFitness(nil)
	assert.Equal(t, wei(17), f.SuggestSmallerAmount(wei(18)))
	assert.Equal(t, wei(16), f.SuggestSmallerAmount(wei(17)))
	assert.Nil(t, f.SuggestSmallerAmount(wei(16)))
	assert.Nil(t, f.SuggestSmallerAmount(big.NewInt(1)))
	// anything above the top rung steps down to the top rung's neighbour
	assert.Equal(t, wei(17), f.SuggestSmallerAmount(wei(19)))

	assert.Equal(t, []*big.Int{wei(17), wei(16)}, f.RetryAmounts(wei(18)))
	assert.Empty(t, f.RetryAmounts(wei(16)))
}

func TestRepeatedGasRejectsLowerTheCeiling(t *testing.T) {
	f := NewPoolFitness(StandardLadder())
	assert.Nil(t, f.MaxAmount(key))
	assert.Equal(t, []*big.Int{wei(16), wei(17), wei(18)}, f.Sizes(key))

	f.RecordFailure(key, wei(18), errcode.QuoteGasTooHigh)
	assert.Nil(t, f.MaxAmount(key), "one strike is not enough")
	f.RecordFailure(key, wei(18), errcode.QuoteGasTooHigh)
	require.NotNil(t, f.MaxAmount(key))
	assert.Equal(t, wei(17), f.MaxAmount(key))
	assert.Equal(t, []*big.Int{wei(16), wei(17)}, f.Sizes(key))

	// other codes count against the pool but never move the ceiling
	f.RecordFailure(key, wei(17), errcode.PriceSanityFailed)
	f.RecordFailure(key, wei(17), errcode.PriceSanityFailed)
	assert.Equal(t, wei(17), f.MaxAmount(key))
}

func TestCeilingRecoversAfterSuccesses(t *testing.T) {
	f := NewPoolFitness(StandardLadder())
	f.RecordFailure(key, wei(18), errcode.TicksCrossedTooMany)
	f.RecordFailure(key, wei(18), errcode.TicksCrossedTooMany)
	require.Equal(t, wei(17), f.MaxAmount(key))

	for i := 0; i < 3; i++ {
		f.RecordSuccess(key, wei(17))
	}
	assert.Equal(t, wei(18), f.MaxAmount(key))
	for i := 0; i < 3; i++ {
		f.RecordSuccess(key, wei(18))
	}
	assert.Nil(t, f.MaxAmount(key))
}

func TestUnfitAfterFailuresAtMinimum(t *testing.T) {
	f := NewPoolFitness(StandardLadder())
	for i := 0; i < 2; i++ {
		f.RecordFailure(key, wei(16), errcode.QuoteGasTooHigh)
	}
	assert.True(t, f.IsFit(key))
	f.RecordFailure(key, wei(16), errcode.QuoteGasTooHigh)
	assert.False(t, f.IsFit(key))
	assert.Empty(t, f.Sizes(key))
	assert.True(t, f.IsFit("other"))
}

func TestUnfitPoolIsReprobed(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	f := NewPoolFitness(StandardLadder())
	f.SetReprobe(5*time.Minute, c.now)

	for i := 0; i < 3; i++ {
		f.RecordFailure(key, wei(16), errcode.QuoteGasTooHigh)
	}
	require.False(t, f.IsFit(key))

	c.t = c.t.Add(4 * time.Minute)
	assert.False(t, f.IsFit(key))

	c.t = c.t.Add(time.Minute)
	assert.True(t, f.IsFit(key))
	assert.Equal(t, []*big.Int{wei(16)}, f.Sizes(key), "back at the smallest size only")

	// one more failure writes it off again and restarts the window
	f.RecordFailure(key, wei(16), errcode.QuoteGasTooHigh)
	assert.False(t, f.IsFit(key))
	c.t = c.t.Add(5 * time.Minute)
	assert.True(t, f.IsFit(key))

	// successes at the floor let the ceiling climb again
	for i := 0; i < 3; i++ {
		f.RecordSuccess(key, wei(16))
	}
	assert.Equal(t, wei(17), f.MaxAmount(key))
}

func TestFailureRate(t *testing.T) {
	f := NewPoolFitness(StandardLadder())
	assert.True(t, f.FailureRate(key).IsZero())

	f.RecordSuccess(key, wei(18))
	f.RecordFailure(key, wei(18), errcode.QuoteRevert)
	f.RecordFailure(key, wei(18), errcode.PriceSanityFailed)
	f.RecordFailure(key, wei(18), errcode.QuoteStaleBlock)
	assert.Equal(t, "0.75", f.FailureRate(key).String())

	for i := 0; i < 40; i++ {
		f.RecordSuccess(key, wei(18))
	}
	assert.True(t, f.FailureRate(key).IsZero(), "old outcomes roll out of the window")
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestPoolQuarantine(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q := NewQuarantine(3, 300*time.Second, c.now)

	assert.False(t, q.RecordFailure(key, errcode.QuoteRevert))
	assert.False(t, q.RecordFailure(key, errcode.QuoteRevert))
	assert.True(t, q.RecordFailure(key, errcode.QuoteRevert))
	assert.True(t, q.IsQuarantined(key))

	st := q.Stats()
	assert.Equal(t, 1, st.TotalQuarantines)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, []string{key}, st.ActiveKeys)

	c.t = c.t.Add(301 * time.Second)
	assert.False(t, q.IsQuarantined(key))
	assert.Equal(t, 0, q.Stats().Active)
}

func TestQuarantineSuccessResetsStreak(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q := NewQuarantine(3, time.Minute, c.now)

	q.RecordFailure(key, errcode.QuoteRevert)
	q.RecordFailure(key, errcode.QuoteRevert)
	q.RecordSuccess(key)
	assert.False(t, q.RecordFailure(key, errcode.QuoteRevert))
	assert.False(t, q.IsQuarantined(key))
}

func TestQuarantineCodes(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q := NewQuarantine(3, time.Minute, c.now)

	assert.True(t, q.RecordFailure("missing", errcode.PoolNotFound))
	assert.True(t, q.IsQuarantined("missing"))

	// rpc outages are not the pool's fault
	for i := 0; i < 10; i++ {
		assert.False(t, q.RecordFailure(key, errcode.InfraRPCError))
	}
	assert.False(t, q.IsQuarantined(key))
}
