package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTally(t *testing.T) {
	y := Default().NewTally()

	c := y.Add(Usage{Model: "gpt-5", InputTokens: 1_000_000})
	require.NotNil(t, c)
	assert.InDelta(t, 1.25, *c, 1e-12)

	assert.Nil(t, y.Add(Usage{Model: "small-unknown", InputTokens: 100}))
	assert.Nil(t, y.Add(Usage{Model: "big-unknown", OutputTokens: 900}))
	assert.Nil(t, y.Add(Usage{Model: "small-unknown", InputTokens: 100}))

	s := y.Summary()
	assert.InDelta(t, 1.25, s.Cost, 1e-12)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, int64(1_000_000), s.PricedTokens)
	assert.Equal(t, int64(1_001_100), s.TotalTokens)
	assert.InDelta(t, 1_000_000.0/1_001_100.0, s.Coverage, 1e-12)
	assert.Equal(t, []string{"big-unknown", "small-unknown"}, s.Unpriced)
}

func TestTallyCoverageBounds(t *testing.T) {
	t.Run("NoTokens", func(t *testing.T) {
		y := Default().NewTally()
		assert.Equal(t, 1.0, y.Coverage())
		s := y.Summary()
		assert.Zero(t, s.Cost)
		assert.NotNil(t, s.Unpriced)
		assert.Empty(t, s.Unpriced)
	})

	t.Run("AllUnpriced", func(t *testing.T) {
		y := Default().NewTally()
		y.Add(Usage{Model: "x", InputTokens: 5})
		assert.Equal(t, 0.0, y.Coverage())
	})

	t.Run("ZeroTokenUnpricedModel", func(t *testing.T) {
		y := Default().NewTally()
		y.Add(Usage{Model: "gpt-5", OutputTokens: 10})
		y.Add(Usage{Model: "x"})
		assert.Equal(t, 1.0, y.Coverage())
		assert.Equal(t, []string{"x"}, y.Summary().Unpriced)
	})
}

func TestTallyRoundsCost(t *testing.T) {
	y := Table{
		PerUnit: 3,
		Models:  map[string]Rate{"m": {Input: 1}},
	}.NewTally()
	y.Add(Usage{Model: "m", InputTokens: 1})
	assert.Equal(t, 0.333333, y.Summary().Cost)
}
