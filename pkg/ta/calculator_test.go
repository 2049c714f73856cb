package ta

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestCalculateRequiresMinimumWindow(t *testing.T) {
	_, err := NewCalculator().Calculate(series(49, func(i int) float64 { return 100 }))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientHistory))
}

func TestCalculateRisingSeries(t *testing.T) {
	ind, err := NewCalculator().Calculate(series(60, func(i int) float64 { return 100 + float64(i) }))
	require.NoError(t, err)

	assert.Greater(t, ind.RSI, 70.0)
	assert.Equal(t, SignalBullish, ind.MomentumSignal)
	assert.InDelta(t, 10.0, ind.Momentum, 1e-9)
	assert.Greater(t, ind.MA, 100.0)
	assert.Equal(t, 159.0, ind.Price)
}

func TestCalculateFallingSeriesTouchesLowerBand(t *testing.T) {
	prices := series(60, func(i int) float64 { return 100 })
	prices[59] = 90

	ind, err := NewCalculator().Calculate(prices)
	require.NoError(t, err)
	assert.Equal(t, BollingerLowerTouch, ind.BollingerSignal)
	assert.Equal(t, SignalBearish, ind.MomentumSignal)
	assert.Less(t, ind.RSI, 30.0)
}

func TestStochCross(t *testing.T) {
	assert.Equal(t, StochBullishCross, stochCross([]float64{10, 30}, []float64{20, 20}))
	assert.Equal(t, StochBearishCross, stochCross([]float64{30, 10}, []float64{20, 20}))
	assert.Equal(t, StochNoCross, stochCross([]float64{30, 40}, []float64{20, 20}))
	assert.Equal(t, StochNoCross, stochCross([]float64{1}, []float64{1}))
}
