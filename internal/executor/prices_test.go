package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStreamPrices struct {
	fakePrices
	connected bool
}

func (f *fakeStreamPrices) Connected() bool { return f.connected }

type fakeTicker struct {
	price float64
	err   error
	calls int
}

func (f *fakeTicker) FetchTicker(context.Context, string) (float64, error) {
	f.calls++
	return f.price, f.err
}

func TestFallbackPricesPrefersLiveStream(t *testing.T) {
	stream := &fakeStreamPrices{connected: true}
	stream.set("btcidr", 100)
	ticker := &fakeTicker{price: 101}
	src := NewFallbackPrices(stream, ticker, 0, nil)

	p, ok := src.Price("btcidr")
	assert.True(t, ok)
	assert.Equal(t, 100.0, p)
	assert.Equal(t, 0, ticker.calls)

	// 流上没有该品种
	p, ok = src.Price("ethidr")
	assert.True(t, ok)
	assert.Equal(t, 101.0, p)
	assert.Equal(t, 1, ticker.calls)
}

func TestFallbackPricesIgnoresStaleStreamWhenDisconnected(t *testing.T) {
	stream := &fakeStreamPrices{connected: false}
	stream.set("btcidr", 100)
	src := NewFallbackPrices(stream, &fakeTicker{price: 97}, 0, nil)

	p, ok := src.Price("btcidr")
	assert.True(t, ok)
	assert.Equal(t, 97.0, p)
}

func TestFallbackPricesTickerFailure(t *testing.T) {
	src := NewFallbackPrices(&fakeStreamPrices{}, &fakeTicker{err: errors.New("boom")}, 0, nil)
	_, ok := src.Price("btcidr")
	assert.False(t, ok)

	_, ok = NewFallbackPrices(nil, nil, 0, nil).Price("btcidr")
	assert.False(t, ok)
}

func TestSimulatorClosesWithTickerOnlyPrice(t *testing.T) {
	ticker := &fakeTicker{price: 100}
	sim := NewSimulatorExecutor(SimulatorConfig{InitialCapital: 1000, NotionalPerTrade: 100},
		NewFallbackPrices(&fakeStreamPrices{}, ticker, 0, nil), nil)
	ctx := context.Background()

	pos, err := sim.ExecuteScalpSignal(ctx, "acct", longSignal("btcidr", 100))
	assert.NoError(t, err)

	ticker.price = 100.5
	closed, err := sim.ClosePosition(ctx, pos.ID)
	assert.NoError(t, err)
	assert.Equal(t, 100.5, closed.ExitPrice)
}
