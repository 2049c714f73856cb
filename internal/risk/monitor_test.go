package risk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"crypto-snipper/internal/events"
	"crypto-snipper/internal/executor"
	"crypto-snipper/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu        sync.Mutex
	open      map[string]model.TrackedPosition
	closeErr  error
	closeHits int
}

func newFakeGateway(positions ...model.TrackedPosition) *fakeGateway {
	g := &fakeGateway{open: make(map[string]model.TrackedPosition)}
	for _, p := range positions {
		g.open[p.ID] = p
	}
	return g
}

func (g *fakeGateway) ClosePosition(_ context.Context, id string) (*model.TrackedPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeHits++
	if g.closeErr != nil {
		return nil, g.closeErr
	}
	p, ok := g.open[id]
	if !ok {
		return nil, errors.New("not found")
	}
	delete(g.open, id)
	p.Status = model.PositionClosed
	return &p, nil
}

func (g *fakeGateway) OpenPositions(context.Context) ([]model.TrackedPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.TrackedPosition, 0, len(g.open))
	for _, p := range g.open {
		out = append(out, p)
	}
	return out, nil
}

func (g *fakeGateway) setCloseErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeErr = err
}

func (g *fakeGateway) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, id)
}

func (g *fakeGateway) hits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeHits
}

type fakeStream struct {
	mu   sync.Mutex
	subs map[string]bool
}

func newFakeStream(preexisting ...string) *fakeStream {
	s := &fakeStream{subs: make(map[string]bool)}
	for _, sym := range preexisting {
		s.subs[sym] = true
	}
	return s
}

func (s *fakeStream) Subscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[symbol] = true
	return nil
}

func (s *fakeStream) Unsubscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, symbol)
	return nil
}

func (s *fakeStream) IsSubscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[symbol]
}

func (s *fakeStream) symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sym := range s.subs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

type fakeTicker struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func (f *fakeTicker) FetchTicker(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("no ticker")
	}
	return p, nil
}

func longPosition(id, symbol string) model.TrackedPosition {
	return model.TrackedPosition{
		ID: id, Symbol: symbol, Side: model.DirLong, EntryPrice: 100,
		Amount: 1, TakeProfit: 100.3, StopLoss: 99.85, Status: model.PositionOpen,
	}
}

func publishPrice(bus *events.Bus, symbol string, price float64) {
	bus.Publish(events.Event{Type: events.Price, Symbol: symbol, Payload: model.PriceUpdate{Symbol: symbol, Price: price}})
}

func nextEvent(t *testing.T, sub *events.Subscription, want events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func newTestMonitor(t *testing.T, cfg Config, g *fakeGateway, s *fakeStream, tk TickerFetcher) (*Monitor, *events.Bus) {
	bus := events.NewBus(nil)
	m := NewMonitor(cfg, g, s, tk, bus, nil)
	t.Cleanup(m.Stop)
	return m, bus
}

func TestMonitorAutoClosesOnTakeProfit(t *testing.T) {
	g := newFakeGateway(longPosition("p1", "btcidr"))
	s := newFakeStream()
	m, bus := newTestMonitor(t, Config{SweepInterval: time.Hour}, g, s, nil)
	sub := bus.Subscribe("test", 64, events.PositionUpdate, events.PositionAutoClosed)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"btcidr"}, s.symbols())

	publishPrice(bus, "btcidr", 100.1)
	upd := nextEvent(t, sub, events.PositionUpdate).Payload.(Update)
	assert.InDelta(t, 0.1, upd.PnLPercent, 1e-9)
	assert.False(t, upd.HitTakeProfit)
	assert.False(t, upd.HitStopLoss)
	assert.Equal(t, 0, g.hits())

	publishPrice(bus, "btcidr", 100.3)
	upd = nextEvent(t, sub, events.PositionUpdate).Payload.(Update)
	assert.True(t, upd.HitTakeProfit)

	closed := nextEvent(t, sub, events.PositionAutoClosed).Payload.(AutoClosed)
	assert.Equal(t, ReasonTakeProfit, closed.Reason)
	assert.Equal(t, "p1", closed.Position.ID)
	assert.Equal(t, model.PositionClosed, closed.Position.Status)
	assert.Equal(t, 100.3, closed.Price)
}

func TestMonitorCloseFailureIsRetriedOnNextTick(t *testing.T) {
	g := newFakeGateway(longPosition("p1", "btcidr"))
	g.setCloseErr(errors.New("gateway down"))
	m, bus := newTestMonitor(t, Config{SweepInterval: time.Hour}, g, newFakeStream(), nil)
	sub := bus.Subscribe("test", 64, events.PositionCloseFailed, events.PositionAutoClosed)
	require.NoError(t, m.Start(context.Background()))

	publishPrice(bus, "btcidr", 99.8)
	failed := nextEvent(t, sub, events.PositionCloseFailed).Payload.(CloseFailed)
	assert.Equal(t, "p1", failed.PositionID)
	assert.Equal(t, ReasonStopLoss, failed.Reason)
	assert.Equal(t, "gateway down", failed.Err)
	assert.Equal(t, 1, g.hits())

	g.setCloseErr(nil)
	publishPrice(bus, "btcidr", 99.8)
	closed := nextEvent(t, sub, events.PositionAutoClosed).Payload.(AutoClosed)
	assert.Equal(t, ReasonStopLoss, closed.Reason)
	assert.Equal(t, 2, g.hits())
}

func TestMonitorSweepPollsTickerForStaleSymbols(t *testing.T) {
	g := newFakeGateway(longPosition("p1", "ethidr"))
	tk := &fakeTicker{prices: map[string]float64{"ethidr": 99.5}}
	m, bus := newTestMonitor(t, Config{SweepInterval: 20 * time.Millisecond, StaleAfter: time.Second}, g, newFakeStream(), tk)
	sub := bus.Subscribe("test", 64, events.PositionAutoClosed)
	require.NoError(t, m.Start(context.Background()))

	closed := nextEvent(t, sub, events.PositionAutoClosed).Payload.(AutoClosed)
	assert.Equal(t, ReasonStopLoss, closed.Reason)
	assert.Equal(t, 99.5, closed.Price)
}

func TestMonitorReconcilesSubscriptions(t *testing.T) {
	g := newFakeGateway(longPosition("p1", "btcidr"), longPosition("p2", "ethidr"))
	s := newFakeStream("ethidr")
	m, _ := newTestMonitor(t, Config{SweepInterval: 20 * time.Millisecond}, g, s, nil)
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"btcidr", "ethidr"}, s.symbols())

	g.remove("p1")
	assert.Eventually(t, func() bool {
		return !s.IsSubscribed("btcidr")
	}, 2*time.Second, 10*time.Millisecond)

	// ethidr 由其他组件订阅，停止时保留
	m.Stop()
	assert.Equal(t, []string{"ethidr"}, s.symbols())
}

func TestMonitorTrackSubscribesAndEvaluates(t *testing.T) {
	g := newFakeGateway()
	s := newFakeStream()
	m, bus := newTestMonitor(t, Config{SweepInterval: time.Hour}, g, s, nil)
	sub := bus.Subscribe("test", 64, events.PositionUpdate)
	require.NoError(t, m.Start(context.Background()))
	assert.Empty(t, s.symbols())

	m.Track(longPosition("p9", "solidr"))
	assert.Eventually(t, func() bool { return s.IsSubscribed("solidr") }, 2*time.Second, 10*time.Millisecond)

	publishPrice(bus, "solidr", 100.2)
	upd := nextEvent(t, sub, events.PositionUpdate).Payload.(Update)
	assert.Equal(t, "p9", upd.Position.ID)
	assert.InDelta(t, 0.2, upd.PnLPercent, 1e-9)
}

func TestMonitorShortPosition(t *testing.T) {
	short := model.TrackedPosition{
		ID: "s1", Symbol: "btcidr", Side: model.DirShort, EntryPrice: 100,
		Amount: 1, TakeProfit: 99.7, StopLoss: 100.15, Status: model.PositionOpen,
	}
	g := newFakeGateway(short)
	m, bus := newTestMonitor(t, Config{SweepInterval: time.Hour}, g, newFakeStream(), nil)
	sub := bus.Subscribe("test", 64, events.PositionAutoClosed)
	require.NoError(t, m.Start(context.Background()))

	publishPrice(bus, "btcidr", 99.7)
	closed := nextEvent(t, sub, events.PositionAutoClosed).Payload.(AutoClosed)
	assert.Equal(t, ReasonTakeProfit, closed.Reason)
}

func TestMonitorStopIsIdempotentAndSilences(t *testing.T) {
	g := newFakeGateway(longPosition("p1", "btcidr"))
	s := newFakeStream()
	m, bus := newTestMonitor(t, Config{SweepInterval: time.Hour}, g, s, nil)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	m.Stop()
	assert.Empty(t, s.symbols())

	sub := bus.Subscribe("test", 64, events.PositionUpdate)
	publishPrice(bus, "btcidr", 100.5)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event after stop: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, g.hits())

	// 停止后 Track 不阻塞
	m.Track(longPosition("p2", "ethidr"))
}

// noStream 行情流离线，没有任何价格
type noStream struct{ *fakeStream }

func (noStream) Price(string) (float64, bool) { return 0, false }
func (noStream) Connected() bool              { return false }

func TestMonitorSweepClosesThroughSimulatorWithTickerOnly(t *testing.T) {
	tk := &fakeTicker{prices: map[string]float64{"btcidr": 100}}
	stream := noStream{newFakeStream()}
	sim := executor.NewSimulatorExecutor(executor.SimulatorConfig{InitialCapital: 1000, NotionalPerTrade: 100},
		executor.NewFallbackPrices(stream, tk, time.Second, nil), nil)

	ctx := context.Background()
	pos, err := sim.ExecuteScalpSignal(ctx, "acct", model.ScalpSignal{
		Symbol: "btcidr", Direction: model.DirLong, EntryPrice: 100, TakeProfit: 100.3, StopLoss: 99.85,
	})
	require.NoError(t, err)

	tk.mu.Lock()
	tk.prices["btcidr"] = 100.5
	tk.mu.Unlock()

	bus := events.NewBus(nil)
	m := NewMonitor(Config{SweepInterval: 20 * time.Millisecond, StaleAfter: time.Second}, sim, stream, tk, bus, nil)
	t.Cleanup(m.Stop)
	sub := bus.Subscribe("test", 64, events.PositionAutoClosed, events.PositionCloseFailed)
	require.NoError(t, m.Start(ctx))

	ev := nextEvent(t, sub, events.PositionAutoClosed)
	closed := ev.Payload.(AutoClosed)
	assert.Equal(t, pos.ID, closed.Position.ID)
	assert.Equal(t, ReasonTakeProfit, closed.Reason)
	assert.Equal(t, 100.5, closed.Position.ExitPrice)

	open, err := sim.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}
