package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-narrator/internal/store"
	"trade-narrator/inventory"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	fail   map[string]bool
	calls  map[string]int
}

func newFakePrices(prices map[string]float64) *fakePrices {
	return &fakePrices{prices: prices, fail: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakePrices) set(asset string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = price
}

func (f *fakePrices) MarketPrice(_ context.Context, asset string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[asset]++
	if f.fail[asset] {
		return 0, errors.New("ticker unavailable")
	}
	p, ok := f.prices[asset]
	if !ok {
		return 0, errors.New("unknown instrument")
	}
	return p, nil
}

type fakePortfolio struct {
	pf  inventory.Portfolio
	err error
}

func (f *fakePortfolio) PortfolioDetails(context.Context) (inventory.Portfolio, error) {
	return f.pf, f.err
}

// recordingNotifier 记录事件，并在收到事件时检查磁盘状态已更新
type recordingNotifier struct {
	t      *testing.T
	dir    string
	mu     sync.Mutex
	events []inventory.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev inventory.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	if n.dir != "" {
		reloaded, err := store.New(n.dir)
		require.NoError(n.t, err)
		positions, history, err := reloaded.Load()
		require.NoError(n.t, err)
		switch e := ev.(type) {
		case inventory.NewBuy, inventory.AddToPosition, inventory.PartialSell:
			assert.Contains(n.t, positions, ev.AssetName(), "position persisted before notify")
		case inventory.CloseTrade:
			assert.NotContains(n.t, positions, e.Asset)
			require.NotEmpty(n.t, history)
			assert.Equal(n.t, e.Asset, history[len(history)-1].Asset)
		}
	}
	return n.err
}

func (n *recordingNotifier) Events() []inventory.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]inventory.Event(nil), n.events...)
}

type harness struct {
	dir      string
	store    *store.Store
	prices   *fakePrices
	pf       *fakePortfolio
	notifier *recordingNotifier
	engine   *ReconcileEngine
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)
	_, _, err = st.Load()
	require.NoError(t, err)

	h := &harness{
		dir:      dir,
		store:    st,
		prices:   newFakePrices(map[string]float64{}),
		pf:       &fakePortfolio{pf: inventory.Portfolio{TotalValue: 1000, CashValue: 800}},
		notifier: &recordingNotifier{t: t, dir: dir},
		clock:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	eng, err := New(Config{}, Components{
		Store:     st,
		Prices:    h.prices,
		Portfolio: h.pf,
		Notifier:  h.notifier,
	})
	require.NoError(t, err)
	eng.now = func() time.Time { return h.clock }
	h.engine = eng
	return h
}

func snapshot(balances map[string]float64) inventory.BalanceSnapshot {
	return inventory.BalanceSnapshot{Balances: balances}
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{}, Components{})
	assert.Error(t, err)
}

func TestOpenThenCloseScenario(t *testing.T) {
	h := newHarness(t)
	h.prices.set("X", 2.0)

	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"X": 10, "USDT": 800}))
	require.NoError(t, err)
	require.Len(t, out.Applied, 1)
	assert.Equal(t, inventory.ActionOpen, out.Applied[0].Action)

	pos, ok := h.store.Position("X")
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.AvgBuyPrice)
	assert.InDelta(t, 2.0, pos.EntryCapitalPercent, 1e-9)
	assert.NotEmpty(t, pos.ID)

	h.clock = h.clock.Add(36 * time.Hour)
	h.prices.set("X", 2.2)
	out, err = h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"X": 0, "USDT": 822}))
	require.NoError(t, err)
	require.Len(t, out.Applied, 1)
	assert.Equal(t, inventory.ActionClose, out.Applied[0].Action)

	_, ok = h.store.Position("X")
	assert.False(t, ok)
	history := h.store.History()
	require.Len(t, history, 1)
	assert.InDelta(t, 10.0, history[0].ROIPercent, 1e-9)
	assert.InDelta(t, 1.5, history[0].DurationDays, 1e-9)
	assert.Equal(t, pos.ID, history[0].ID)

	events := h.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, inventory.KindNewBuy, events[0].Kind())
	assert.Equal(t, inventory.KindCloseTrade, events[1].Kind())
}

func TestScaleInAverage(t *testing.T) {
	h := newHarness(t)
	h.prices.set("Y", 10)
	_, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"Y": 5}))
	require.NoError(t, err)

	h.prices.set("Y", 20)
	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"Y": 10}))
	require.NoError(t, err)
	require.Len(t, out.Applied, 1)

	pos, _ := h.store.Position("Y")
	assert.InDelta(t, 15.0, pos.AvgBuyPrice, 1e-9)
	ev, ok := h.notifier.Events()[1].(inventory.AddToPosition)
	require.True(t, ok)
	assert.InDelta(t, 5.0, ev.AddedQty, 1e-9)
}

func TestMissingStoredAssetTreatedAsZero(t *testing.T) {
	h := newHarness(t)
	h.prices.set("BTC", 100)
	_, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"BTC": 1}))
	require.NoError(t, err)

	h.prices.set("BTC", 110)
	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"USDT": 900}))
	require.NoError(t, err)
	require.Len(t, out.Applied, 1)
	assert.Equal(t, inventory.ActionClose, out.Applied[0].Action)
}

func TestNoOps(t *testing.T) {
	h := newHarness(t)
	h.prices.set("DUST", 0.5)
	h.prices.set("ETH", 2000)

	// 无持仓时卖出：不查价、不变更
	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"DUST": 1, "USDT": 10}))
	require.NoError(t, err)
	assert.Empty(t, out.Applied)
	assert.Equal(t, inventory.ReasonBelowNotional, out.Skipped["DUST"])
	assert.Zero(t, h.prices.calls["USDT"], "cash asset never priced")

	_, err = h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"ETH": 1}))
	require.NoError(t, err)
	calls := h.prices.calls["ETH"]

	// 数量不变不查价
	out, err = h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"ETH": 1}))
	require.NoError(t, err)
	assert.Empty(t, out.Applied)
	assert.Equal(t, calls, h.prices.calls["ETH"])

	// 名义价值不足 1 USDT
	out, err = h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"ETH": 1.0004}))
	require.NoError(t, err)
	assert.Empty(t, out.Applied)
	assert.Equal(t, inventory.ReasonBelowNotional, out.Skipped["ETH"])

	pos, _ := h.store.Position("ETH")
	assert.Equal(t, 1.0, pos.TotalQty)
	assert.Len(t, h.notifier.Events(), 1)
}

func TestPortfolioFailureDropsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.prices.set("BTC", 100)
	h.pf.err = errors.New("timeout")

	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"BTC": 1}))
	assert.ErrorIs(t, err, ErrSnapshotDropped)
	assert.Empty(t, out.Applied)
	assert.Empty(t, h.store.Positions())
	assert.Empty(t, h.notifier.Events())
	assert.Zero(t, h.prices.calls["BTC"])
	assert.EqualValues(t, 1, h.engine.GetStatistics().Dropped)
}

func TestPriceFailureSkipsOnlyThatAsset(t *testing.T) {
	h := newHarness(t)
	h.prices.set("BTC", 100)
	h.prices.set("ETH", 10)
	h.prices.fail["BTC"] = true

	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"BTC": 1, "ETH": 1}))
	require.NoError(t, err)
	require.Len(t, out.Applied, 1)
	assert.Equal(t, "ETH", out.Applied[0].Asset)
	assert.Equal(t, inventory.ReasonNoPrice, out.Skipped["BTC"])
	_, ok := h.store.Position("BTC")
	assert.False(t, ok)
}

func TestPersistFailureAbortsWithoutNotify(t *testing.T) {
	h := newHarness(t)
	h.prices.set("BTC", 100)

	// 用同名目录占位让原子替换失败
	positions := filepath.Join(h.dir, store.PositionsFile)
	require.NoError(t, os.Remove(positions))
	require.NoError(t, os.Mkdir(positions, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(positions, "keep"), []byte("x"), 0o644))
	h.notifier.dir = ""

	_, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"BTC": 1}))
	assert.ErrorIs(t, err, ErrPersist)
	assert.Empty(t, h.store.Positions(), "memory rolled back")
	assert.Empty(t, h.notifier.Events())
}

func TestNotifyFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.prices.set("BTC", 100)
	h.notifier.err = errors.New("telegram down")

	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"BTC": 1}))
	require.NoError(t, err)
	assert.Len(t, out.Applied, 1)
	_, ok := h.store.Position("BTC")
	assert.True(t, ok)
	assert.EqualValues(t, 1, h.engine.GetStatistics().NotifyErrors)
}

func TestReplayedSnapshotIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.prices.set("BTC", 100)
	snap := snapshot(map[string]float64{"BTC": 1.5})

	for i := 0; i < 3; i++ {
		_, err := h.engine.HandleSnapshot(context.Background(), snap)
		require.NoError(t, err)
	}
	pos, _ := h.store.Position("BTC")
	assert.Equal(t, 1.5, pos.TotalQty)
	assert.Len(t, h.notifier.Events(), 1)
}

func TestPartialThenCloseUsesWeightedExit(t *testing.T) {
	h := newHarness(t)
	h.prices.set("SOL", 100)
	_, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"SOL": 10}))
	require.NoError(t, err)

	h.prices.set("SOL", 110)
	out, err := h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"SOL": 4}))
	require.NoError(t, err)
	require.Len(t, out.Applied, 1)
	ps := out.Applied[0].Event.(inventory.PartialSell)
	assert.InDelta(t, 60.0, ps.SoldPercent, 1e-9)
	assert.InDelta(t, 10.0, ps.PnLPercent, 1e-9)

	h.prices.set("SOL", 120)
	_, err = h.engine.HandleSnapshot(context.Background(), snapshot(map[string]float64{"SOL": 0}))
	require.NoError(t, err)
	history := h.store.History()
	require.Len(t, history, 1)
	// (6*110 + 4*120) / 10 = 114
	assert.InDelta(t, 114.0, history[0].AvgSellPrice, 1e-9)
	assert.InDelta(t, 14.0, history[0].ROIPercent, 1e-9)
}
