package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"trade-narrator/infrastructure/logger"
	"trade-narrator/internal/store"
	"trade-narrator/inventory"
	"trade-narrator/pkg/id"
)

var (
	// ErrSnapshotDropped 估值查询失败，整次快照被丢弃
	ErrSnapshotDropped = errors.New("snapshot dropped")
	// ErrPersist 持久化失败，本轮对账中止
	ErrPersist = errors.New("persist failed")
)

// PriceLookup 最新价格查询
type PriceLookup interface {
	MarketPrice(ctx context.Context, asset string) (float64, error)
}

// PortfolioLookup 账户总权益/现金查询
type PortfolioLookup interface {
	PortfolioDetails(ctx context.Context) (inventory.Portfolio, error)
}

// Notifier 交易事件下游
type Notifier interface {
	Notify(ctx context.Context, ev inventory.Event) error
}

// Metrics 对账指标
type Metrics interface {
	RecordSnapshot()
	RecordTransition(action string)
	RecordLookupFailure(kind string)
	RecordPersistFailure()
	RecordSnapshotLatency(seconds float64)
	UpdateOpenPositions(n int)
}

// Config 引擎配置
type Config struct {
	CashAsset        string        // 现金资产，不参与对账
	PriceTimeout     time.Duration // 单个价格查询超时
	PortfolioTimeout time.Duration // 估值查询超时
	NotifyTimeout    time.Duration // 单条通知超时
}

// Components 引擎依赖组件
type Components struct {
	Store     *store.Store
	Prices    PriceLookup
	Portfolio PortfolioLookup
	Notifier  Notifier
	Metrics   Metrics
	Logger    *logger.Logger
}

// Outcome 一次快照处理结果
type Outcome struct {
	Applied []inventory.Transition
	Skipped map[string]string // asset -> 原因
}

// ReconcileEngine 将余额快照转换为持仓迁移与交易事件。
// 同一时间只应有一个调用方驱动 HandleSnapshot，以保证同一资产的更新按到达顺序处理。
type ReconcileEngine struct {
	config Config

	store     *store.Store
	prices    PriceLookup
	portfolio PortfolioLookup
	notifier  Notifier
	metrics   Metrics
	logger    *logger.Logger

	now func() time.Time

	stats   Statistics
	statsMu sync.RWMutex
}

// Statistics 引擎统计信息
type Statistics struct {
	Snapshots      int64     `json:"snapshots"`
	Dropped        int64     `json:"dropped"`
	Transitions    int64     `json:"transitions"`
	NotifyErrors   int64     `json:"notify_errors"`
	LastSnapshotAt time.Time `json:"last_snapshot_at"`
	LastTransition time.Time `json:"last_transition_at"`
}

// New 创建对账引擎
func New(cfg Config, components Components) (*ReconcileEngine, error) {
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	// 设置默认值
	if cfg.CashAsset == "" {
		cfg.CashAsset = "USDT"
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 5 * time.Second
	}
	if cfg.PortfolioTimeout <= 0 {
		cfg.PortfolioTimeout = 10 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}

	return &ReconcileEngine{
		config:    cfg,
		store:     components.Store,
		prices:    components.Prices,
		portfolio: components.Portfolio,
		notifier:  components.Notifier,
		metrics:   components.Metrics,
		logger:    logger.OrNop(components.Logger).Named("engine"),
		now:       time.Now,
	}, nil
}

func validateComponents(c Components) error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Prices == nil {
		return fmt.Errorf("price lookup is required")
	}
	if c.Portfolio == nil {
		return fmt.Errorf("portfolio lookup is required")
	}
	return nil
}

// HandleSnapshot 对一次账户快照做对账。
// 价格与估值在进入 Store 临界区之前查询；每个资产的决策与落盘在同一临界区内完成，
// 落盘成功后才发送通知。
func (e *ReconcileEngine) HandleSnapshot(ctx context.Context, snap inventory.BalanceSnapshot) (Outcome, error) {
	start := e.now()
	out := Outcome{Skipped: make(map[string]string)}
	e.recordSnapshot(start)
	if e.metrics != nil {
		e.metrics.RecordSnapshot()
		defer func() { e.metrics.RecordSnapshotLatency(e.now().Sub(start).Seconds()) }()
	}

	// 1. 估值：没有总权益无法计算资金占比，整次丢弃
	pctx, cancel := context.WithTimeout(ctx, e.config.PortfolioTimeout)
	pf, err := e.portfolio.PortfolioDetails(pctx)
	cancel()
	if err != nil {
		e.recordDropped()
		if e.metrics != nil {
			e.metrics.RecordLookupFailure("portfolio")
		}
		e.logger.Error("portfolio lookup failed, dropping snapshot", zap.Error(err))
		return out, fmt.Errorf("%w: %v", ErrSnapshotDropped, err)
	}

	// 2. 候选资产与价格
	assets := e.candidates(snap)
	prices := make(map[string]float64, len(assets))
	for _, asset := range assets {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		price, err := e.lookupPrice(ctx, asset)
		if err != nil {
			out.Skipped[asset] = inventory.ReasonNoPrice
			if e.metrics != nil {
				e.metrics.RecordLookupFailure("price")
			}
			e.logger.Warn("price lookup failed, skipping asset",
				zap.String("asset", asset), zap.Error(err))
			continue
		}
		prices[asset] = price
	}

	// 3. 逐资产：锁内决策+落盘，锁外通知
	for _, asset := range assets {
		price, ok := prices[asset]
		if !ok {
			continue
		}
		tr, err := e.apply(asset, snap.Qty(asset), price, pf)
		if err != nil {
			if e.metrics != nil {
				e.metrics.RecordPersistFailure()
			}
			e.logger.LogError(err, map[string]interface{}{"action": "persist_transition", "asset": asset})
			return out, fmt.Errorf("%w: %s: %v", ErrPersist, asset, err)
		}
		if !tr.Mutates() {
			if tr.Reason != "" {
				out.Skipped[asset] = tr.Reason
			}
			continue
		}
		out.Applied = append(out.Applied, tr)
		e.afterPersist(ctx, tr)
	}

	if e.metrics != nil {
		e.metrics.UpdateOpenPositions(len(e.store.Assets()))
	}
	return out, nil
}

// candidates 快照资产与已持仓资产的并集（不含现金资产），按字母排序。
// 快照中缺失的已持仓资产数量视为 0。
func (e *ReconcileEngine) candidates(snap inventory.BalanceSnapshot) []string {
	seen := make(map[string]struct{}, len(snap.Balances))
	for asset := range snap.Balances {
		seen[asset] = struct{}{}
	}
	for _, asset := range e.store.Assets() {
		seen[asset] = struct{}{}
	}
	assets := make([]string, 0, len(seen))
	for asset := range seen {
		if asset == e.config.CashAsset || asset == "" {
			continue
		}
		// 数量未变化无需查价
		if pos, ok := e.store.Position(asset); ok && pos.TotalQty == snap.Qty(asset) {
			continue
		}
		if _, ok := e.store.Position(asset); !ok && snap.Qty(asset) <= 0 {
			continue
		}
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func (e *ReconcileEngine) lookupPrice(ctx context.Context, asset string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.PriceTimeout)
	defer cancel()
	return e.prices.MarketPrice(ctx, asset)
}

func (e *ReconcileEngine) apply(asset string, qty, price float64, pf inventory.Portfolio) (inventory.Transition, error) {
	var tr inventory.Transition
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.now().UTC()
		var prev *inventory.Position
		if p, ok := tx.Get(asset); ok {
			prev = &p
		}
		tr = inventory.Decide(asset, prev, qty, price, pf, now)
		switch tr.Action {
		case inventory.ActionOpen:
			tr.Position.ID = id.At(now)
			tx.Put(*tr.Position)
		case inventory.ActionScaleIn, inventory.ActionPartialSell:
			tx.Put(*tr.Position)
		case inventory.ActionClose:
			if tr.Closed.ID == "" {
				tr.Closed.ID = id.At(now)
			}
			tx.Append(*tr.Closed)
			tx.Delete(asset)
		}
		return nil
	})
	return tr, err
}

func (e *ReconcileEngine) afterPersist(ctx context.Context, tr inventory.Transition) {
	e.recordTransition()
	if e.metrics != nil {
		e.metrics.RecordTransition(tr.Action.String())
	}
	fields := map[string]interface{}{
		"asset":  tr.Asset,
		"action": tr.Action.String(),
		"delta":  tr.Delta,
	}
	if tr.Position != nil {
		fields["total_qty"] = tr.Position.TotalQty
		fields["avg_buy_price"] = tr.Position.AvgBuyPrice
	}
	if tr.Closed != nil {
		fields["roi"] = tr.Closed.ROIPercent
		fields["trade_id"] = tr.Closed.ID
	}
	e.logger.LogTrade(string(tr.Event.Kind()), fields)

	if e.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, e.config.NotifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, tr.Event); err != nil {
		// 状态已落盘，通知丢失不回滚
		e.recordNotifyError()
		e.logger.Warn("notify failed",
			zap.String("asset", tr.Asset),
			zap.String("kind", string(tr.Event.Kind())),
			zap.Error(err))
	}
}

// GetStatistics 获取统计信息
func (e *ReconcileEngine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

func (e *ReconcileEngine) recordSnapshot(at time.Time) {
	e.statsMu.Lock()
	e.stats.Snapshots++
	e.stats.LastSnapshotAt = at
	e.statsMu.Unlock()
}

func (e *ReconcileEngine) recordDropped() {
	e.statsMu.Lock()
	e.stats.Dropped++
	e.statsMu.Unlock()
}

func (e *ReconcileEngine) recordTransition() {
	e.statsMu.Lock()
	e.stats.Transitions++
	e.stats.LastTransition = e.now()
	e.statsMu.Unlock()
}

func (e *ReconcileEngine) recordNotifyError() {
	e.statsMu.Lock()
	e.stats.NotifyErrors++
	e.statsMu.Unlock()
}
