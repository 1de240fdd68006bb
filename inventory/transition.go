package inventory

import (
	"math"
	"time"
)

// Action 单次余额变动对应的状态迁移
type Action int

const (
	ActionNone Action = iota
	ActionOpen
	ActionScaleIn
	ActionPartialSell
	ActionClose
)

// String 返回迁移名称
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionOpen:
		return "OPEN"
	case ActionScaleIn:
		return "SCALE_IN"
	case ActionPartialSell:
		return "PARTIAL_SELL"
	case ActionClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// NoOp 原因
const (
	ReasonNoPrice       = "no_price"
	ReasonBelowNotional = "below_notional"
	ReasonNoPosition    = "sell_without_position"
)

// Transition Decide 的结果。
// Position 为迁移后的持仓（Close/None 时为 nil），Closed 仅 Close 时非空。
type Transition struct {
	Action   Action
	Asset    string
	Delta    float64
	Position *Position
	Closed   *ClosedTrade
	Event    Event
	Reason   string
}

// Mutates 是否需要落盘
func (t Transition) Mutates() bool {
	return t.Action != ActionNone
}

// Decide 根据已知持仓与最新数量/价格计算状态迁移，不修改 prev。
// 新开仓的 Position.ID 为空，由调用方分配。
func Decide(asset string, prev *Position, currentQty, price float64, pf Portfolio, now time.Time) Transition {
	tr := Transition{Action: ActionNone, Asset: asset}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		tr.Reason = ReasonNoPrice
		return tr
	}

	var prevQty float64
	if prev != nil {
		prevQty = prev.TotalQty
	}
	delta := currentQty - prevQty
	tr.Delta = delta
	if math.Abs(delta*price) < MinNotional {
		tr.Reason = ReasonBelowNotional
		return tr
	}

	if delta > 0 {
		tradeValue := delta * price
		if prev == nil {
			return openPosition(tr, currentQty, price, tradeValue, pf, now)
		}
		return scaleIn(tr, *prev, delta, price, tradeValue)
	}

	if prev == nil {
		tr.Reason = ReasonNoPosition
		return tr
	}
	soldQty := -delta
	if currentQty < DustQty {
		return closePosition(tr, *prev, soldQty, price, now)
	}
	return partialSell(tr, *prev, currentQty, soldQty, price)
}

func openPosition(tr Transition, qty, price, tradeValue float64, pf Portfolio, now time.Time) Transition {
	entryPct := percentOf(tradeValue, pf.TotalValue)
	tr.Action = ActionOpen
	tr.Position = &Position{
		Asset:               tr.Asset,
		TotalQty:            qty,
		AvgBuyPrice:         price,
		TotalCost:           tradeValue,
		OpenedAt:            now,
		EntryCapitalPercent: entryPct,
	}
	// 现金占比基于成交前的现金基线
	tr.Event = NewBuy{
		Asset:                tr.Asset,
		Price:                price,
		EntryCapitalPercent:  entryPct,
		CashConsumedPercent:  percentOf(tradeValue, pf.CashValue+tradeValue),
		RemainingCashPercent: percentOf(pf.CashValue, pf.TotalValue),
	}
	return tr
}

func scaleIn(tr Transition, pos Position, delta, price, tradeValue float64) Transition {
	pos.TotalCost += tradeValue
	pos.TotalQty += delta
	pos.AvgBuyPrice = pos.TotalCost / pos.TotalQty
	tr.Action = ActionScaleIn
	tr.Position = &pos
	tr.Event = AddToPosition{
		Asset:       tr.Asset,
		Price:       price,
		NewAvgPrice: pos.AvgBuyPrice,
		AddedQty:    delta,
	}
	return tr
}

func partialSell(tr Transition, pos Position, currentQty, soldQty, price float64) Transition {
	prevQty := pos.TotalQty
	pos.TotalSoldValue += soldQty * price
	pos.TotalSoldQty += soldQty
	pos.TotalQty = currentQty
	tr.Action = ActionPartialSell
	tr.Position = &pos
	tr.Event = PartialSell{
		Asset:       tr.Asset,
		Price:       price,
		SoldPercent: percentOf(soldQty, prevQty),
		PnLPercent:  ROI(pos.AvgBuyPrice, price),
	}
	return tr
}

func closePosition(tr Transition, pos Position, soldQty, price float64, now time.Time) Transition {
	soldValue := pos.TotalSoldValue + soldQty*price
	soldTotal := pos.TotalSoldQty + soldQty
	avgSell := price
	if soldTotal > 0 {
		avgSell = soldValue / soldTotal
	}
	roi := ROI(pos.AvgBuyPrice, avgSell)
	days := DurationDays(pos.OpenedAt, now)

	tr.Action = ActionClose
	tr.Closed = &ClosedTrade{
		ID:                  pos.ID,
		Asset:               tr.Asset,
		AvgBuyPrice:         pos.AvgBuyPrice,
		AvgSellPrice:        avgSell,
		ROIPercent:          roi,
		DurationDays:        days,
		ClosedAt:            now,
		EntryCapitalPercent: pos.EntryCapitalPercent,
	}
	tr.Event = CloseTrade{
		Asset:        tr.Asset,
		AvgBuyPrice:  pos.AvgBuyPrice,
		AvgSellPrice: avgSell,
		ROIPercent:   roi,
		DurationDays: days,
	}
	return tr
}

func percentOf(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}
