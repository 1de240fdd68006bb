package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"trade-narrator/inventory"
)

// Window 日报统计窗口
const Window = 24 * time.Hour

// Report 过去 24 小时内平仓交易的汇总
type Report struct {
	GeneratedAt time.Time
	Trades      []inventory.ClosedTrade
	WeightedROI float64 // 按入场资金占比加权
}

// Build 选出 (now-24h, now] 内平仓的交易，按平仓时间排序。
func Build(history []inventory.ClosedTrade, now time.Time) Report {
	since := now.Add(-Window)
	trades := make([]inventory.ClosedTrade, 0)
	for _, t := range history {
		if t.ClosedAt.After(since) && !t.ClosedAt.After(now) {
			trades = append(trades, t)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ClosedAt.Before(trades[j].ClosedAt)
	})
	return Report{
		GeneratedAt: now,
		Trades:      trades,
		WeightedROI: inventory.WeightedROI(trades),
	}
}

// Empty 窗口内没有平仓交易时不发送日报
func (r Report) Empty() bool {
	return len(r.Trades) == 0
}

// Text 渲染日报正文
func (r Report) Text() string {
	var b strings.Builder
	b.WriteString("📊 Daily copy-trading report (last 24 hours)\n")
	fmt.Fprintf(&b, "🗓 Date: %s\n\n", r.GeneratedAt.Format("02/01/2006"))
	for _, t := range r.Trades {
		fmt.Fprintf(&b, "🔸 Asset: %s\n", t.Asset)
		fmt.Fprintf(&b, "🔸 Entry size: %.2f%% of capital\n", t.EntryCapitalPercent)
		fmt.Fprintf(&b, "🔸 Average buy price: %.4f\n", t.AvgBuyPrice)
		fmt.Fprintf(&b, "🔸 Exit price: %.4f\n", t.AvgSellPrice)
		b.WriteString("🔸 Exited quantity: 100.00%\n")
		fmt.Fprintf(&b, "🔸 Result: %+.2f%% %s\n\n", t.ROIPercent, arrow(t.ROIPercent))
	}
	fmt.Fprintf(&b, "Total weighted result: %+.2f%% %s", r.WeightedROI, trend(r.WeightedROI))
	return b.String()
}

func arrow(v float64) string {
	if v >= 0 {
		return "🔼"
	}
	return "🔽"
}

func trend(v float64) string {
	if v >= 0 {
		return "📈"
	}
	return "📉"
}
