package inventory

import "time"

// ROI 以平均买入价为基准的收益率（%）
func ROI(avgBuy, avgSell float64) float64 {
	if avgBuy <= 0 {
		return 0
	}
	return (avgSell - avgBuy) / avgBuy * 100
}

// DurationDays 持仓天数
func DurationDays(openedAt, closedAt time.Time) float64 {
	if openedAt.IsZero() || closedAt.Before(openedAt) {
		return 0
	}
	return closedAt.Sub(openedAt).Hours() / 24
}

// WeightedROI 按入场资金占比加权的平均收益率；未记录占比的交易不参与加权。
func WeightedROI(trades []ClosedTrade) float64 {
	var weighted, weight float64
	for _, t := range trades {
		if t.EntryCapitalPercent <= 0 {
			continue
		}
		weighted += t.ROIPercent * t.EntryCapitalPercent
		weight += t.EntryCapitalPercent
	}
	if weight == 0 {
		return 0
	}
	return weighted / weight
}
