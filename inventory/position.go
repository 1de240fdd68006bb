package inventory

import "time"

const (
	// DustQty 低于该数量视为已清仓
	DustQty = 1e-6
	// MinNotional 变动名义价值低于 1 USDT 视为噪声（精度/利息/粉尘）
	MinNotional = 1.0
)

// Position 单个资产的持仓记录，数量归零即删除，不保留零值记录。
type Position struct {
	ID                  string    `json:"id"`
	Asset               string    `json:"asset"`
	TotalQty            float64   `json:"total_qty"`
	AvgBuyPrice         float64   `json:"avg_buy_price"`
	TotalCost           float64   `json:"total_cost"`
	TotalSoldValue      float64   `json:"total_sold_value"`
	TotalSoldQty        float64   `json:"total_sold_qty"`
	OpenedAt            time.Time `json:"open_date"`
	EntryCapitalPercent float64   `json:"entry_capital_percent"`
}

// ClosedTrade 已完全平仓的交易，写入后不可变。
type ClosedTrade struct {
	ID                  string    `json:"id"`
	Asset               string    `json:"asset"`
	AvgBuyPrice         float64   `json:"avg_buy_price"`
	AvgSellPrice        float64   `json:"avg_sell_price"`
	ROIPercent          float64   `json:"roi"`
	DurationDays        float64   `json:"duration_days"`
	ClosedAt            time.Time `json:"closed_at"`
	EntryCapitalPercent float64   `json:"entry_capital_percent"`
}

// Portfolio 账户总权益与现金（USDT）权益，来自外部查询。
type Portfolio struct {
	TotalValue float64 `json:"total_value"`
	CashValue  float64 `json:"cash_value"`
}

// BalanceSnapshot 一次账户推送中各币种的权益数量。
type BalanceSnapshot struct {
	Balances   map[string]float64
	UpdateTime time.Time
}

// Qty 返回资产数量，未出现的资产视为 0。
func (s BalanceSnapshot) Qty(asset string) float64 {
	if s.Balances == nil {
		return 0
	}
	return s.Balances[asset]
}
