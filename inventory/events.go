package inventory

// EventKind 交易事件类型
type EventKind string

const (
	KindNewBuy        EventKind = "NEW_BUY"
	KindAddToPosition EventKind = "ADD_TO_POSITION"
	KindPartialSell   EventKind = "PARTIAL_SELL"
	KindCloseTrade    EventKind = "CLOSE_TRADE"
)

// Event 交易生命周期事件，仅以下四种实现。
type Event interface {
	Kind() EventKind
	AssetName() string
	isEvent()
}

// NewBuy 新开仓
type NewBuy struct {
	Asset                string  `json:"asset"`
	Price                float64 `json:"price"`
	EntryCapitalPercent  float64 `json:"trade_size_percent"`
	CashConsumedPercent  float64 `json:"cash_consumed_percent"`
	RemainingCashPercent float64 `json:"remaining_cash_percent"`
}

// AddToPosition 加仓
type AddToPosition struct {
	Asset       string  `json:"asset"`
	Price       float64 `json:"price"`
	NewAvgPrice float64 `json:"new_avg_price"`
	AddedQty    float64 `json:"added_qty"`
}

// PartialSell 部分减仓
type PartialSell struct {
	Asset       string  `json:"asset"`
	Price       float64 `json:"price"`
	SoldPercent float64 `json:"sold_percent"`
	PnLPercent  float64 `json:"pnl_percent"`
}

// CloseTrade 完全平仓
type CloseTrade struct {
	Asset        string  `json:"asset"`
	AvgBuyPrice  float64 `json:"avg_buy_price"`
	AvgSellPrice float64 `json:"avg_sell_price"`
	ROIPercent   float64 `json:"roi"`
	DurationDays float64 `json:"duration_days"`
}

func (NewBuy) Kind() EventKind        { return KindNewBuy }
func (AddToPosition) Kind() EventKind { return KindAddToPosition }
func (PartialSell) Kind() EventKind   { return KindPartialSell }
func (CloseTrade) Kind() EventKind    { return KindCloseTrade }

func (e NewBuy) AssetName() string        { return e.Asset }
func (e AddToPosition) AssetName() string { return e.Asset }
func (e PartialSell) AssetName() string   { return e.Asset }
func (e CloseTrade) AssetName() string    { return e.Asset }

func (NewBuy) isEvent()        {}
func (AddToPosition) isEvent() {}
func (PartialSell) isEvent()   {}
func (CloseTrade) isEvent()    {}
