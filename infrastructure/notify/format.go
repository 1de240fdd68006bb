package notify

import (
	"fmt"
	"sort"
	"strings"

	"trade-narrator/inventory"
)

const divider = "━━━━━━━━━━━━━━━━━━━━"

// FormatEvent 渲染交易事件正文
func FormatEvent(ev inventory.Event) string {
	switch e := ev.(type) {
	case inventory.NewBuy:
		return formatNewBuy(e)
	case inventory.AddToPosition:
		return formatAddToPosition(e)
	case inventory.PartialSell:
		return formatPartialSell(e)
	case inventory.CloseTrade:
		return formatCloseTrade(e)
	default:
		return fmt.Sprintf("ℹ️ %s update for %s", ev.Kind(), ev.AssetName())
	}
}

func formatNewBuy(e inventory.NewBuy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💡 New position: building %s 🟢\n", e.Asset)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "Asset: %s/USDT\n", e.Asset)
	fmt.Fprintf(&b, "Entry price: $%s\n", money(e.Price))
	b.WriteString(divider + "\n")
	b.WriteString("Portfolio management:\n")
	fmt.Fprintf(&b, " ▪️ Entry size: %.2f%% of the portfolio\n", e.EntryCapitalPercent)
	fmt.Fprintf(&b, " ▪️ Cash consumed: %.2f%% of available cash\n", e.CashConsumedPercent)
	fmt.Fprintf(&b, " ▪️ Remaining cash: %.2f%% of the portfolio\n", e.RemainingCashPercent)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "#signal #%s", e.Asset)
	return b.String()
}

func formatAddToPosition(e inventory.AddToPosition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ Position update: adding to %s 🟢\n", e.Asset)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "Added `%.6f` at $%s.\n\n", e.AddedQty, money(e.Price))
	fmt.Fprintf(&b, "New average entry price: `$%s`.\n", money(e.NewAvgPrice))
	fmt.Fprintf(&b, "#riskmanagement #%s", e.Asset)
	return b.String()
}

func formatPartialSell(e inventory.PartialSell) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ Position update: managing %s 🟠\n", e.Asset)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "Asset: %s/USDT\n", e.Asset)
	fmt.Fprintf(&b, "Partial sell price: $%s\n", money(e.Price))
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, " ▪️ Sold %.2f%% of the position\n", e.SoldPercent)
	fmt.Fprintf(&b, " ▪️ Result on the sold part: %+.2f%% %s\n", e.PnLPercent, pnlEmoji(e.PnLPercent))
	b.WriteString(" ▪️ The remaining quantity stays open\n")
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "#riskmanagement #%s", e.Asset)
	return b.String()
}

func formatCloseTrade(e inventory.CloseTrade) string {
	mark := "✅"
	if e.ROIPercent < 0 {
		mark = "☑️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 Final result for %s %s\n", e.Asset, mark)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "Asset: %s/USDT\n", e.Asset)
	b.WriteString("Status: position fully closed.\n")
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, " ▪️ Average entry: $%s\n", money(e.AvgBuyPrice))
	fmt.Fprintf(&b, " ▪️ Average exit: $%s\n", money(e.AvgSellPrice))
	fmt.Fprintf(&b, " ▪️ ROI: %+.2f%% %s\n", e.ROIPercent, pnlEmoji(e.ROIPercent))
	fmt.Fprintf(&b, " ▪️ Duration: %.1f days\n", e.DurationDays)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "#results #%s", e.Asset)
	return b.String()
}

// FormatAlert 渲染运维告警
func FormatAlert(a Alert) string {
	msg := fmt.Sprintf("[%s] %s", a.Level, a.Message)
	if len(a.Fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.Fields[k]))
	}
	return msg + " | " + strings.Join(parts, " ")
}

func pnlEmoji(v float64) string {
	if v >= 0 {
		return "🟢"
	}
	return "🔴"
}

// money 四位小数并带千分位
func money(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}
