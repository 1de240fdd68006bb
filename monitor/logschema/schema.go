package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"NEW_BUY": {
		Event:    "NEW_BUY",
		Required: []string{"asset", "action", "delta", "total_qty", "avg_buy_price"},
	},
	"ADD_TO_POSITION": {
		Event:    "ADD_TO_POSITION",
		Required: []string{"asset", "action", "delta", "total_qty", "avg_buy_price"},
	},
	"PARTIAL_SELL": {
		Event:    "PARTIAL_SELL",
		Required: []string{"asset", "action", "delta", "total_qty"},
	},
	"CLOSE_TRADE": {
		Event:    "CLOSE_TRADE",
		Required: []string{"asset", "action", "delta", "roi", "trade_id"},
	},
	"ws_connected": {
		Event:    "ws_connected",
		Required: []string{"url"},
	},
	"ws_disconnected": {
		Event:    "ws_disconnected",
		Required: []string{"error", "reconnect_in"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key；未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}
