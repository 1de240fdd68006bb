package inventory

import (
	"encoding/json"
	"fmt"
	"time"
)

// 旧数据文件中的时间为不带时区的 ISO 8601，按 UTC 解释
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp 解析 RFC 3339 或不带时区的 ISO 8601 时间
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = flexTime(parsed)
	return nil
}

// UnmarshalJSON 兼容旧格式的 open_date
func (p *Position) UnmarshalJSON(b []byte) error {
	type plain Position
	aux := struct {
		plain
		OpenedAt flexTime `json:"open_date"`
	}{plain: plain(*p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*p = Position(aux.plain)
	p.OpenedAt = time.Time(aux.OpenedAt)
	return nil
}

// UnmarshalJSON 兼容旧格式的 closed_at
func (c *ClosedTrade) UnmarshalJSON(b []byte) error {
	type plain ClosedTrade
	aux := struct {
		plain
		ClosedAt flexTime `json:"closed_at"`
	}{plain: plain(*c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*c = ClosedTrade(aux.plain)
	c.ClosedAt = time.Time(aux.ClosedAt)
	return nil
}
