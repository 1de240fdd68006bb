package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-narrator/inventory"
)

const (
	ChannelAccount = "account"

	EventLogin     = "login"
	EventSubscribe = "subscribe"
	EventError     = "error"

	pingFrame = "ping"
	pongFrame = "pong"
)

// ErrNotJSON 非 JSON 帧（除 pong 外均视为传输异常）
var ErrNotJSON = errors.New("okx ws: non-json frame")

// LoginArgs 登录请求参数
type LoginArgs struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// ChannelArg 订阅参数
type ChannelArg struct {
	Channel string `json:"channel"`
}

// Request 上行请求
type Request struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

// LoginRequest 构造登录请求
func LoginRequest(args LoginArgs) Request {
	return Request{Op: "login", Args: []interface{}{args}}
}

// SubscribeRequest 构造订阅请求
func SubscribeRequest(channel string) Request {
	return Request{Op: "subscribe", Args: []interface{}{ChannelArg{Channel: channel}}}
}

// PingFrame 应用层心跳
func PingFrame() []byte { return []byte(pingFrame) }

// IsPong 文本心跳回复，不作为业务消息解析
func IsPong(raw []byte) bool {
	return string(bytes.TrimSpace(raw)) == pongFrame
}

// flexString 兼容字符串或数字形式的 code
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

type wsEnvelope struct {
	Event   string            `json:"event"`
	Code    flexString        `json:"code"`
	Msg     string            `json:"msg"`
	Success *bool             `json:"success"`
	ConnID  string            `json:"connId"`
	Arg     *ChannelArg       `json:"arg"`
	Data    []json.RawMessage `json:"data"`
}

type accountData struct {
	UTime   string          `json:"uTime"`
	TotalEq string          `json:"totalEq"`
	Details []accountDetail `json:"details"`
}

type accountDetail struct {
	Ccy string `json:"ccy"`
	Eq  string `json:"eq"`
}

// Message 解析后的下行消息
type Message struct {
	Event   string
	Code    string
	Msg     string
	Success bool
	ConnID  string
	Channel string
	HasData bool
	// Balances 仅账户推送时非空，每个 data 元素一份快照
	Balances []inventory.BalanceSnapshot
}

// IsLogin 登录回执
func (m Message) IsLogin() bool { return m.Event == EventLogin }

// LoginOK success=true 或 code 为 0 视为登录成功
func (m Message) LoginOK() bool {
	return m.IsLogin() && (m.Success || m.Code == "0")
}

// IsSubscribeAck 订阅回执
func (m Message) IsSubscribeAck() bool { return m.Event == EventSubscribe }

// IsError 错误事件
func (m Message) IsError() bool { return m.Event == EventError }

// IsAccountUpdate 账户频道数据推送
func (m Message) IsAccountUpdate() bool {
	return m.Event == "" && m.Channel == ChannelAccount && m.HasData
}

// ParseMessage 解析 OKX 私有频道消息
func ParseMessage(raw []byte) (Message, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	msg := Message{
		Event:   env.Event,
		Code:    string(env.Code),
		Msg:     env.Msg,
		ConnID:  env.ConnID,
		HasData: env.Data != nil,
	}
	if env.Success != nil {
		msg.Success = *env.Success
	}
	if env.Arg != nil {
		msg.Channel = env.Arg.Channel
	}
	if !msg.IsAccountUpdate() {
		return msg, nil
	}
	for i, item := range env.Data {
		snap, err := parseAccountData(item)
		if err != nil {
			return msg, fmt.Errorf("account data[%d]: %w", i, err)
		}
		msg.Balances = append(msg.Balances, snap)
	}
	return msg, nil
}

func parseAccountData(raw json.RawMessage) (inventory.BalanceSnapshot, error) {
	var data accountData
	if err := json.Unmarshal(raw, &data); err != nil {
		return inventory.BalanceSnapshot{}, err
	}
	snap := inventory.BalanceSnapshot{
		Balances: make(map[string]float64, len(data.Details)),
	}
	if ms, err := strconv.ParseInt(data.UTime, 10, 64); err == nil {
		snap.UpdateTime = time.UnixMilli(ms).UTC()
	}
	for _, d := range data.Details {
		if d.Ccy == "" {
			continue
		}
		eq, err := ParseNumber(d.Eq)
		if err != nil {
			return inventory.BalanceSnapshot{}, fmt.Errorf("ccy %s eq: %w", d.Ccy, err)
		}
		snap.Balances[d.Ccy] = eq
	}
	return snap, nil
}

// ParseNumber 解析交易所数字字符串，空串视为 0。
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
