package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTelegramAPI = "https://api.telegram.org"
	telegramTimeout    = 3 * time.Second

	// ParseModeMarkdown Telegram 旧版 Markdown
	ParseModeMarkdown = "Markdown"
)

// ErrTelegramConfig BotToken 或 ChatID 未配置
var ErrTelegramConfig = errors.New("telegram bot token or chat id not configured")

// TelegramChannel 通过 Bot API sendMessage 推送到频道
type TelegramChannel struct {
	apiBase   string
	parseMode string
	client    *http.Client

	mu       sync.RWMutex
	botToken string
	chatID   string
}

// TelegramOption 可选项
type TelegramOption func(*TelegramChannel)

// WithAPIBase 替换 API 地址（测试用）
func WithAPIBase(base string) TelegramOption {
	return func(c *TelegramChannel) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient 注入 http.Client
func WithHTTPClient(hc *http.Client) TelegramOption {
	return func(c *TelegramChannel) { c.client = hc }
}

// WithParseMode 设置 parse_mode（Markdown/HTML），只作用于 Markdown 消息；默认纯文本
func WithParseMode(mode string) TelegramOption {
	return func(c *TelegramChannel) { c.parseMode = mode }
}

// NewTelegramChannel 创建 Telegram 通道
func NewTelegramChannel(botToken, chatID string, opts ...TelegramOption) (*TelegramChannel, error) {
	if botToken == "" || chatID == "" {
		return nil, ErrTelegramConfig
	}
	c := &TelegramChannel{
		apiBase:  DefaultTelegramAPI,
		client:   &http.Client{Timeout: telegramTimeout},
		botToken: botToken,
		chatID:   chatID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name 返回通道名称
func (c *TelegramChannel) Name() string {
	return "telegram"
}

// SetTarget 热更新目标频道
func (c *TelegramChannel) SetTarget(chatID string) {
	if chatID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatID = chatID
}

// Target 当前目标频道
func (c *TelegramChannel) Target() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chatID
}

// ParseMode 事件与日报使用的 parse_mode，空表示纯文本
func (c *TelegramChannel) ParseMode() string {
	return c.parseMode
}

// Send 发送消息
func (c *TelegramChannel) Send(ctx context.Context, msg Message) error {
	c.mu.RLock()
	token, chatID := c.botToken, c.chatID
	c.mu.RUnlock()

	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    msg.Text,
	}
	if c.parseMode != "" && msg.Markdown {
		payload["parse_mode"] = c.parseMode
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, telegramTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// url 中含 token，不回显原始错误
		return fmt.Errorf("telegram send failed: %w", redact(err, token))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "***"), err: err}
}
