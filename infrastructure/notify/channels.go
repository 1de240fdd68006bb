package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"trade-narrator/infrastructure/logger"
)

// LogChannel 日志通道，未配置 Telegram 时作为兜底
type LogChannel struct {
	logger *logger.Logger
	name   string
}

// NewLogChannel 创建日志通道
func NewLogChannel(name string, l *logger.Logger) *LogChannel {
	return &LogChannel{
		logger: logger.OrNop(l).Named("notify"),
		name:   name,
	}
}

// Send 写入一条结构化日志
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("kind", msg.Kind),
		zap.Time("ts", msg.Timestamp),
		zap.String("text", msg.Text),
	}
	for k, v := range msg.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	c.logger.Info("notification", fields...)
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// Audit 日志通道只留档
func (c *LogChannel) Audit() bool { return true }

// MockChannel 模拟通道（用于测试）
type MockChannel struct {
	name      string
	messages  []Message
	shouldErr bool
	mu        sync.Mutex
}

// NewMockChannel 创建模拟通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{
		name:     name,
		messages: make([]Message, 0),
	}
}

// Send 记录消息（用于测试验证）
func (c *MockChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.messages = append(c.messages, msg)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// Messages 获取所有接收到的消息
func (c *MockChannel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}

// Count 返回接收到的消息数量
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
