package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade-narrator/inventory"
)

// 告警级别
const (
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// KindReport 每日报告消息类型
const KindReport = "DAILY_REPORT"

// Message 投递到通道的一条消息
type Message struct {
	Kind      string                 // 事件类型、DAILY_REPORT 或告警级别
	Text      string                 // 渲染后的正文
	Timestamp time.Time              // 生成时间
	Fields    map[string]interface{} // 附加字段
	Markdown  bool                   // 正文按 Markdown 渲染；告警为纯文本
}

// Alert 运维告警
type Alert struct {
	Level     string
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 消息通道接口
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// auditChannel 仅做本地留档的通道（日志），不计入投递成功
type auditChannel interface {
	Audit() bool
}

func isAudit(ch Channel) bool {
	a, ok := ch.(auditChannel)
	return ok && a.Audit()
}

// Notifier 交易事件通知
type Notifier interface {
	Notify(ctx context.Context, ev inventory.Event) error
}

// Recorder 通知指标
type Recorder interface {
	RecordNotification(kind string)
	RecordNotifyFailure(kind string)
}

// Manager 将事件、报告与告警扇出到所有通道。
// 交易事件与报告不做限流，告警按 level+message 限流。
type Manager struct {
	channels []Channel
	throttle *Throttler
	recorder Recorder
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	lastTime, exists := t.lastSent[key]

	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}

	return false
}

// NewManager 创建通知管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SetThrottleInterval 更新告警限流窗口，已有限流记录清空
func (m *Manager) SetThrottleInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttle = NewThrottler(interval)
}

// SetRecorder 注入指标
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// Notify 渲染交易事件并发送；每个事件只尝试发送一次。
func (m *Manager) Notify(ctx context.Context, ev inventory.Event) error {
	if ev == nil {
		return nil
	}
	return m.broadcast(ctx, Message{
		Kind:     string(ev.Kind()),
		Text:     FormatEvent(ev),
		Fields:   map[string]interface{}{"asset": ev.AssetName()},
		Markdown: true,
	})
}

// SendText 发送已渲染的文本（例如每日报告）
func (m *Manager) SendText(ctx context.Context, kind, text string) error {
	return m.broadcast(ctx, Message{Kind: kind, Text: text, Markdown: true})
}

// SendAlert 发送告警
func (m *Manager) SendAlert(alert Alert) error {
	// 设置时间戳
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	// 构建限流key
	key := fmt.Sprintf("%s:%s", alert.Level, alert.Message)

	// 检查限流
	m.mu.RLock()
	throttle := m.throttle
	m.mu.RUnlock()
	if !throttle.Allow(key) {
		return nil // 被限流，静默忽略
	}

	return m.broadcast(context.Background(), Message{
		Kind:      alert.Level,
		Text:      FormatAlert(alert),
		Timestamp: alert.Timestamp,
		Fields:    alert.Fields,
	})
}

func (m *Manager) broadcast(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// 日志通道只留档；配置了投递通道时，以投递通道的结果为准
	var lastErr error
	delivered, deliveryChannels, audited := 0, 0, 0

	for _, ch := range m.channels {
		audit := isAudit(ch)
		if !audit {
			deliveryChannels++
		}
		if err := ch.Send(ctx, msg); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			if m.recorder != nil {
				m.recorder.RecordNotifyFailure(msg.Kind)
			}
			continue
		}
		if audit {
			audited++
		} else {
			delivered++
		}
	}

	ok := delivered > 0 || (deliveryChannels == 0 && audited > 0)
	if ok && m.recorder != nil {
		m.recorder.RecordNotification(msg.Kind)
	}
	if !ok && lastErr != nil {
		return lastErr
	}
	return nil
}

// SendWarning 发送WARNING级别告警
func (m *Manager) SendWarning(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Message: message, Fields: fields})
}

// SendError 发送ERROR级别告警
func (m *Manager) SendError(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Message: message, Fields: fields})
}

// SendCritical 发送CRITICAL级别告警
func (m *Manager) SendCritical(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelCritical, Message: message, Fields: fields})
}

// AddChannel 添加通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
