package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trade-narrator/gateway"
	"trade-narrator/infrastructure/logger"
	"trade-narrator/inventory"
)

// DefaultPrivateWSURL OKX v5 私有频道
const DefaultPrivateWSURL = "wss://ws.okx.com:8443/ws/v5/private"

var (
	// ErrLoginRejected 登录被拒绝，由重连流程重新握手
	ErrLoginRejected = errors.New("okx ws: login rejected")
	// ErrQueueFull 快照队列已满，本次推送被丢弃
	ErrQueueFull = errors.New("okx ws: snapshot queue full")
	// ErrSessionRunning 同一会话不允许并发 Run
	ErrSessionRunning = errors.New("okx ws: session already running")
)

// SessionState 会话状态
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingLoginAck
	StateAuthenticated
	StateSubscribed
)

// String 返回状态名称
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingLoginAck:
		return "AWAITING_LOGIN_ACK"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}

// SnapshotHandler 账户快照消费方
type SnapshotHandler interface {
	HandleSnapshot(ctx context.Context, snap inventory.BalanceSnapshot) error
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, snap inventory.BalanceSnapshot) error

func (f HandlerFunc) HandleSnapshot(ctx context.Context, snap inventory.BalanceSnapshot) error {
	return f(ctx, snap)
}

// SessionMetrics 会话指标
type SessionMetrics interface {
	RecordWSConnection()
	RecordWSDisconnect()
	RecordLoginFailure()
	UpdateSessionState(state int)
	RecordHeartbeat()
	RecordSnapshotDropped()
}

// Alerter 运维告警
type Alerter interface {
	SendWarning(message string, fields map[string]interface{}) error
	SendError(message string, fields map[string]interface{}) error
}

// SessionConfig 会话配置
type SessionConfig struct {
	URL              string
	PingInterval     time.Duration // 应用层 ping 间隔
	ReconnectDelay   time.Duration // 固定重连间隔
	ReadTimeout      time.Duration // 两帧之间最长间隔
	LoginTimeout     time.Duration // 等待登录回执
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	QueueSize        int           // 快照队列容量
	DrainTimeout     time.Duration // 退出时等待队列处理完成
}

func (c *SessionConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultPrivateWSURL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
}

// SessionStatus 会话状态快照
type SessionStatus struct {
	State         string    `json:"state"`
	Connects      int64     `json:"connects"`
	LoginFailures int64     `json:"login_failures"`
	Dropped       int64     `json:"dropped_snapshots"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	QueueDepth    int       `json:"queue_depth"`
}

// OKXSession 维护 OKX 私有频道长连接：登录、订阅 account、心跳与固定间隔重连。
// 账户推送经有界队列交给单一 worker 处理，读循环与心跳不被查询或落盘阻塞。
type OKXSession struct {
	cfg     SessionConfig
	signer  *gateway.Signer
	handler SnapshotHandler
	dialer  *websocket.Dialer
	metrics SessionMetrics
	alerter Alerter
	logger  *logger.Logger

	state   atomic.Int32
	running atomic.Bool

	mu            sync.RWMutex
	queue         chan inventory.BalanceSnapshot // 每次 Run 结束后重建
	connects      int64
	loginFailures int64
	dropped       int64
	connectedAt   time.Time
	lastMessageAt time.Time
}

// SessionOption 可选项
type SessionOption func(*OKXSession)

// WithSessionMetrics 注入指标
func WithSessionMetrics(m SessionMetrics) SessionOption {
	return func(s *OKXSession) { s.metrics = m }
}

// WithAlerter 注入告警
func WithAlerter(a Alerter) SessionOption {
	return func(s *OKXSession) { s.alerter = a }
}

// WithSessionLogger 注入logger
func WithSessionLogger(l *logger.Logger) SessionOption {
	return func(s *OKXSession) { s.logger = l }
}

// WithDialer 替换 websocket.Dialer
func WithDialer(d *websocket.Dialer) SessionOption {
	return func(s *OKXSession) { s.dialer = d }
}

// NewOKXSession 创建会话
func NewOKXSession(cfg SessionConfig, signer *gateway.Signer, handler SnapshotHandler, opts ...SessionOption) (*OKXSession, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("snapshot handler is required")
	}
	cfg.applyDefaults()
	s := &OKXSession{
		cfg:     cfg,
		signer:  signer,
		handler: handler,
		queue:   make(chan inventory.BalanceSnapshot, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	s.logger = logger.OrNop(s.logger).Named("session")
	return s, nil
}

// State 当前状态
func (s *OKXSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Status 会话统计
func (s *OKXSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionStatus{
		State:         s.State().String(),
		Connects:      s.connects,
		LoginFailures: s.loginFailures,
		Dropped:       s.dropped,
		ConnectedAt:   s.connectedAt,
		LastMessageAt: s.lastMessageAt,
		QueueDepth:    len(s.queue),
	}
}

// Run 阻塞运行直到 ctx 取消；断线后固定间隔重连，无重试上限。
// 返回前等待 worker 处理完已入队的快照。
func (s *OKXSession) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSessionRunning
	}
	defer s.running.Store(false)

	s.mu.RLock()
	queue := s.queue
	s.mu.RUnlock()

	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorker()
	workerDone := make(chan struct{})
	go s.worker(workerCtx, queue, workerDone)

	for ctx.Err() == nil {
		err := s.runConn(ctx)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			break
		}
		s.logger.LogSession("ws_disconnected", map[string]interface{}{
			"error":        errString(err),
			"reconnect_in": s.cfg.ReconnectDelay.String(),
		})

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	close(queue)
	select {
	case <-workerDone:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("snapshot worker drain timeout, cancelling in-flight lookups")
		cancelWorker()
		<-workerDone
	}
	s.mu.Lock()
	s.queue = make(chan inventory.BalanceSnapshot, s.cfg.QueueSize)
	s.mu.Unlock()
	s.logger.LogSession("session_stopped", nil)
	return nil
}

// worker 单一消费者，保证快照按到达顺序处理
func (s *OKXSession) worker(ctx context.Context, queue <-chan inventory.BalanceSnapshot, done chan<- struct{}) {
	defer close(done)
	for snap := range queue {
		if err := s.handler.HandleSnapshot(ctx, snap); err != nil {
			s.logger.Error("snapshot handling failed", zap.Error(err))
		}
	}
}

func (s *OKXSession) enqueue(snap inventory.BalanceSnapshot) error {
	s.mu.RLock()
	queue := s.queue
	s.mu.RUnlock()

	select {
	case queue <- snap:
		return nil
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordSnapshotDropped()
		}
		s.logger.Error("snapshot dropped", zap.Error(ErrQueueFull), zap.Int("queue_size", cap(queue)))
		if s.alerter != nil {
			// 告警可能走网络，不阻塞读循环
			go func(size int) {
				if err := s.alerter.SendWarning("OKX snapshot queue full, account update dropped",
					map[string]interface{}{"queue_size": size}); err != nil {
					s.logger.Warn("queue full alert not delivered", zap.Error(err))
				}
			}(cap(queue))
		}
		return ErrQueueFull
	}
}

// wsConn 串行化写入；gorilla 连接只允许一个并发写者
type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *wsConn) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) writeJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeText(b)
}

// runConn 单次连接的完整生命周期：拨号、登录、订阅、读循环。
func (s *OKXSession) runConn(ctx context.Context) error {
	s.setState(StateConnecting)
	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, nil)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordWSConnection()
	}
	s.mu.Lock()
	s.connects++
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.logger.LogSession("ws_connected", map[string]interface{}{"url": s.cfg.URL})

	connCtx, cancelConn := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelConn()
		_ = conn.Close()
		wg.Wait()
		if s.metrics != nil {
			s.metrics.RecordWSDisconnect()
		}
	}()
	// ctx 取消时关闭连接以解除 ReadMessage 阻塞
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		_ = conn.Close()
	}()

	c := &wsConn{conn: conn, writeTimeout: s.cfg.WriteTimeout}
	if err := c.writeJSON(gateway.LoginRequest(s.signer.LoginArgs())); err != nil {
		return fmt.Errorf("send login: %w", err)
	}
	s.setState(StateAwaitingLoginAck)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))

	subscribed := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.mu.Lock()
		s.lastMessageAt = time.Now()
		s.mu.Unlock()

		if gateway.IsPong(raw) {
			continue
		}
		msg, err := gateway.ParseMessage(raw)
		if err != nil {
			s.logger.Warn("malformed frame ignored", zap.Error(err), zap.Int("size", len(raw)))
			continue
		}

		switch {
		case msg.IsLogin() || (msg.IsError() && s.State() == StateAwaitingLoginAck):
			if !msg.LoginOK() {
				s.loginFailed(msg)
				return fmt.Errorf("%w: code=%s msg=%s", ErrLoginRejected, msg.Code, msg.Msg)
			}
			if subscribed {
				continue
			}
			if err := c.writeJSON(gateway.SubscribeRequest(gateway.ChannelAccount)); err != nil {
				return fmt.Errorf("send subscribe: %w", err)
			}
			subscribed = true
			s.setState(StateAuthenticated)
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.heartbeat(connCtx, c, cancelConn)
			}()

		case msg.IsSubscribeAck():
			if msg.Channel == gateway.ChannelAccount {
				s.setState(StateSubscribed)
			}

		case msg.IsError():
			s.logger.Error("okx ws error event", zap.String("code", msg.Code), zap.String("msg", msg.Msg))

		case msg.IsAccountUpdate():
			for _, snap := range msg.Balances {
				_ = s.enqueue(snap)
			}
		}
	}
}

// heartbeat 登录成功后每 PingInterval 发送文本 ping；写失败时关闭连接触发重连。
func (s *OKXSession) heartbeat(ctx context.Context, c *wsConn, closeConn context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeText(gateway.PingFrame()); err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
				closeConn()
				return
			}
			if s.metrics != nil {
				s.metrics.RecordHeartbeat()
			}
		}
	}
}

func (s *OKXSession) loginFailed(msg gateway.Message) {
	s.mu.Lock()
	s.loginFailures++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordLoginFailure()
	}
	fields := map[string]interface{}{"code": msg.Code, "msg": msg.Msg}
	s.logger.LogError(ErrLoginRejected, fields)
	if s.alerter != nil {
		if err := s.alerter.SendError("OKX websocket login failed", fields); err != nil {
			s.logger.Warn("login failure alert not delivered", zap.Error(err))
		}
	}
}

func (s *OKXSession) setState(st SessionState) {
	prev := SessionState(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	if s.metrics != nil {
		s.metrics.UpdateSessionState(int(st))
	}
	s.logger.Debug("session state", zap.String("from", prev.String()), zap.String("to", st.String()))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
