package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-narrator/gateway"
	"trade-narrator/internal/engine"
	"trade-narrator/internal/store"
	"trade-narrator/inventory"
)

const accountPush = `{"arg":{"channel":"account"},"data":[{"uTime":"1700000000000","details":[{"ccy":"BTC","eq":"0.5"},{"ccy":"USDT","eq":"500"}]}]}`

// fakeOKX 模拟私有频道：校验登录、回执订阅、推送账户快照
type fakeOKX struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      int
	logins     []int // 每个连接收到的登录次数
	subscribes []int // 每个连接收到的订阅次数
	pings      int

	rejectLogin   bool
	dropFirstConn bool // 第一个连接推送后主动断开
	pushes        []string
}

func (f *fakeOKX) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	idx := f.conns
	f.conns++
	f.logins = append(f.logins, 0)
	f.subscribes = append(f.subscribes, 0)
	f.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(raw) == "ping" {
			f.mu.Lock()
			f.pings++
			f.mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			continue
		}
		var req struct {
			Op   string            `json:"op"`
			Args []json.RawMessage `json:"args"`
		}
		if !assert.NoError(f.t, json.Unmarshal(raw, &req)) {
			return
		}
		switch req.Op {
		case "login":
			f.mu.Lock()
			f.logins[idx]++
			reject := f.rejectLogin
			f.mu.Unlock()
			var args gateway.LoginArgs
			assert.NoError(f.t, json.Unmarshal(req.Args[0], &args))
			assert.Equal(f.t, "key", args.APIKey)
			assert.NotEmpty(f.t, args.Sign)
			if reject {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","code":"60009","msg":"Login failed."}`))
				continue
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"login","code":"0","msg":""}`))
		case "subscribe":
			f.mu.Lock()
			f.subscribes[idx]++
			pushes := append([]string(nil), f.pushes...)
			drop := f.dropFirstConn && idx == 0
			f.mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"account"}}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
			for _, p := range pushes {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(p))
			}
			if drop {
				time.Sleep(20 * time.Millisecond)
				return
			}
		}
	}
}

func (f *fakeOKX) snapshot() (conns int, logins, subscribes []int, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns, append([]int(nil), f.logins...), append([]int(nil), f.subscribes...), f.pings
}

func startFakeOKX(t *testing.T, f *fakeOKX) string {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig(url string) SessionConfig {
	return SessionConfig{
		URL:            url,
		PingInterval:   20 * time.Millisecond,
		ReconnectDelay: 30 * time.Millisecond,
		ReadTimeout:    2 * time.Second,
		LoginTimeout:   2 * time.Second,
		DrainTimeout:   2 * time.Second,
	}
}

type sessionRecorder struct {
	connects, disconnects, loginFailures, heartbeats, dropped atomic.Int64
	state                                                     atomic.Int64
}

func (r *sessionRecorder) RecordWSConnection()      { r.connects.Add(1) }
func (r *sessionRecorder) RecordWSDisconnect()      { r.disconnects.Add(1) }
func (r *sessionRecorder) RecordLoginFailure()      { r.loginFailures.Add(1) }
func (r *sessionRecorder) UpdateSessionState(s int) { r.state.Store(int64(s)) }
func (r *sessionRecorder) RecordHeartbeat()         { r.heartbeats.Add(1) }
func (r *sessionRecorder) RecordSnapshotDropped()   { r.dropped.Add(1) }

type alertRecorder struct {
	mu       sync.Mutex
	alerts   []string
	warnings []string
}

func (a *alertRecorder) SendWarning(message string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warnings = append(a.warnings, message)
	return nil
}

func (a *alertRecorder) warningCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.warnings)
}

func (a *alertRecorder) SendError(message string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, message)
	return nil
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type staticLookups struct{}

func (staticLookups) MarketPrice(context.Context, string) (float64, error) { return 40000, nil }
func (staticLookups) PortfolioDetails(context.Context) (inventory.Portfolio, error) {
	return inventory.Portfolio{TotalValue: 20500, CashValue: 500}, nil
}

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) Notify(context.Context, inventory.Event) error {
	c.n.Add(1)
	return nil
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "SUBSCRIBED", StateSubscribed.String())
	assert.Equal(t, "UNKNOWN", SessionState(42).String())
}

func TestNewOKXSessionValidates(t *testing.T) {
	_, err := NewOKXSession(SessionConfig{}, nil, HandlerFunc(func(context.Context, inventory.BalanceSnapshot) error { return nil }))
	assert.Error(t, err)
	_, err = NewOKXSession(SessionConfig{}, gateway.NewSigner("k", "s", "p"), nil)
	assert.Error(t, err)
}

func TestSessionHandshakeHeartbeatAndDispatch(t *testing.T) {
	f := &fakeOKX{pushes: []string{accountPush}}
	url := startFakeOKX(t, f)

	got := make(chan inventory.BalanceSnapshot, 4)
	rec := &sessionRecorder{}
	sess, err := NewOKXSession(fastConfig(url), gateway.NewSigner("key", "secret", "pass"),
		HandlerFunc(func(_ context.Context, snap inventory.BalanceSnapshot) error {
			got <- snap
			return nil
		}), WithSessionMetrics(rec))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	select {
	case snap := <-got:
		assert.InDelta(t, 0.5, snap.Balances["BTC"], 1e-12)
	case <-time.After(3 * time.Second):
		t.Fatal("account snapshot not dispatched")
	}

	assert.Eventually(t, func() bool { return sess.State() == StateSubscribed }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, _, _, pings := f.snapshot()
		return pings >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	conns, logins, subscribes, _ := f.snapshot()
	assert.Equal(t, 1, conns)
	assert.Equal(t, []int{1}, logins)
	assert.Equal(t, []int{1}, subscribes)
	assert.Equal(t, StateDisconnected, sess.State())
	assert.EqualValues(t, 1, rec.connects.Load())
	assert.GreaterOrEqual(t, rec.heartbeats.Load(), int64(2))
	assert.Len(t, got, 0, "pong and malformed frames never reach the handler")
}

func TestSessionReconnectDoesNotDuplicateMutations(t *testing.T) {
	f := &fakeOKX{pushes: []string{accountPush}, dropFirstConn: true}
	url := startFakeOKX(t, f)

	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)
	_, _, err = st.Load()
	require.NoError(t, err)
	notifier := &countingNotifier{}
	eng, err := engine.New(engine.Config{}, engine.Components{
		Store:     st,
		Prices:    staticLookups{},
		Portfolio: staticLookups{},
		Notifier:  notifier,
	})
	require.NoError(t, err)

	var handled atomic.Int64
	sess, err := NewOKXSession(fastConfig(url), gateway.NewSigner("key", "secret", "pass"),
		HandlerFunc(func(ctx context.Context, snap inventory.BalanceSnapshot) error {
			defer handled.Add(1)
			_, err := eng.HandleSnapshot(ctx, snap)
			return err
		}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	require.Eventually(t, func() bool {
		conns, _, subscribes, _ := f.snapshot()
		return conns >= 2 && len(subscribes) >= 2 && subscribes[1] == 1 && handled.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	_, logins, subscribes, _ := f.snapshot()
	for i := range subscribes {
		assert.Equal(t, 1, logins[i], "one login per connection")
		assert.Equal(t, 1, subscribes[i], "one subscribe per connection")
	}

	positions := st.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 0.5, positions["BTC"].TotalQty)
	assert.EqualValues(t, 1, notifier.n.Load(), "replayed snapshot after reconnect is a no-op")
	assert.GreaterOrEqual(t, sess.Status().Connects, int64(2))
}

func TestSessionLoginRejectedReconnects(t *testing.T) {
	f := &fakeOKX{rejectLogin: true}
	url := startFakeOKX(t, f)

	rec := &sessionRecorder{}
	alerts := &alertRecorder{}
	sess, err := NewOKXSession(fastConfig(url), gateway.NewSigner("key", "bad", "pass"),
		HandlerFunc(func(context.Context, inventory.BalanceSnapshot) error { return nil }),
		WithSessionMetrics(rec), WithAlerter(alerts))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	require.Eventually(t, func() bool {
		conns, _, _, _ := f.snapshot()
		return conns >= 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	_, _, subscribes, _ := f.snapshot()
	for _, n := range subscribes {
		assert.Zero(t, n, "never subscribes without a successful login")
	}
	assert.GreaterOrEqual(t, rec.loginFailures.Load(), int64(1))
	assert.GreaterOrEqual(t, alerts.count(), 1)
	assert.GreaterOrEqual(t, sess.Status().LoginFailures, int64(1))
}

func TestSessionDialFailureRetries(t *testing.T) {
	sess, err := NewOKXSession(fastConfig("ws://127.0.0.1:1/ws"), gateway.NewSigner("k", "s", "p"),
		HandlerFunc(func(context.Context, inventory.BalanceSnapshot) error { return nil }))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.NoError(t, sess.Run(ctx))
	assert.Zero(t, sess.Status().Connects)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	rec := &sessionRecorder{}
	cfg := fastConfig("ws://unused")
	cfg.QueueSize = 1
	alerts := &alertRecorder{}
	sess, err := NewOKXSession(cfg, gateway.NewSigner("k", "s", "p"),
		HandlerFunc(func(context.Context, inventory.BalanceSnapshot) error { return nil }),
		WithSessionMetrics(rec), WithAlerter(alerts))
	require.NoError(t, err)

	require.NoError(t, sess.enqueue(inventory.BalanceSnapshot{}))
	err = sess.enqueue(inventory.BalanceSnapshot{})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.EqualValues(t, 1, rec.dropped.Load())
	assert.EqualValues(t, 1, sess.Status().Dropped)
	assert.Equal(t, 1, sess.Status().QueueDepth)
	assert.Eventually(t, func() bool { return alerts.warningCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunCanBeRestarted(t *testing.T) {
	var handled atomic.Int64
	sess, err := NewOKXSession(fastConfig("ws://127.0.0.1:1/ws"), gateway.NewSigner("k", "s", "p"),
		HandlerFunc(func(context.Context, inventory.BalanceSnapshot) error {
			handled.Add(1)
			return nil
		}))
	require.NoError(t, err)

	for round := 1; round <= 2; round++ {
		require.NoError(t, sess.enqueue(inventory.BalanceSnapshot{}))
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		require.NotPanics(t, func() { assert.NoError(t, sess.Run(ctx)) })
		cancel()
		assert.EqualValues(t, round, handled.Load())
	}
}

func TestRunRejectsConcurrentCall(t *testing.T) {
	sess, err := NewOKXSession(fastConfig("ws://127.0.0.1:1/ws"), gateway.NewSigner("k", "s", "p"),
		HandlerFunc(func(context.Context, inventory.BalanceSnapshot) error { return nil }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	require.Eventually(t, func() bool { return sess.running.Load() }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, sess.Run(context.Background()), ErrSessionRunning)
	cancel()
	assert.NoError(t, <-done)
}

func TestRunDrainsQueuedSnapshots(t *testing.T) {
	var handled atomic.Int64
	release := make(chan struct{})
	cfg := fastConfig("ws://127.0.0.1:1/ws")
	sess, err := NewOKXSession(cfg, gateway.NewSigner("k", "s", "p"),
		HandlerFunc(func(ctx context.Context, _ inventory.BalanceSnapshot) error {
			<-release
			handled.Add(1)
			return ctx.Err()
		}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, sess.enqueue(inventory.BalanceSnapshot{}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.EqualValues(t, 3, handled.Load(), "queued snapshots processed before Run returns")
}
