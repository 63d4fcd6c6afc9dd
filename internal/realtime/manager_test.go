// Package realtime 连接管理器单元测试
//
// # 测试分组
//
// ## 建连与认证（使用 httptest + gorilla/websocket 对端）
//   - TestManager_ConnectAuthenticates: 认证成功进入 connected，首帧携带令牌
//   - TestManager_AuthRejected: auth_error/auth_failed 进入 disconnected 且不重连
//   - TestManager_ExpiredTokenSkipsDial: 本地过期的 JWT 不建连
//   - TestManager_ConnectContextCancelled: 认证等待期间取消上下文
//
// ## 重连
//   - TestManager_BackoffSequence: 连续失败的退避延迟序列
//   - TestManager_ReconnectExhausted: 次数用尽后停在 disconnected
//   - TestManager_ServerCloseSchedulesReconnect: 对端关闭后调度重连
//   - TestManager_HeartbeatTimeoutAndReset: 心跳超时强制重连，成功后计数归零
//
// ## 消息与订阅
//   - TestManager_DeliversInOrder: 推送按序原样分发，panic 订阅者被隔离
//   - TestManager_Send: 未连接时丢弃，连接后写入
//   - TestManager_Disconnect: 主动断开取消重连并清空订阅
//
// # 运行方式
//
//	go test -v -run TestManager ./internal/realtime/
package realtime

import (
	"bytes"
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
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorhub-sync/internal/metrics"
	"tutorhub-sync/pkg/logging"
)

// ============================================================================
// 测试替身
// ============================================================================

type fakeTask struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTask) Stop() bool {
	return !t.stopped.Swap(true)
}

// fakeScheduler 记录调度请求，由测试显式触发
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &fakeTask{delay: d, fn: f}
	s.tasks = append(s.tasks, task)
	return task
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.tasks))
	for i, task := range s.tasks {
		out[i] = task.delay
	}
	return out
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeScheduler) last() *fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[len(s.tasks)-1]
}

// fireLast 同步执行最近一次调度的任务（忽略 Stop）
func (s *fakeScheduler) fireLast() {
	if task := s.last(); task != nil {
		task.fn()
	}
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) Dial(context.Context, string) (Transport, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

// peer 基于 httptest 的实时服务端
type peer struct {
	srv         *httptest.Server
	authReply   atomic.Value // string，空串表示不回复
	answerPings bool

	wmu      sync.Mutex
	mu       sync.Mutex
	conns    []*websocket.Conn
	conn     chan *websocket.Conn
	received chan map[string]any
}

func newPeer(t *testing.T, authReply string, answerPings bool) *peer {
	t.Helper()
	p := &peer{
		answerPings: answerPings,
		conn:        make(chan *websocket.Conn, 16),
		received:    make(chan map[string]any, 256),
	}
	p.authReply.Store(authReply)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, c)
		p.mu.Unlock()
		p.conn <- c

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			select {
			case p.received <- msg:
			default:
			}
			switch msg["type"] {
			case TypeAuthenticate:
				if reply := p.authReply.Load().(string); reply != "" {
					p.push(c, reply)
				}
			case TypePing:
				if p.answerPings {
					p.push(c, `{"type":"pong"}`)
				}
			}
		}
	}))

	t.Cleanup(func() {
		p.mu.Lock()
		for _, c := range p.conns {
			c.Close()
		}
		p.mu.Unlock()
		p.srv.Close()
	})
	return p
}

func (p *peer) endpoint() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peer) push(c *websocket.Conn, frame string) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	c.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (p *peer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.conn:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive a connection")
		return nil
	}
}

func (p *peer) nextReceived(t *testing.T, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-p.received:
			if msg["type"] == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("peer did not receive %q", msgType)
			return nil
		}
	}
}

func newTestManager(t *testing.T, endpoint string, opts ...ManagerOption) *Manager {
	t.Helper()
	cfg := ManagerConfig{
		Endpoint:          endpoint,
		Token:             StaticToken("student-token"),
		HeartbeatInterval: time.Hour,
		Reconnect:         ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10},
	}
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m
}

// changeRecorder 记录状态变化
type changeRecorder struct {
	mu      sync.Mutex
	changes []ConnectionChange
}

func (r *changeRecorder) record(c ConnectionChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.State
	}
	return out
}

func (r *changeRecorder) lastChange() ConnectionChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

// ============================================================================
// 建连与认证
// ============================================================================

func TestNewManager_RequiresEndpoint(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestManager_ConnectAuthenticates(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, false)
	sched := &fakeScheduler{}
	m := newTestManager(t, p.endpoint(), WithScheduler(sched))
	rec := &changeRecorder{}
	m.OnConnectionChange(rec.record)

	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsConnected())
	assert.Equal(t, 0, m.Attempt())

	auth := p.nextReceived(t, TypeAuthenticate)
	assert.Equal(t, "student-token", auth["token"])

	assert.Eventually(t, func() bool {
		return len(rec.states()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateConnected}, rec.states())

	// 已连接时再次 Connect 为空操作
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 0, sched.count())
}

func TestManager_AuthenticatedAlias(t *testing.T) {
	p := newPeer(t, `{"type":"authenticated"}`, false)
	m := newTestManager(t, p.endpoint(), WithScheduler(&fakeScheduler{}))

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_AuthRejected(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		reason string
	}{
		{"auth_error", `{"type":"auth_error","error":"invalid token"}`, "invalid token"},
		{"auth_failed", `{"type":"auth_failed","message":"token revoked"}`, "token revoked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPeer(t, tt.reply, false)
			sched := &fakeScheduler{}
			cm := metrics.NewConnectionMetrics(nil, "test")
			m := newTestManager(t, p.endpoint(), WithScheduler(sched), WithManagerMetrics(cm))

			err := m.Connect(context.Background())
			require.Error(t, err)
			assert.True(t, IsAuthError(err))

			var authErr *AuthError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tt.reason, authErr.Reason)

			assert.Equal(t, StateDisconnected, m.State())
			assert.Equal(t, 0, sched.count(), "auth failure must not schedule reconnect")
			assert.InDelta(t, 1, testutil.ToFloat64(cm.AuthFailures), 0)
			assert.InDelta(t, 1, testutil.ToFloat64(cm.State.WithLabelValues("disconnected")), 0)
		})
	}
}

func TestManager_ExpiredTokenSkipsDial(t *testing.T) {
	dialer := &failingDialer{}
	sched := &fakeScheduler{}
	m, err := NewManager(ManagerConfig{
		Endpoint: "ws://unused",
		Token:    StaticToken(signedToken(t, time.Now().Add(-time.Hour))),
	}, WithDialer(dialer), WithScheduler(sched))
	require.NoError(t, err)

	err = m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, int32(0), dialer.calls.Load())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, sched.count())
}

func TestManager_TokenProviderError(t *testing.T) {
	boom := errors.New("refresh failed")
	m, err := NewManager(ManagerConfig{
		Endpoint: "ws://unused",
		Token:    func(context.Context) (string, error) { return "", boom },
	}, WithDialer(&failingDialer{}), WithScheduler(&fakeScheduler{}))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Connect(context.Background()), boom)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ConnectContextCancelled(t *testing.T) {
	p := newPeer(t, "", false)
	sched := &fakeScheduler{}
	m := newTestManager(t, p.endpoint(), WithScheduler(sched))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, sched.count())
}

// ============================================================================
// 重连
// ============================================================================

// TestManager_BackoffSequence 连续失败时延迟为 1s,2s,4s,8s,16s，之后封顶 30s
func TestManager_BackoffSequence(t *testing.T) {
	dialer := &failingDialer{}
	sched := &fakeScheduler{}
	cm := metrics.NewConnectionMetrics(nil, "test")
	m := newTestManager(t, "ws://unused", WithDialer(dialer), WithScheduler(sched), WithManagerMetrics(cm))
	rec := &changeRecorder{}
	m.OnConnectionChange(rec.record)

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, StateReconnectScheduled, m.State())

	for i := 0; i < 5; i++ {
		sched.fireLast()
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}, sched.delays())
	assert.Equal(t, int32(6), dialer.calls.Load())
	assert.Equal(t, 6, m.Attempt())
	assert.InDelta(t, 6, testutil.ToFloat64(cm.ReconnectsTotal), 0)

	last := rec.lastChange()
	assert.Equal(t, StateReconnectScheduled, last.State)
	assert.Equal(t, 30*time.Second, last.Delay)
	assert.Equal(t, 6, last.Attempt)
	assert.Error(t, last.Err)
}

// TestManager_DialFailureLogsError 建连失败的告警携带 error 字段，重连日志携带延迟
func TestManager_DialFailureLogsError(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, logging.Config{Level: "info", Format: "json"})
	m := newTestManager(t, "ws://unused",
		WithDialer(&failingDialer{}), WithScheduler(&fakeScheduler{}), WithManagerLogger(logger))

	require.Error(t, m.Connect(context.Background()))

	var dial, scheduled map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		switch rec["msg"] {
		case "Realtime dial failed":
			dial = rec
		case "Reconnect scheduled":
			scheduled = rec
		}
	}
	require.NotNil(t, dial)
	assert.Equal(t, "connection refused", dial["error"])
	assert.Equal(t, "WARN", dial["level"])
	require.NotNil(t, scheduled)
	assert.Equal(t, float64(1000), scheduled["duration_ms"])
}

func TestManager_ReconnectExhausted(t *testing.T) {
	dialer := &failingDialer{}
	sched := &fakeScheduler{}
	m, err := NewManager(ManagerConfig{
		Endpoint:  "ws://unused",
		Reconnect: ReconnectPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 2},
	}, WithDialer(dialer), WithScheduler(sched))
	require.NoError(t, err)

	require.Error(t, m.Connect(context.Background()))
	sched.fireLast()
	sched.fireLast()

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 2, sched.count())
	assert.Equal(t, int32(3), dialer.calls.Load())
}

// TestManager_ConnectWhileScheduled 显式 Connect 取消待执行的重连
func TestManager_ConnectWhileScheduled(t *testing.T) {
	dialer := &failingDialer{}
	sched := &fakeScheduler{}
	m := newTestManager(t, "ws://unused", WithDialer(dialer), WithScheduler(sched))

	require.Error(t, m.Connect(context.Background()))
	first := sched.last()

	require.Error(t, m.Connect(context.Background()))
	assert.True(t, first.stopped.Load())

	// 已取消任务即使触发也被 generation 检查丢弃
	first.fn()
	assert.Equal(t, int32(2), dialer.calls.Load())
}

func TestManager_ServerCloseSchedulesReconnect(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, false)
	sched := &fakeScheduler{}
	m := newTestManager(t, p.endpoint(), WithScheduler(sched))
	rec := &changeRecorder{}
	m.OnConnectionChange(rec.record)

	require.NoError(t, m.Connect(context.Background()))
	server := p.nextConn(t)
	server.Close()

	require.Eventually(t, func() bool {
		return m.State() == StateReconnectScheduled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, sched.delays())
	assert.Error(t, rec.lastChange().Err)
}

// TestHeartbeatWatchdog_DetectionBound 看门狗每半个周期检查一次，断链最迟 2.5 个周期内发现
func TestHeartbeatWatchdog_DetectionBound(t *testing.T) {
	for _, interval := range []time.Duration{30 * time.Second, 20 * time.Millisecond, time.Nanosecond} {
		period := watchdogPeriod(interval)
		require.Positive(t, period)
		assert.Zero(t, interval%period, "pings stay on whole intervals")

		assert.False(t, heartbeatDead(2*interval, interval), interval.String())
		assert.True(t, heartbeatDead(2*interval+time.Nanosecond, interval), interval.String())
	}

	interval := 30 * time.Second
	assert.Equal(t, 15*time.Second, watchdogPeriod(interval))
	// 最后一次 pong 后第一个超过阈值的检查点
	worst := 2*interval + watchdogPeriod(interval)
	assert.LessOrEqual(t, worst, 75*time.Second)
	assert.True(t, heartbeatDead(worst, interval))
}

// TestManager_HeartbeatTimeoutAndReset 对端不回 pong 时两个周期后强制断开；
// 重连成功后退避计数归零，下一次断开仍从基础延迟开始
func TestManager_HeartbeatTimeoutAndReset(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, false)
	sched := &fakeScheduler{}
	cm := metrics.NewConnectionMetrics(nil, "test")
	m, err := NewManager(ManagerConfig{
		Endpoint:          p.endpoint(),
		HeartbeatInterval: 20 * time.Millisecond,
		Reconnect:         ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10},
	}, WithScheduler(sched), WithManagerMetrics(cm))
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	p.nextReceived(t, TypePing)

	require.Eventually(t, func() bool {
		return m.State() == StateReconnectScheduled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Attempt())

	sched.fireLast()
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.Attempt())

	require.Eventually(t, func() bool {
		return sched.count() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sched.delays())
	assert.GreaterOrEqual(t, testutil.ToFloat64(cm.HeartbeatTimeouts), 1.0)
}

func TestManager_HeartbeatKeepsLiveConnection(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, true)
	sched := &fakeScheduler{}
	m, err := NewManager(ManagerConfig{
		Endpoint:          p.endpoint(),
		HeartbeatInterval: 30 * time.Millisecond,
	}, WithScheduler(sched))
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	p.nextReceived(t, TypePing)
	p.nextReceived(t, TypePing)
	p.nextReceived(t, TypePing)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, sched.count())
}

// ============================================================================
// 消息与订阅
// ============================================================================

func TestManager_DeliversInOrder(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, false)
	m := newTestManager(t, p.endpoint(), WithScheduler(&fakeScheduler{}))

	got := make(chan Message, 8)
	m.OnMessage(func(Message) { panic("bad subscriber") })
	m.OnMessage(func(msg Message) { got <- msg })

	require.NoError(t, m.Connect(context.Background()))
	server := p.nextConn(t)

	frames := []string{
		`{"type":"booking_updated","booking_id":"b1","status":"confirmed"}`,
		`{"type":"pong"}`,
		`not json`,
		`{"type":"new_message","message":{"id":"m1","body":"hi"}}`,
		`{"type":"session_started","session_id":"s9"}`,
	}
	for _, f := range frames {
		p.push(server, f)
	}

	want := []string{frames[0], frames[3], frames[4]}
	for i, w := range want {
		select {
		case msg := <-got:
			assert.Equal(t, w, string(msg.Raw), "frame %d must be delivered verbatim", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
	assert.Empty(t, got)
}

func TestManager_Send(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, false)
	cm := metrics.NewConnectionMetrics(nil, "test")
	m := newTestManager(t, p.endpoint(), WithScheduler(&fakeScheduler{}), WithManagerMetrics(cm))

	assert.False(t, m.Send(Typing("c1", true)), "send before connect is dropped")

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Send(Typing("c1", true)))

	msg := p.nextReceived(t, TypeTyping)
	assert.Equal(t, "c1", msg["conversation_id"])
	assert.Equal(t, true, msg["is_typing"])

	assert.True(t, m.Send(json.RawMessage(`{"type":"presence_check","user_ids":["u1"]}`)))
	raw := p.nextReceived(t, TypePresenceCheck)
	assert.Equal(t, []any{"u1"}, raw["user_ids"])

	assert.InDelta(t, 1, testutil.ToFloat64(cm.SendRejected), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(cm.MessagesSent.WithLabelValues(TypeTyping)), 0)
}

func TestManager_Disconnect(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, false)
	m := newTestManager(t, p.endpoint(), WithScheduler(&fakeScheduler{}))
	rec := &changeRecorder{}
	m.OnConnectionChange(rec.record)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.Equal(t, StateDisconnected, m.State())
	last := rec.lastChange()
	assert.Equal(t, StateDisconnected, last.State)
	assert.ErrorIs(t, last.Err, ErrManualDisconnect)
	assert.False(t, m.Send(Ping()))

	// 订阅已清空，再次连接不会通知旧订阅者
	n := len(rec.states())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Len(t, rec.states(), n)
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	dialer := &failingDialer{}
	sched := &fakeScheduler{}
	m := newTestManager(t, "ws://unused", WithDialer(dialer), WithScheduler(sched))

	require.Error(t, m.Connect(context.Background()))
	task := sched.last()
	m.Disconnect()

	assert.True(t, task.stopped.Load())
	task.fn()
	assert.Equal(t, int32(1), dialer.calls.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_Unsubscribe(t *testing.T) {
	p := newPeer(t, `{"type":"auth_success"}`, false)
	m := newTestManager(t, p.endpoint(), WithScheduler(&fakeScheduler{}))

	var calls atomic.Int32
	unsub := m.OnMessage(func(Message) { calls.Add(1) })
	got := make(chan Message, 1)
	m.OnMessage(func(msg Message) { got <- msg })
	unsub()
	unsub()

	require.NoError(t, m.Connect(context.Background()))
	p.push(p.nextConn(t), `{"type":"presence_update","user_id":"u1"}`)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, int32(0), calls.Load())
}
