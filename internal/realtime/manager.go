// Package realtime 实时通道连接管理
//
// Manager 负责单条持久连接的完整生命周期：建连、认证、心跳、
// 指数退避重连，以及把服务端推送按到达顺序分发给订阅者。
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tutorhub-sync/internal/metrics"
	"tutorhub-sync/pkg/logging"
)

// ManagerConfig 连接管理配置
type ManagerConfig struct {
	Endpoint          string
	Token             TokenProvider
	HeartbeatInterval time.Duration
	Reconnect         ReconnectPolicy
}

// ManagerOption 构造选项
type ManagerOption func(*Manager)

// WithDialer 替换底层 Dialer
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

// WithScheduler 替换重连定时器（测试用）
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) { m.scheduler = s }
}

// WithManagerClock 注入时钟
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithManagerLogger 注入日志器
func WithManagerLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics 注入指标
func WithManagerMetrics(mm *metrics.ConnectionMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = mm }
}

type messageSub struct {
	id uint64
	fn func(Message)
}

type changeSub struct {
	id uint64
	fn func(ConnectionChange)
}

// Manager 实时连接管理器
type Manager struct {
	cfg       ManagerConfig
	dialer    Dialer
	scheduler Scheduler
	now       func() time.Time
	logger    *logging.Logger
	metrics   *metrics.ConnectionMetrics

	mu          sync.Mutex
	state       State
	attempt     int
	gen         uint64 // 每次建连递增，旧连接的回调据此丢弃
	conn        Transport
	reconnect   Task
	stopBeat    context.CancelFunc
	lastPongAt  time.Time
	pendingAuth chan error

	writeMu sync.Mutex

	subMu     sync.Mutex
	onMessage []messageSub
	onChange  []changeSub
	nextSub   uint64
}

// NewManager 创建连接管理器
func NewManager(cfg ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.Token == nil {
		cfg.Token = StaticToken("")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	m := &Manager{
		cfg:       cfg,
		dialer:    NewWebSocketDialer(),
		scheduler: timerScheduler{},
		now:       time.Now,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.SetState(m.state.String(), stateNames())
	return m, nil
}

// State 当前连接状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt 当前已调度的重连次数
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// IsConnected 是否已认证可用
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ============================================================================
// 建连与认证
// ============================================================================

// Connect 建立连接并等待认证结果
//
// 已处于 connecting/authenticating/connected 时直接返回 nil；
// 处于 reconnect_scheduled 时取消定时器并立即建连。
// 认证被拒或令牌过期时不会自动重连；传输层失败会进入退避重连。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateAuthenticating, StateConnected:
		m.mu.Unlock()
		return nil
	case StateReconnectScheduled:
		m.cancelReconnectLocked()
	}
	m.gen++
	gen := m.gen
	change := m.transitionLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.emit(change)
	return m.open(ctx, gen)
}

// open 完成一次建连 + 认证，调用前状态已置为 connecting
func (m *Manager) open(ctx context.Context, gen uint64) error {
	token, err := m.cfg.Token(ctx)
	if err == nil {
		err = checkTokenExpiry(token, m.now())
	}
	if err != nil {
		m.logger.WithError(err).Warn("Auth token unavailable, not connecting")
		m.metrics.RecordAuthFailure()
		m.stop(gen, err)
		return err
	}

	conn, err := m.dialer.Dial(ctx, m.cfg.Endpoint)
	if err != nil {
		if ctx.Err() != nil {
			m.stop(gen, ctx.Err())
			return ctx.Err()
		}
		m.logger.WithError(err).Warn("Realtime dial failed", "endpoint", m.cfg.Endpoint)
		m.handleClose(gen, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close(websocket.CloseNormalClosure, "superseded")
		return ErrManualDisconnect
	}
	m.conn = conn
	authCh := make(chan error, 1)
	m.pendingAuth = authCh
	change := m.transitionLocked(StateAuthenticating, nil)
	m.mu.Unlock()
	m.emit(change)

	go m.readLoop(gen, conn)

	if err := m.write(conn, Authenticate(token)); err != nil {
		m.logger.WithError(err).Warn("Failed to send authenticate frame")
		conn.Close(websocket.CloseAbnormalClosure, "auth write failed")
	}

	select {
	case err := <-authCh:
		return err
	case <-ctx.Done():
		return m.abort(gen, ctx.Err())
	}
}

// abort 调用方在认证完成前放弃，关闭连接且不重连
func (m *Manager) abort(gen uint64, cause error) error {
	m.mu.Lock()
	if m.gen == gen && m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.stop(gen, cause)
	return cause
}

// stop 把 gen 对应的连接尝试终止到 disconnected，不调度重连
func (m *Manager) stop(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	authCh := m.pendingAuth
	m.pendingAuth = nil
	change := m.transitionLocked(StateDisconnected, cause)
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "")
	}
	if authCh != nil {
		authCh <- cause
	}
	m.emit(change)
}

func (m *Manager) onAuthenticated(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateAuthenticating {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.attempt = 0
	m.lastPongAt = m.now()
	beatCtx, cancel := context.WithCancel(context.Background())
	m.stopBeat = cancel
	authCh := m.pendingAuth
	m.pendingAuth = nil
	change := m.transitionLocked(StateConnected, nil)
	m.mu.Unlock()

	go m.heartbeatLoop(beatCtx, gen, conn)

	m.logger.Info("Realtime connection authenticated", "endpoint", m.cfg.Endpoint)
	if authCh != nil {
		authCh <- nil
	}
	m.emit(change)
}

func (m *Manager) onAuthRejected(gen uint64, reason string) {
	err := &AuthError{Reason: reason}
	m.logger.Warn("Realtime authentication rejected", "reason", reason)
	m.metrics.RecordAuthFailure()
	m.stop(gen, err)
}

// ============================================================================
// 读循环与分发
// ============================================================================

func (m *Manager) readLoop(gen uint64, conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleFrame(gen, data)
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.WithError(err).Warn("Dropping malformed realtime frame", "size", len(data))
		return
	}

	m.mu.Lock()
	current := m.gen == gen
	if current && env.Type == TypePong {
		m.lastPongAt = m.now()
	}
	m.mu.Unlock()
	if !current {
		return
	}

	switch {
	case isAuthSuccess(env.Type):
		m.onAuthenticated(gen)
	case isAuthFailure(env.Type):
		m.onAuthRejected(gen, env.authReason())
	case env.Type == TypePong:
	default:
		m.metrics.RecordReceived(env.Type)
		m.dispatch(Message{Type: env.Type, Raw: json.RawMessage(data)})
	}
}

func (m *Manager) dispatch(msg Message) {
	m.subMu.Lock()
	subs := m.onMessage
	m.subMu.Unlock()

	for _, sub := range subs {
		m.deliverMessage(sub, msg.clone())
	}
}

func (m *Manager) deliverMessage(sub messageSub, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Message handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	sub.fn(msg)
}

// handleClose 连接意外断开（含建连失败），按退避策略调度重连
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	authCh := m.pendingAuth
	m.pendingAuth = nil
	change := m.scheduleReconnectLocked(cause)
	m.mu.Unlock()

	if authCh != nil {
		authCh <- fmt.Errorf("%w: %v", ErrTransportClosed, cause)
	}
	m.emit(change)
}

// scheduleReconnectLocked 调度下一次重连；次数用尽时停在 disconnected
func (m *Manager) scheduleReconnectLocked(cause error) *ConnectionChange {
	policy := m.cfg.Reconnect
	if m.attempt >= policy.MaxAttempts {
		m.logger.WithError(cause).Warn("Reconnect attempts exhausted", "attempts", m.attempt)
		return m.transitionLocked(StateDisconnected, cause)
	}

	delay := policy.Delay(m.attempt)
	m.attempt++
	gen := m.gen
	m.reconnect = m.scheduler.AfterFunc(delay, func() { m.fireReconnect(gen) })
	m.metrics.RecordReconnect(delay.Seconds())
	m.logger.WithError(cause).WithDuration(delay).Info("Reconnect scheduled", "attempt", m.attempt)

	change := m.transitionLocked(StateReconnectScheduled, cause)
	if change != nil {
		change.Delay = delay
	}
	return change
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnectScheduled {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	m.gen++
	next := m.gen
	change := m.transitionLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.emit(change)
	if err := m.open(context.Background(), next); err != nil {
		m.logger.Debug("Reconnect attempt failed", "error", err)
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// ============================================================================
// 心跳
// ============================================================================

// watchdogPeriod 看门狗检查周期，断链最迟在最后一次 pong 后 2.5 个心跳周期内被发现
func watchdogPeriod(interval time.Duration) time.Duration {
	if half := interval / 2; half > 0 {
		return half
	}
	return interval
}

// heartbeatDead 距最后一次 pong 超过两个心跳周期视为断链
func heartbeatDead(sincePong, interval time.Duration) bool {
	return sincePong > 2*interval
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64, conn Transport) {
	interval := m.cfg.HeartbeatInterval
	period := watchdogPeriod(interval)
	ticksPerPing := int(interval / period)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		sincePong := m.now().Sub(m.lastPongAt)
		m.mu.Unlock()

		if heartbeatDead(sincePong, interval) {
			m.logger.HeartbeatLog("timeout", sincePong, ErrHeartbeatTimeout)
			m.metrics.RecordHeartbeatTimeout()
			// 强制关闭后由读循环走 handleClose 进入重连
			conn.Close(websocket.CloseGoingAway, "heartbeat timeout")
			return
		}
		if tick%ticksPerPing != 0 {
			continue
		}

		if err := m.write(conn, Ping()); err != nil {
			m.logger.HeartbeatLog("error", sincePong, err)
			continue
		}
		m.metrics.RecordPing()
		m.logger.HeartbeatLog("ok", sincePong, nil)
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopBeat != nil {
		m.stopBeat()
		m.stopBeat = nil
	}
}

// ============================================================================
// 发送
// ============================================================================

// Send 发送一条消息，仅在 connected 状态下写入；未连接时丢弃并返回 false。
// []byte 与 json.RawMessage 原样发送，其余类型按 JSON 编码。
func (m *Manager) Send(payload any) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	msgType := messageType(payload)
	if !connected {
		m.metrics.RecordSendRejected()
		m.logger.Debug("Send dropped, not connected", "type", msgType)
		return false
	}
	if err := m.write(conn, payload); err != nil {
		m.logger.WithError(err).Warn("Send failed", "type", msgType)
		return false
	}
	m.metrics.RecordSent(msgType)
	return true
}

func (m *Manager) write(conn Transport, payload any) error {
	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s: %w", messageType(payload), err)
		}
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// ============================================================================
// 断开
// ============================================================================

// Disconnect 主动断开：取消待执行的重连、停止心跳、关闭连接并清空全部订阅
//
// 订阅清空前会收到最后一次 disconnected 通知。之后可再次调用 Connect。
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	authCh := m.pendingAuth
	m.pendingAuth = nil
	change := m.transitionLocked(StateDisconnected, ErrManualDisconnect)
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}
	if authCh != nil {
		authCh <- ErrManualDisconnect
	}
	m.emit(change)

	m.subMu.Lock()
	m.onMessage = nil
	m.onChange = nil
	m.subMu.Unlock()
}

// ============================================================================
// 订阅
// ============================================================================

// OnMessage 订阅业务消息，返回取消函数
func (m *Manager) OnMessage(fn func(Message)) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	subs := make([]messageSub, 0, len(m.onMessage)+1)
	subs = append(subs, m.onMessage...)
	m.onMessage = append(subs, messageSub{id: id, fn: fn})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			next := make([]messageSub, 0, len(m.onMessage))
			for _, s := range m.onMessage {
				if s.id != id {
					next = append(next, s)
				}
			}
			m.onMessage = next
		})
	}
}

// OnConnectionChange 订阅连接状态变化，返回取消函数
func (m *Manager) OnConnectionChange(fn func(ConnectionChange)) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	subs := make([]changeSub, 0, len(m.onChange)+1)
	subs = append(subs, m.onChange...)
	m.onChange = append(subs, changeSub{id: id, fn: fn})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			next := make([]changeSub, 0, len(m.onChange))
			for _, s := range m.onChange {
				if s.id != id {
					next = append(next, s)
				}
			}
			m.onChange = next
		})
	}
}

// transitionLocked 执行状态迁移；非法迁移或状态未变时返回 nil
func (m *Manager) transitionLocked(to State, cause error) *ConnectionChange {
	from := m.state
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		m.logger.Error("Illegal connection state transition", "from", from.String(), "to", to.String())
		return nil
	}
	m.state = to
	m.metrics.SetState(to.String(), stateNames())
	m.logger.WithState(to.String()).Debug("Connection state changed", "from", from.String())
	return &ConnectionChange{
		State:    to,
		Previous: from,
		Attempt:  m.attempt,
		Err:      cause,
	}
}

func (m *Manager) emit(change *ConnectionChange) {
	if change == nil {
		return
	}
	m.subMu.Lock()
	subs := m.onChange
	m.subMu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Connection handler panicked", "state", change.State.String(), "panic", r)
				}
			}()
			sub.fn(*change)
		}()
	}
}
