package realtime

import "time"

// State 连接状态
//
// 显式状态值替代 isConnecting / isManuallyDisconnected 等布尔标记组合，
// 所有状态迁移都经过 canTransition 校验。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnectScheduled
)

// AllStates 全部状态（用于指标导出）
var AllStates = []State{
	StateDisconnected,
	StateConnecting,
	StateAuthenticating,
	StateConnected,
	StateReconnectScheduled,
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}

// stateNames 返回所有状态名
func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}

// transitions 合法迁移表
//
//	disconnected        → connecting
//	connecting          → authenticating | reconnect_scheduled | disconnected
//	authenticating      → connected | reconnect_scheduled | disconnected
//	connected           → reconnect_scheduled | disconnected
//	reconnect_scheduled → connecting | disconnected
var transitions = map[State][]State{
	StateDisconnected:       {StateConnecting},
	StateConnecting:         {StateAuthenticating, StateReconnectScheduled, StateDisconnected},
	StateAuthenticating:     {StateConnected, StateReconnectScheduled, StateDisconnected},
	StateConnected:          {StateReconnectScheduled, StateDisconnected},
	StateReconnectScheduled: {StateConnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnectionChange 连接状态变化通知
type ConnectionChange struct {
	State    State
	Previous State
	Attempt  int           // 已调度的重连次数
	Delay    time.Duration // 仅 StateReconnectScheduled 时有值
	Err      error         // 导致本次变化的原因（可为 nil）
}

// Connected 是否处于已连接状态
func (c ConnectionChange) Connected() bool {
	return c.State == StateConnected
}
