package realtime

import "time"

// ReconnectPolicy 重连退避策略
//
// delay(attempt) = min(BaseDelay * 2^attempt, MaxDelay)，attempt 从 0 开始。
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy 返回默认退避策略：1s 起步，最长 30s，最多 5 次
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay 返回第 attempt 次重连前的等待时长
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		// 提前截断，避免移位溢出
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// withDefaults 填充零值字段
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Task 可取消的定时任务
type Task interface {
	Stop() bool
}

// Scheduler 定时任务调度器，由 Manager 持有，Disconnect 时统一取消
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// timerScheduler 基于 time.AfterFunc 的默认实现
type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}
