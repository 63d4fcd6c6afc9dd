// Package cache 缓存层类型定义
package cache

import (
	"context"
	"errors"
	"time"
)

// ============================================================================
// 资源类型与新鲜度配置
// ============================================================================

// ResourceType 资源逻辑分类，用于批量失效
type ResourceType string

const (
	ResourceBookings      ResourceType = "bookings"
	ResourceSessions      ResourceType = "sessions"
	ResourceTutors        ResourceType = "tutors"
	ResourceReviews       ResourceType = "reviews"
	ResourceAvailability  ResourceType = "availability"
	ResourceMessages      ResourceType = "messages"
	ResourceConversations ResourceType = "conversations"
	ResourcePayments      ResourceType = "payments"
	ResourceDashboard     ResourceType = "dashboard"
)

// EntryConfig 条目新鲜度配置
//
// 不变量：StaleAfter <= EvictAfter
type EntryConfig struct {
	StaleAfter time.Duration // 超过该时长视为陈旧（仍可展示）
	EvictAfter time.Duration // 超过该时长视为过期（可被回收）
}

// normalize 修正违反不变量的配置，返回是否发生了修正
func (c EntryConfig) normalize(fallback EntryConfig) (EntryConfig, bool) {
	if c.EvictAfter <= 0 {
		c.EvictAfter = fallback.EvictAfter
	}
	if c.StaleAfter < 0 {
		c.StaleAfter = 0
	}
	if c.StaleAfter > c.EvictAfter {
		c.StaleAfter = c.EvictAfter
		return c, true
	}
	return c, false
}

// Config 缓存配置
type Config struct {
	Default       EntryConfig                  // 默认新鲜度
	Resources     map[ResourceType]EntryConfig // 按资源类型覆盖
	SweepInterval time.Duration                // 过期条目回收周期（0 表示不启动）
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Default: EntryConfig{
			StaleAfter: 30 * time.Second,
			EvictAfter: 5 * time.Minute,
		},
		SweepInterval: time.Minute,
	}
}

// ============================================================================
// 读取结果与事件
// ============================================================================

// Result Get 的返回值
//
// 键不存在时 Found 为 false；过期条目仍返回数据，调用方应视为不存在。
type Result struct {
	Data         any
	Found        bool
	IsStale      bool
	IsExpired    bool
	Revalidating bool
	ResourceType ResourceType
	CreatedAt    time.Time
}

// EventType 缓存事件类型
type EventType string

const (
	EventSet        EventType = "set"
	EventInvalidate EventType = "invalidate"
)

// Event 缓存事件，同步广播给所有订阅者，不持久化
type Event struct {
	Type         EventType    `json:"type"`
	Key          string       `json:"key,omitempty"`
	Pattern      string       `json:"pattern,omitempty"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	Keys         []string     `json:"keys,omitempty"` // 本次失效命中的键
}

// Producer 数据生产函数，超时策略由其自身负责
type Producer func(ctx context.Context) (any, error)

// ============================================================================
// 资源关联
// ============================================================================

// Relations 资源类型邻接关系，由调用方提供
type Relations interface {
	Related(rt ResourceType) []ResourceType
}

// RelationTable 静态邻接表
type RelationTable map[ResourceType][]ResourceType

// Related 返回与 rt 关联的资源类型
func (t RelationTable) Related(rt ResourceType) []ResourceType {
	return t[rt]
}

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrNilProducer Fetch 未提供 producer
	ErrNilProducer = errors.New("cache: nil producer")

	// ErrProducerPanic producer 发生 panic，已转换为错误
	ErrProducerPanic = errors.New("cache: producer panicked")
)
