// Package cache 客户端资源缓存
//
// Store 是已拉取资源的唯一数据源，提供：
//   - 陈旧/过期判定（stale-while-revalidate）
//   - 按键、子串、资源类型的失效与事件广播
//   - 同键请求合并（见 fetch.go）
//   - 可回滚的乐观更新（见 optimistic.go）
//
// 所有内部状态只在 Store 自身方法中修改；广播事件时不持有锁，
// 订阅者可以在回调中再次调用 Set/Invalidate。
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tutorhub-sync/internal/metrics"
	"tutorhub-sync/pkg/logging"
)

// entry 缓存条目，data 由 Store 独占
type entry struct {
	key          string
	data         any
	resourceType ResourceType
	createdAt    time.Time
	config       EntryConfig
	override     *EntryConfig // Set 时显式指定的配置，后续写入沿用
	invalidated  bool
	revalidating bool
	version      uint64
}

func (e *entry) age(now time.Time) time.Duration {
	return now.Sub(e.createdAt)
}

func (e *entry) isStale(now time.Time) bool {
	return e.invalidated || e.age(now) > e.config.StaleAfter
}

func (e *entry) isExpired(now time.Time) bool {
	return e.age(now) > e.config.EvictAfter
}

func (e *entry) result(now time.Time) Result {
	return Result{
		Data:         e.data,
		Found:        true,
		IsStale:      e.isStale(now),
		IsExpired:    e.isExpired(now),
		Revalidating: e.revalidating,
		ResourceType: e.resourceType,
		CreatedAt:    e.createdAt,
	}
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// Store 资源缓存
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	version uint64

	cfg       Config
	now       func() time.Time
	relations Relations
	logger    *logging.Logger
	metrics   *metrics.CacheMetrics

	// 进行中的拉取，同键至多一个
	inflight singleflight.Group

	subMu   sync.Mutex
	subs    []subscriber // 写时复制，广播时直接使用快照
	nextSub uint64
}

// Option Store 构造选项
type Option func(*Store)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRelations 注入资源关联表
func WithRelations(r Relations) Option {
	return func(s *Store) { s.relations = r }
}

// WithLogger 注入日志器
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics 注入指标
func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New 创建缓存实例
func New(cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.Default.EvictAfter <= 0 {
		cfg.Default.EvictAfter = def.Default.EvictAfter
	}
	if cfg.Default.StaleAfter > cfg.Default.EvictAfter {
		cfg.Default.StaleAfter = cfg.Default.EvictAfter
	}

	s := &Store{
		entries:   make(map[string]*entry),
		cfg:       cfg,
		now:       time.Now,
		relations: RelationTable{},
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// 读写
// ============================================================================

// SetOption Set 的可选参数
type SetOption func(*setOptions)

type setOptions struct {
	resourceType ResourceType
	config       *EntryConfig
}

// WithResourceType 指定资源类型
func WithResourceType(rt ResourceType) SetOption {
	return func(o *setOptions) { o.resourceType = rt }
}

// WithConfig 覆盖条目新鲜度配置
func WithConfig(c EntryConfig) SetOption {
	return func(o *setOptions) { o.config = &c }
}

// Get 读取条目，纯读操作，不回收、不广播
func (s *Store) Get(key string) Result {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return Result{}
	}
	return e.result(now)
}

// Set 写入或替换条目，createdAt 记为当前时间，并广播 set 事件
func (s *Store) Set(key string, data any, opts ...SetOption) {
	s.mu.Lock()
	e := s.putLocked(key, data, opts)
	n := len(s.entries)
	s.mu.Unlock()

	s.metrics.SetEntries(n)
	s.broadcast(Event{Type: EventSet, Key: key, ResourceType: e.resourceType})
}

// putLocked 写入条目，调用方持有写锁
//
// 未指定资源类型或配置覆盖时沿用旧条目的值。
func (s *Store) putLocked(key string, data any, opts []SetOption) *entry {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	prev := s.entries[key]
	rt := o.resourceType
	override := o.config
	if prev != nil {
		if rt == "" {
			rt = prev.resourceType
		}
		if override == nil {
			override = prev.override
		}
	}

	s.version++
	e := &entry{
		key:          key,
		data:         data,
		resourceType: rt,
		createdAt:    s.now(),
		config:       s.resolveConfig(key, rt, override),
		override:     override,
		version:      s.version,
	}
	if prev != nil {
		e.revalidating = prev.revalidating
	}
	s.entries[key] = e
	return e
}

// resolveConfig 配置优先级：显式覆盖 → 资源类型默认 → 全局默认
func (s *Store) resolveConfig(key string, rt ResourceType, override *EntryConfig) EntryConfig {
	cfg := s.cfg.Default
	if rc, ok := s.cfg.Resources[rt]; ok && rt != "" {
		cfg = rc
	}
	if override != nil {
		cfg = *override
	}

	cfg, clamped := cfg.normalize(s.cfg.Default)
	if clamped {
		s.logger.WithKey(key).Warn("stale_after exceeds evict_after, clamped",
			"evict_after", cfg.EvictAfter.String())
	}
	return cfg
}

// Remove 静默删除条目，不广播事件
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	n := len(s.entries)
	s.mu.Unlock()

	s.metrics.SetEntries(n)
}

// Clear 静默清空所有条目（例如退出登录）
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	s.metrics.SetEntries(0)
}

// Keys 返回当前所有键（已排序）
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len 返回条目数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ============================================================================
// 失效
// ============================================================================

// Invalidate 标记单个键需要重新拉取
//
// 数据保留（陈旧但可展示），直到被新值替换。键不存在时为空操作。
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		e.invalidated = true
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.metrics.RecordInvalidation("key")
	s.broadcast(Event{Type: EventInvalidate, Key: key, ResourceType: e.resourceType})
}

// InvalidatePattern 标记所有包含 substring 的键
func (s *Store) InvalidatePattern(substring string) {
	keys := s.markMatching(func(e *entry) bool {
		return strings.Contains(e.key, substring)
	})
	if len(keys) == 0 {
		return
	}
	s.metrics.RecordInvalidation("pattern")
	s.broadcast(Event{Type: EventInvalidate, Pattern: substring, Keys: keys})
}

// InvalidateResource 标记指定资源类型的所有条目
//
// includeRelated 为 true 时，同时标记 Relations 中声明为关联的资源类型。
// 每个命中的资源类型广播一个 invalidate 事件。
func (s *Store) InvalidateResource(rt ResourceType, includeRelated bool) {
	targets := []ResourceType{rt}
	if includeRelated {
		for _, r := range s.relations.Related(rt) {
			if r != rt {
				targets = append(targets, r)
			}
		}
	}

	for _, t := range targets {
		keys := s.markMatching(func(e *entry) bool {
			return e.resourceType != "" && e.resourceType == t
		})
		if len(keys) == 0 {
			continue
		}
		s.metrics.RecordInvalidation("resource")
		s.broadcast(Event{Type: EventInvalidate, ResourceType: t, Keys: keys})
	}
}

// markMatching 标记匹配条目并返回命中的键（已排序）
func (s *Store) markMatching(match func(*entry) bool) []string {
	s.mu.Lock()
	var keys []string
	for k, e := range s.entries {
		if match(e) {
			e.invalidated = true
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// ============================================================================
// 回收
// ============================================================================

// Sweep 删除所有过期条目，返回删除数量
//
// 回收是静默的垃圾清理，不广播 invalidate 事件。
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for k, e := range s.entries {
		if e.isExpired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	n := len(s.entries)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("cache sweep removed expired entries", "count", removed)
	}
	s.metrics.RecordEvictions(removed)
	s.metrics.SetEntries(n)
	return removed
}

// StartSweeper 按 SweepInterval 周期回收，直到 ctx 结束
func (s *Store) StartSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// ============================================================================
// 订阅
// ============================================================================

// Subscribe 订阅缓存事件，返回取消订阅函数（可重复调用）
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	next := make([]subscriber, len(s.subs), len(s.subs)+1)
	copy(next, s.subs)
	s.subs = append(next, subscriber{id: id, fn: fn})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		next := make([]subscriber, 0, len(s.subs))
		for _, sub := range s.subs {
			if sub.id != id {
				next = append(next, sub)
			}
		}
		s.subs = next
	}
}

// broadcast 对订阅者快照逐个投递，单个订阅者 panic 不影响其他订阅者
func (s *Store) broadcast(ev Event) {
	s.subMu.Lock()
	subs := s.subs
	s.subMu.Unlock()

	for _, sub := range subs {
		s.deliver(sub.fn, ev)
	}
}

func (s *Store) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cache subscriber panicked",
				"event", string(ev.Type), "key", ev.Key, "panic", r)
		}
	}()
	fn(ev)
}
