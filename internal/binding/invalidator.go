package binding

import (
	"strconv"
	"sync"

	"tutorhub-sync/internal/cache"
	"tutorhub-sync/internal/realtime"
	"tutorhub-sync/pkg/logging"
)

// Invalidations 缓存失效入口，*cache.Store 实现了该接口
type Invalidations interface {
	Invalidate(key string)
	InvalidateResource(rt cache.ResourceType, includeRelated bool)
}

// Source 实时事件来源，*realtime.Manager 实现了该接口
type Source interface {
	OnMessage(fn func(realtime.Message)) func()
	OnConnectionChange(fn func(realtime.ConnectionChange)) func()
}

// Invalidator 监听推送与连接状态，驱动缓存失效
//
// Source 主动断开时会清空订阅，之后重新 Connect 需要再次调用 Start。
type Invalidator struct {
	store     Invalidations
	source    Source
	rules     map[string][]Rule
	resources []cache.ResourceType
	logger    *logging.Logger

	mu            sync.Mutex
	unsubs        []func()
	seenConnected bool
	online        bool
}

// New 创建 Invalidator，rules 为 nil 时使用 DefaultRules
func New(store Invalidations, source Source, rules []Rule, logger *logging.Logger) *Invalidator {
	if rules == nil {
		rules = DefaultRules
	}
	if logger == nil {
		logger = logging.Discard()
	}
	byType, resources := indexRules(rules)
	return &Invalidator{
		store:     store,
		source:    source,
		rules:     byType,
		resources: resources,
		logger:    logger,
	}
}

// Start 订阅事件
//
// 重复调用会先取消旧订阅再重新订阅，Source 主动断开清空订阅后再次调用即可恢复。
func (inv *Invalidator) Start() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, fn := range inv.unsubs {
		fn()
	}
	inv.unsubs = []func(){
		inv.source.OnMessage(inv.handleMessage),
		inv.source.OnConnectionChange(inv.handleChange),
	}
}

// Stop 取消订阅
func (inv *Invalidator) Stop() {
	inv.mu.Lock()
	unsubs := inv.unsubs
	inv.unsubs = nil
	inv.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

// Online 当前连接是否可用，界面据此展示离线状态
func (inv *Invalidator) Online() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.online
}

func (inv *Invalidator) handleMessage(msg realtime.Message) {
	rules := inv.rules[msg.Type]
	if len(rules) == 0 {
		return
	}

	var payload map[string]any
	for _, r := range rules {
		inv.store.InvalidateResource(r.Resource, r.IncludeRelated)

		if r.KeyField == "" {
			continue
		}
		if payload == nil {
			if err := msg.Decode(&payload); err != nil {
				inv.logger.WithError(err).Warn("Failed to decode event payload", "type", msg.Type)
				continue
			}
		}
		if id, ok := stringField(payload, r.KeyField); ok {
			inv.store.Invalidate(r.KeyPrefix + id)
		}
	}
	inv.logger.Debug("Cache invalidated by event", "type", msg.Type, "rules", len(rules))
}

func (inv *Invalidator) handleChange(c realtime.ConnectionChange) {
	inv.mu.Lock()
	inv.online = c.Connected()
	resync := c.Connected() && inv.seenConnected
	if c.Connected() {
		inv.seenConnected = true
	}
	inv.mu.Unlock()

	if !resync {
		return
	}
	// 离线期间可能漏掉推送，重连后全部标记为陈旧
	for _, rt := range inv.resources {
		inv.store.InvalidateResource(rt, false)
	}
	inv.logger.Info("Cache resynced after reconnect", "resources", len(inv.resources))
}

// stringField 取负载中的 ID 字段，支持字符串与数字
func stringField(payload map[string]any, field string) (string, bool) {
	switch v := payload[field].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}
