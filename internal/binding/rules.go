// Package binding 把实时推送与资源缓存组合起来
//
// 推送事件按 Rule 映射为缓存失效；断线重连后统一失效，
// 补偿离线期间可能错过的事件。
package binding

import "tutorhub-sync/internal/cache"

// DefaultRelations 资源关联表
var DefaultRelations = cache.RelationTable{
	cache.ResourceBookings:      {cache.ResourceSessions, cache.ResourceAvailability, cache.ResourceDashboard},
	cache.ResourceSessions:      {cache.ResourceBookings, cache.ResourceDashboard},
	cache.ResourceTutors:        {cache.ResourceAvailability, cache.ResourceReviews},
	cache.ResourceReviews:       {cache.ResourceTutors},
	cache.ResourceMessages:      {cache.ResourceConversations},
	cache.ResourceConversations: {cache.ResourceMessages},
	cache.ResourcePayments:      {cache.ResourceBookings, cache.ResourceDashboard},
}

// Rule 推送事件 → 缓存失效
type Rule struct {
	EventType      string
	Resource       cache.ResourceType
	IncludeRelated bool
	// KeyField 非空时从推送负载中取实体 ID，额外失效 KeyPrefix+ID 这一个键
	KeyField  string
	KeyPrefix string
}

// DefaultRules 默认失效规则
var DefaultRules = []Rule{
	{EventType: "booking_created", Resource: cache.ResourceBookings, IncludeRelated: true},
	{EventType: "booking_updated", Resource: cache.ResourceBookings, IncludeRelated: true, KeyField: "booking_id", KeyPrefix: "/api/bookings/"},
	{EventType: "booking_cancelled", Resource: cache.ResourceBookings, IncludeRelated: true, KeyField: "booking_id", KeyPrefix: "/api/bookings/"},
	{EventType: "session_started", Resource: cache.ResourceSessions, IncludeRelated: true, KeyField: "session_id", KeyPrefix: "/api/sessions/"},
	{EventType: "session_ended", Resource: cache.ResourceSessions, IncludeRelated: true, KeyField: "session_id", KeyPrefix: "/api/sessions/"},
	{EventType: "new_message", Resource: cache.ResourceMessages, IncludeRelated: true},
	{EventType: "message", Resource: cache.ResourceMessages, IncludeRelated: true},
	{EventType: "message_read", Resource: cache.ResourceConversations},
	{EventType: "review_created", Resource: cache.ResourceReviews, IncludeRelated: true},
	{EventType: "payment_completed", Resource: cache.ResourcePayments, IncludeRelated: true},
	{EventType: "availability_updated", Resource: cache.ResourceAvailability},
}

// indexRules 按事件类型分组，并收集规则涉及的全部资源类型（去重，保持首次出现顺序）
func indexRules(rules []Rule) (map[string][]Rule, []cache.ResourceType) {
	byType := make(map[string][]Rule, len(rules))
	seen := make(map[cache.ResourceType]bool)
	var resources []cache.ResourceType
	for _, r := range rules {
		byType[r.EventType] = append(byType[r.EventType], r)
		if !seen[r.Resource] {
			seen[r.Resource] = true
			resources = append(resources, r.Resource)
		}
	}
	return byType, resources
}
