package audit

import "time"

// Severity 表示审计事件的严重级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventRecommendation    EventType = "recommendation"
	EventRuleMatch         EventType = "rule_match"
	EventActionResult      EventType = "action_result"
	EventOrderSubmitted    EventType = "order_submitted"
	EventOrderTransition   EventType = "order_transition"
	EventTriggerSweep      EventType = "trigger_sweep"
	EventReconcileConflict EventType = "reconcile_conflict"
	EventClampWarning      EventType = "clamp_warning"
	EventError             EventType = "error"
)

// Event 是一条面向运维的活动记录。审计流是尽力而为的：
// 队列饱和时优先丢弃最旧事件，绝不阻塞订单关键路径。
type Event struct {
	Severity    Severity               `json:"severity"`
	Type        EventType              `json:"type"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// StoredEvent 是带存储主键的审计事件，供查询接口返回。
type StoredEvent struct {
	ID int64 `json:"id"`
	Event
}
