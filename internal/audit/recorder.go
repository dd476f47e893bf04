// Package audit 实现与订单关键路径解耦的审计日志。
// 事件经有界队列交给唯一的后台工作协程落库。
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/store"
)

// Recorder 拥有审计队列与后台工作协程。
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
	queue  chan Event

	// OnDrop 在事件因队列饱和被丢弃时调用，用于指标上报。
	OnDrop func()
}

// NewRecorder 初始化审计记录器并建表。queueSize 决定队列上界。
func NewRecorder(st *store.Store, queueSize int, logger *zap.Logger) (*Recorder, error) {
	if st == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		db:     st.DB(),
		logger: logger,
		queue:  make(chan Event, queueSize),
	}

	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	severity TEXT NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Record 将事件推入队列，绝不阻塞。队列饱和时丢弃最旧事件腾出空间，
// 仍放不进去则丢弃当前事件。
func (r *Recorder) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case r.queue <- event:
		return
	default:
	}

	// 队列已满：先挤掉最旧的一条。
	select {
	case <-r.queue:
		if r.OnDrop != nil {
			r.OnDrop()
		}
		r.logger.Warn("审计队列已满，丢弃最旧事件")
	default:
	}

	select {
	case r.queue <- event:
	default:
		if r.OnDrop != nil {
			r.OnDrop()
		}
		r.logger.Warn("审计队列已满，丢弃当前事件", zap.String("type", string(event.Type)))
	}
}

// Info 记录一条 info 级事件。
func (r *Recorder) Info(typ EventType, description string, data map[string]interface{}) {
	r.Record(Event{Severity: SeverityInfo, Type: typ, Description: description, Data: data})
}

// Warn 记录一条 warning 级事件。
func (r *Recorder) Warn(typ EventType, description string, data map[string]interface{}) {
	r.Record(Event{Severity: SeverityWarning, Type: typ, Description: description, Data: data})
}

// Error 记录一条 error 级事件。
func (r *Recorder) Error(typ EventType, description string, err error, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.Record(Event{Severity: SeverityError, Type: typ, Description: description, Data: data})
}

// Critical 记录一条 critical 级事件（例如对账冲突），需要人工介入。
func (r *Recorder) Critical(typ EventType, description string, data map[string]interface{}) {
	r.Record(Event{Severity: SeverityCritical, Type: typ, Description: description, Data: data})
}

// Run 驱动后台工作协程，直到 ctx 结束后清空剩余队列再返回。
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case event := <-r.queue:
			r.persist(event)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case event := <-r.queue:
			r.persist(event)
		default:
			return
		}
	}
}

func (r *Recorder) persist(event Event) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		r.logger.Warn("序列化审计事件失败", zap.Error(err))
		payload = []byte("{}")
	}

	_, err = r.db.Exec(
		`INSERT INTO audit_events (severity, event_type, description, data, created_at) VALUES (?,?,?,?,?)`,
		string(event.Severity), string(event.Type), event.Description,
		string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		r.logger.Warn("写入审计事件失败", zap.Error(err), zap.String("type", string(event.Type)))
	}
}

// ListEvents 返回最近的审计事件，供监控接口使用。
func (r *Recorder) ListEvents(ctx context.Context, eventType EventType, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, severity, event_type, description, data, created_at FROM audit_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询审计事件失败: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			ev               StoredEvent
			severity, typ    string
			dataRaw, created string
		)
		if err := rows.Scan(&ev.ID, &severity, &typ, &ev.Description, &dataRaw, &created); err != nil {
			return nil, fmt.Errorf("解析审计事件失败: %w", err)
		}
		ev.Severity = Severity(severity)
		ev.Type = EventType(typ)
		if err := json.Unmarshal([]byte(dataRaw), &ev.Data); err != nil {
			ev.Data = map[string]interface{}{"raw": dataRaw}
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ev.Timestamp = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
